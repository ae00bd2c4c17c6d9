package decisionlog

import (
	"time"

	"github.com/google/uuid"

	"github.com/tkingovr/requestguard/api"
	"github.com/tkingovr/requestguard/internal/match"
)

// Entry is one logged evaluation.
type Entry struct {
	ID          string        `json:"id"`
	Request     api.Request   `json:"request"`
	PageURL     string        `json:"page_url,omitempty"`
	Decision    api.Decision  `json:"decision"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration_ns,omitempty"`
}

// NewEntry builds an entry with a fresh ID.
func NewEntry(req api.Request, pageURL string, d api.Decision, took time.Duration) Entry {
	return Entry{
		ID:          uuid.NewString(),
		Request:     req,
		PageURL:     pageURL,
		Decision:    d,
		EvaluatedAt: time.Now(),
		Duration:    took,
	}
}

// Host returns the request host, or "" if the URL has none.
func (e *Entry) Host() string {
	h, _ := match.ExtractHost(e.Request.URL)
	return h
}

func matchesFilter(e *Entry, f api.QueryFilter) bool {
	if !f.Since.IsZero() && e.EvaluatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.EvaluatedAt.After(f.Until) {
		return false
	}
	if f.Blocked != nil && e.Decision.ShouldBlock != *f.Blocked {
		return false
	}
	if f.RuleID != "" && e.Decision.BlockedByRuleID != f.RuleID {
		return false
	}
	if f.Host != "" && !match.HostWithin(e.Host(), f.Host) {
		return false
	}
	return true
}
