package api

import "time"

// QueryFilter defines criteria for querying logged decisions.
type QueryFilter struct {
	Since   time.Time `json:"since,omitempty"`
	Until   time.Time `json:"until,omitempty"`
	Blocked *bool     `json:"blocked,omitempty"`
	RuleID  string    `json:"rule_id,omitempty"`
	Host    string    `json:"host,omitempty"`
	Limit   int       `json:"limit,omitempty"`
	Offset  int       `json:"offset,omitempty"`
}

// DecisionStats provides summary statistics over logged decisions.
type DecisionStats struct {
	TotalRequests  int            `json:"total_requests"`
	BlockedCount   int            `json:"blocked_count"`
	AllowedCount   int            `json:"allowed_count"`
	InjectedCount  int            `json:"injected_count"`
	ByRule         map[string]int `json:"by_rule"`
	ByResourceKind map[string]int `json:"by_resource_kind"`
}

// CheckRequest is used by the CLI `check` command and the dashboard API.
type CheckRequest struct {
	URL          string `json:"url"`
	Method       string `json:"method,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`
	PageURL      string `json:"page_url,omitempty"`
}

// ToRequest converts the check input into an evaluation Request.
func (c CheckRequest) ToRequest() Request {
	method := c.Method
	if method == "" {
		method = "GET"
	}
	return Request{
		URL:          c.URL,
		Method:       method,
		ResourceType: ParseResourceKind(c.ResourceType),
		Timestamp:    time.Now(),
	}
}

// CheckResponse is returned by the dashboard check endpoint.
type CheckResponse struct {
	URL            string       `json:"url"`
	Decision       Decision     `json:"decision"`
	PageInjections []RuleAction `json:"page_injections,omitempty"`
}
