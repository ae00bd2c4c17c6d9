package dashboard

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tkingovr/requestguard/api"
	"github.com/tkingovr/requestguard/internal/decisionlog"
	"github.com/tkingovr/requestguard/internal/rules"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// statsResponse is the body of GET /api/v1/stats.
type statsResponse struct {
	Decisions *api.DecisionStats         `json:"decisions"`
	Pipeline  *decisionlog.PipelineStats `json:"pipeline,omitempty"`
	Snapshot  rules.SnapshotInfo         `json:"snapshot"`
	Faults    uint64                     `json:"evaluation_faults"`
}

// rulesResponse is the body of GET /api/v1/rules.
type rulesResponse struct {
	Snapshot rules.SnapshotInfo `json:"snapshot"`
	Rules    []api.Rule         `json:"rules"`
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	stats, err := s.store.Stats(r.Context())
	if err != nil {
		http.Error(w, "failed to get stats", http.StatusInternalServerError)
		return
	}

	data := map[string]any{
		"Page":     "overview",
		"Stats":    stats,
		"Snapshot": s.guard.Engine().Snapshot(),
	}
	if s.pipeline != nil {
		data["Pipeline"] = s.pipeline.Stats()
	}
	renderPage(w, "overview", data)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.Query(r.Context(), api.QueryFilter{Limit: defaultQueryLimit})
	if err != nil {
		http.Error(w, "failed to query decision log", http.StatusInternalServerError)
		return
	}

	data := map[string]any{
		"Page":    "decisions",
		"Entries": entries,
	}
	renderPage(w, "decisions", data)
}

func (s *Server) handleDecisionRowStream(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, func(e *decisionlog.Entry) (string, error) {
		return renderDecisionRow(e), nil
	})
}

func (s *Server) handleAPIDecisionStream(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, func(e *decisionlog.Entry) (string, error) {
		data, err := json.Marshal(e)
		return string(data), err
	})
}

// stream relays new store entries to the client as server-sent events.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, render func(*decisionlog.Entry) (string, error)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch, cancel := s.store.Subscribe(r.Context())
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, err := render(e)
			if err != nil {
				s.logger.Warn("rendering decision event", "id", e.ID, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: decision\ndata: %s\n\n", data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	active := s.guard.Engine().Rules()
	rulesYAML, _ := yaml.Marshal(active)

	data := map[string]any{
		"Page":      "rules",
		"Snapshot":  s.guard.Engine().Snapshot(),
		"RulesYAML": string(rulesYAML),
	}
	renderPage(w, "rules", data)
}

func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		http.Error(w, "failed to get stats", http.StatusInternalServerError)
		return
	}
	resp := statsResponse{
		Decisions: stats,
		Snapshot:  s.guard.Engine().Snapshot(),
		Faults:    s.guard.Engine().Faults(),
	}
	if s.pipeline != nil {
		ps := s.pipeline.Stats()
		resp.Pipeline = &ps
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAPIDecisions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseQueryFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries, err := s.store.Query(r.Context(), filter)
	if err != nil {
		http.Error(w, "failed to query decision log", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []*decisionlog.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAPIRules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rulesResponse{
		Snapshot: s.guard.Engine().Snapshot(),
		Rules:    s.guard.Engine().Rules(),
	})
}

func (s *Server) handleAPICheck(w http.ResponseWriter, r *http.Request) {
	var req api.CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}

	// Checks go to the engine directly so they stay out of the decision log.
	evalReq := req.ToRequest()
	resp := api.CheckResponse{
		URL:      req.URL,
		Decision: s.guard.Engine().Evaluate(&evalReq, req.PageURL),
	}
	if req.PageURL != "" {
		resp.PageInjections = s.guard.InjectionsForPage(req.PageURL)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAPIEvaluate is the interception endpoint: the decision is logged.
func (s *Server) handleAPIEvaluate(w http.ResponseWriter, r *http.Request) {
	var req api.CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}
	evalReq := req.ToRequest()
	writeJSON(w, http.StatusOK, s.guard.Handle(&evalReq, req.PageURL))
}

func (s *Server) handleAPIInjections(w http.ResponseWriter, r *http.Request) {
	page := r.URL.Query().Get("page_url")
	if page == "" {
		http.Error(w, "page_url is required", http.StatusBadRequest)
		return
	}
	injections := s.guard.InjectionsForPage(page)
	if injections == nil {
		injections = []api.RuleAction{}
	}
	writeJSON(w, http.StatusOK, injections)
}

func (s *Server) handleAPIReload(w http.ResponseWriter, r *http.Request) {
	if err := s.guard.Reload(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":    err.Error(),
			"snapshot": s.guard.Engine().Snapshot(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshot": s.guard.Engine().Snapshot()})
}

func parseQueryFilter(r *http.Request) (api.QueryFilter, error) {
	q := r.URL.Query()
	f := api.QueryFilter{
		Limit:  defaultQueryLimit,
		RuleID: q.Get("rule"),
		Host:   q.Get("host"),
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", v)
		}
		f.Limit = min(n, maxQueryLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid offset %q", v)
		}
		f.Offset = n
	}
	if v := q.Get("blocked"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("invalid blocked %q", v)
		}
		f.Blocked = &b
	}
	for key, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		if v := q.Get(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, fmt.Errorf("invalid %s %q: want RFC 3339", key, v)
			}
			*dst = t
		}
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func renderDecisionRow(e *decisionlog.Entry) string {
	verdict, class := "ALLOW", "bg-green-900 text-green-300"
	switch {
	case e.Decision.ShouldBlock:
		verdict, class = "BLOCK", "bg-red-900 text-red-300"
	case len(e.Decision.Injections) > 0:
		verdict, class = "INJECT", "bg-blue-900 text-blue-300"
	}

	return fmt.Sprintf(
		`<tr class="border-b border-gray-700 hover:bg-gray-800"><td class="px-4 py-2 text-gray-400 text-xs">%s</td><td class="px-4 py-2">%s</td><td class="px-4 py-2">%s</td><td class="px-4 py-2 font-mono text-sm">%s</td><td class="px-4 py-2"><span class="px-2 py-1 rounded text-xs font-bold %s">%s</span></td><td class="px-4 py-2 text-gray-400 text-xs">%s</td></tr>`,
		e.EvaluatedAt.Format(time.RFC3339),
		escapeHTML(e.Request.Method),
		escapeHTML(e.Request.ResourceType.String()),
		escapeHTML(truncate(e.Request.URL, 80)),
		class,
		verdict,
		escapeHTML(e.Decision.BlockedByRuleID),
	)
}

func truncate(s string, limit int) string {
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

func escapeHTML(s string) string {
	return template.HTMLEscapeString(s)
}
