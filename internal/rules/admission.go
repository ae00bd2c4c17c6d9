package rules

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/open-policy-agent/opa/topdown"

	"github.com/tkingovr/requestguard/api"
)

// AdmissionPolicy runs a Rego policy over every rule before it enters a snapshot.
//
// The policy must live in package requestguard.admission and may define a set
// of denial messages:
//
//	deny contains msg if { ... }
//
// Input available to the policy:
//
//	input.id, input.name, input.site: string
//	input.priority: number
//	input.channel_id: string
//	input.enforced: bool
//	input.actions: [{type, url_pattern, resource_type, method, css_length, js_length}]
type AdmissionPolicy struct {
	mu    sync.RWMutex
	path  string
	query rego.PreparedEvalQuery
}

// NewAdmissionPolicy loads a .rego admission policy from disk.
func NewAdmissionPolicy(path string) (*AdmissionPolicy, error) {
	p := &AdmissionPolicy{path: path}
	if err := p.Reload(context.Background()); err != nil {
		return nil, err
	}
	return p, nil
}

// NewAdmissionPolicyFromSource compiles raw Rego source.
func NewAdmissionPolicyFromSource(source string) (*AdmissionPolicy, error) {
	p := &AdmissionPolicy{}
	if err := p.loadSource(source); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the policy file from disk and recompiles.
func (p *AdmissionPolicy) Reload(_ context.Context) error {
	if p.path == "" {
		return nil
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("reading admission policy: %w", err)
	}
	return p.loadSource(string(data))
}

func (p *AdmissionPolicy) loadSource(source string) error {
	if _, err := ast.ParseModuleWithOpts("admission.rego", source, ast.ParserOptions{RegoVersion: ast.RegoV1}); err != nil {
		return fmt.Errorf("parsing admission policy: %w", err)
	}

	r := rego.New(
		rego.Query("data.requestguard.admission"),
		rego.Module("admission.rego", source),
		rego.Store(inmem.New()),
	)
	query, err := r.PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("preparing admission policy: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.query = query
	return nil
}

// Admit evaluates the policy for one rule. A rule is admitted when the policy
// produces no denial messages. Policy runtime errors reject the rule; any
// other failure is returned so the caller can abort the reload.
func (p *AdmissionPolicy) Admit(ctx context.Context, rule api.Rule) (bool, string, error) {
	p.mu.RLock()
	query := p.query
	p.mu.RUnlock()

	rs, err := query.Eval(ctx, rego.EvalInput(admissionInput(rule)))
	if err != nil {
		if topdown.IsError(err) {
			return false, "admission policy error: " + err.Error(), nil
		}
		return false, "", fmt.Errorf("evaluating admission policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return true, "", nil
	}

	result, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return false, "", fmt.Errorf("unexpected admission policy result %T", rs[0].Expressions[0].Value)
	}

	reasons := denials(result["deny"])
	if len(reasons) == 0 {
		return true, "", nil
	}
	return false, strings.Join(reasons, "; "), nil
}

func denials(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, fmt.Sprint(it))
	}
	sort.Strings(out)
	return out
}

func admissionInput(r api.Rule) map[string]any {
	actions := make([]any, 0, len(r.Actions))
	for _, a := range r.Actions {
		actions = append(actions, map[string]any{
			"type":          a.Type.String(),
			"url_pattern":   a.Match.URLPattern,
			"resource_type": a.Match.ResourceType,
			"method":        a.Match.Method,
			"css_length":    len(a.CSS),
			"js_length":     len(a.JS),
		})
	}
	return map[string]any{
		"id":         r.ID,
		"name":       r.Name,
		"site":       r.Site,
		"priority":   r.Priority,
		"channel_id": r.ChannelID,
		"enforced":   r.Enforced,
		"actions":    actions,
	}
}
