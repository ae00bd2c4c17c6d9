package rules

import (
	"errors"
	"fmt"
)

// MalformedRuleError reports a rule that was skipped while building a snapshot.
type MalformedRuleError struct {
	RuleID string
	Reason string
}

func (e *MalformedRuleError) Error() string {
	return fmt.Sprintf("rule %q: %s", e.RuleID, e.Reason)
}

// ReloadError is returned by Reload when no new snapshot was published.
// The previous snapshot keeps serving.
type ReloadError struct {
	Op  string
	Err error
}

func (e *ReloadError) Error() string {
	return "reloading rules: " + e.Op + ": " + e.Err.Error()
}

func (e *ReloadError) Unwrap() error { return e.Err }

// EvaluationFault is an unexpected failure while evaluating a request.
// Evaluate maps it to an Allow decision.
type EvaluationFault struct {
	RuleID string
	URL    string
	Err    error
}

func (e *EvaluationFault) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("evaluating %s against rule %q: %v", e.URL, e.RuleID, e.Err)
	}
	return fmt.Sprintf("evaluating %s: %v", e.URL, e.Err)
}

func (e *EvaluationFault) Unwrap() error { return e.Err }

// UndecodableRulesError lists rule entries a Source could not decode. It is
// returned alongside the rules that did decode; the engine skips the bad
// entries and loads the rest.
type UndecodableRulesError struct {
	Errs []error
}

func (e *UndecodableRulesError) Error() string {
	return fmt.Sprintf("%d undecodable rule entries: %v", len(e.Errs), errors.Join(e.Errs...))
}

func (e *UndecodableRulesError) Unwrap() []error { return e.Errs }
