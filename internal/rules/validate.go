package rules

import (
	"fmt"
	"slices"
	"strings"

	"github.com/tkingovr/requestguard/api"
)

type compiledRule struct {
	rule api.Rule
	site siteMatcher
}

// compileRule validates r and prepares its site scope. The returned rule owns
// a private copy of the action list.
func compileRule(r api.Rule) (compiledRule, error) {
	if strings.TrimSpace(r.ID) == "" {
		return compiledRule{}, &MalformedRuleError{RuleID: r.Name, Reason: "id is required"}
	}

	for i, a := range r.Actions {
		var reason string
		switch {
		case !a.Type.Valid():
			reason = "unknown type " + a.Type.String()
		case a.Type == api.ActionInjectCSS && strings.TrimSpace(a.CSS) == "":
			reason = "InjectCss without css"
		case a.Type == api.ActionInjectJS && strings.TrimSpace(a.JS) == "":
			reason = "InjectJs without js"
		}
		if reason != "" {
			return compiledRule{}, &MalformedRuleError{RuleID: r.ID, Reason: fmt.Sprintf("action %d: %s", i, reason)}
		}
	}

	site, err := compileSite(r.Site)
	if err != nil {
		return compiledRule{}, &MalformedRuleError{RuleID: r.ID, Reason: err.Error()}
	}

	r.Actions = slices.Clone(r.Actions)
	return compiledRule{rule: r, site: site}, nil
}
