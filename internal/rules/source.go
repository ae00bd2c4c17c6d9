package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tkingovr/requestguard/api"
)

// Source supplies the enabled rules the engine loads on Reload.
type Source interface {
	EnabledRules(ctx context.Context) ([]api.Rule, error)
}

// StaticSource serves a fixed, in-memory rule list.
type StaticSource []api.Rule

func (s StaticSource) EnabledRules(_ context.Context) ([]api.Rule, error) {
	return enabledOnly(s), nil
}

// FileSource re-reads a JSON or YAML rule file on every call.
type FileSource struct {
	path string
}

// NewFileSource creates a Source backed by the file at path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) EnabledRules(ctx context.Context) ([]api.Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rules, err := LoadFile(s.path)
	var undecodable *UndecodableRulesError
	if err != nil && !errors.As(err, &undecodable) {
		return nil, err
	}
	return enabledOnly(rules), err
}

// Path returns the backing file path.
func (s *FileSource) Path() string { return s.path }

// Format selects the rule file encoding.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

// FormatForPath picks YAML for .yaml/.yml files and JSON otherwise.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}

// LoadFile reads a rule file.
func LoadFile(path string) ([]api.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule file: %w", err)
	}
	return LoadBytes(data, FormatForPath(path))
}

// LoadBytes parses a rule list. JSON input is an array of rules in the
// persisted form; YAML input is a list of rules or a document with a
// top-level "rules" key. Entries are decoded one by one: when some fail, the
// rest are returned together with an *UndecodableRulesError.
func LoadBytes(data []byte, format Format) ([]api.Rule, error) {
	var (
		rules []api.Rule
		errs  []error
	)
	switch format {
	case FormatYAML:
		var nodes []yaml.Node
		if err := yaml.Unmarshal(data, &nodes); err != nil {
			var doc struct {
				Rules []yaml.Node `yaml:"rules"`
			}
			if derr := yaml.Unmarshal(data, &doc); derr != nil {
				return nil, fmt.Errorf("parsing rule YAML: %w", err)
			}
			nodes = doc.Rules
		}
		for i := range nodes {
			var r api.Rule
			if err := nodes[i].Decode(&r); err != nil {
				errs = append(errs, fmt.Errorf("rule at line %d: %w", nodes[i].Line, err))
				continue
			}
			rules = append(rules, r)
		}
	default:
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing rule JSON: %w", err)
		}
		for i, msg := range raw {
			var r api.Rule
			if err := json.Unmarshal(msg, &r); err != nil {
				errs = append(errs, fmt.Errorf("rule %d%s: %w", i, jsonRuleID(msg), err))
				continue
			}
			rules = append(rules, r)
		}
	}
	if len(errs) > 0 {
		return rules, &UndecodableRulesError{Errs: errs}
	}
	return rules, nil
}

func jsonRuleID(msg json.RawMessage) string {
	var head struct {
		ID string `json:"Id"`
	}
	if json.Unmarshal(msg, &head) != nil || head.ID == "" {
		return ""
	}
	return fmt.Sprintf(" (%q)", head.ID)
}

// ParseActions decodes a rule's persisted action array.
func ParseActions(data []byte) ([]api.RuleAction, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var actions []api.RuleAction
	if err := json.Unmarshal(data, &actions); err != nil {
		return nil, fmt.Errorf("parsing rule actions: %w", err)
	}
	return actions, nil
}

func enabledOnly(rules []api.Rule) []api.Rule {
	out := make([]api.Rule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}
