package api

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ResourceKind identifies what a browser sub-request fetches.
type ResourceKind uint8

const (
	ResourceOther ResourceKind = iota
	ResourceDocument
	ResourceSubdocument
	ResourceStylesheet
	ResourceScript
	ResourceImage
	ResourceFont
	ResourceMedia
	ResourceXHR
	ResourceFetch
	ResourceWebSocket
	ResourcePing
	ResourceManifest
)

var resourceKindNames = [...]string{
	ResourceOther:       "Other",
	ResourceDocument:    "Document",
	ResourceSubdocument: "Subdocument",
	ResourceStylesheet:  "Stylesheet",
	ResourceScript:      "Script",
	ResourceImage:       "Image",
	ResourceFont:        "Font",
	ResourceMedia:       "Media",
	ResourceXHR:         "XmlHttpRequest",
	ResourceFetch:       "Fetch",
	ResourceWebSocket:   "Websocket",
	ResourcePing:        "Ping",
	ResourceManifest:    "Manifest",
}

var resourceKindAliases = map[string]ResourceKind{
	"document":       ResourceDocument,
	"main_frame":     ResourceDocument,
	"subdocument":    ResourceSubdocument,
	"sub_frame":      ResourceSubdocument,
	"stylesheet":     ResourceStylesheet,
	"css":            ResourceStylesheet,
	"script":         ResourceScript,
	"image":          ResourceImage,
	"font":           ResourceFont,
	"media":          ResourceMedia,
	"xmlhttprequest": ResourceXHR,
	"xhr":            ResourceXHR,
	"fetch":          ResourceFetch,
	"websocket":      ResourceWebSocket,
	"ping":           ResourcePing,
	"manifest":       ResourceManifest,
	"other":          ResourceOther,
}

// ParseResourceKind maps a host-supplied resource type name to a ResourceKind.
// Matching is case-insensitive; unknown names map to ResourceOther.
func ParseResourceKind(s string) ResourceKind {
	if k, ok := resourceKindAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return k
	}
	return ResourceOther
}

func (k ResourceKind) String() string {
	if int(k) < len(resourceKindNames) {
		return resourceKindNames[k]
	}
	return "Other"
}

func (k ResourceKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ResourceKind) UnmarshalText(b []byte) error {
	*k = ParseResourceKind(string(b))
	return nil
}

// ActionType is what a rule action does when it matches.
type ActionType uint8

const (
	ActionBlock ActionType = iota
	ActionInjectCSS
	ActionInjectJS
)

func (t ActionType) String() string {
	switch t {
	case ActionBlock:
		return "Block"
	case ActionInjectCSS:
		return "InjectCss"
	case ActionInjectJS:
		return "InjectJs"
	}
	return "ActionType(" + strconv.Itoa(int(t)) + ")"
}

// Valid reports whether t is one of the known action types.
func (t ActionType) Valid() bool {
	return t <= ActionInjectJS
}

// IsInjection reports whether t injects content into the page.
func (t ActionType) IsInjection() bool {
	return t == ActionInjectCSS || t == ActionInjectJS
}

// ParseActionType accepts the action names used by persisted rules.
func ParseActionType(s string) (ActionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "block":
		return ActionBlock, nil
	case "injectcss", "inject_css", "css":
		return ActionInjectCSS, nil
	case "injectjs", "inject_js", "js":
		return ActionInjectJS, nil
	}
	return 0, fmt.Errorf("unknown action type %q", s)
}

func (t ActionType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *ActionType) UnmarshalText(b []byte) error {
	v, err := ParseActionType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// UnmarshalJSON accepts either the action name or its integer ordinal.
func (t *ActionType) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		if n < 0 || n > int(ActionInjectJS) {
			return fmt.Errorf("unknown action type %d", n)
		}
		*t = ActionType(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("action type must be a string or integer: %w", err)
	}
	return t.UnmarshalText([]byte(s))
}

// Rule is a named, site-scoped, prioritized list of actions.
type Rule struct {
	ID        string       `json:"Id" yaml:"id"`
	Name      string       `json:"Name" yaml:"name"`
	Site      string       `json:"Site,omitempty" yaml:"site,omitempty"`
	Enabled   bool         `json:"Enabled" yaml:"enabled"`
	Priority  int          `json:"Priority" yaml:"priority"`
	Actions   []RuleAction `json:"Actions" yaml:"actions"`
	ChannelID string       `json:"ChannelId,omitempty" yaml:"channel_id,omitempty"`
	Enforced  bool         `json:"Enforced,omitempty" yaml:"enforced,omitempty"`
}

// RuleAction is a single block or injection step of a Rule.
type RuleAction struct {
	Type  ActionType `json:"Type" yaml:"type"`
	Match RuleMatch  `json:"Match" yaml:"match"`
	CSS   string     `json:"Css,omitempty" yaml:"css,omitempty"`
	JS    string     `json:"Js,omitempty" yaml:"js,omitempty"`
}

// RuleMatch lists the request properties an action requires. Empty fields match anything.
type RuleMatch struct {
	URLPattern   string `json:"UrlPattern,omitempty" yaml:"url_pattern,omitempty"`
	ResourceType string `json:"ResourceType,omitempty" yaml:"resource_type,omitempty"`
	Method       string `json:"Method,omitempty" yaml:"method,omitempty"`
}

// Request is one outbound resource fetch as reported by the host.
type Request struct {
	URL          string       `json:"url"`
	Method       string       `json:"method"`
	ResourceType ResourceKind `json:"resource_type"`
	Size         int64        `json:"size,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Decision is the outcome of evaluating a Request.
type Decision struct {
	ShouldBlock       bool         `json:"should_block"`
	BlockedByRuleID   string       `json:"blocked_by_rule_id,omitempty"`
	BlockedByRuleName string       `json:"blocked_by_rule_name,omitempty"`
	Injections        []RuleAction `json:"injections,omitempty"`
}

// Allow is the decision returned when nothing blocks and nothing is injected.
func Allow() Decision {
	return Decision{}
}
