package api

import (
	"encoding/json"
	"testing"
)

func TestActionTypeUnmarshalJSON(t *testing.T) {
	valid := map[string]ActionType{
		`0`:           ActionBlock,
		`1`:           ActionInjectCSS,
		`2`:           ActionInjectJS,
		`"Block"`:     ActionBlock,
		`"InjectCss"`: ActionInjectCSS,
		`"inject_js"`: ActionInjectJS,
	}
	for in, want := range valid {
		var got ActionType
		if err := json.Unmarshal([]byte(in), &got); err != nil {
			t.Errorf("%s: unexpected error %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("%s: expected %s, got %s", in, want, got)
		}
	}

	for _, in := range []string{`3`, `-1`, `256`, `257`, `"Redirect"`, `true`} {
		got := ActionInjectJS
		if err := json.Unmarshal([]byte(in), &got); err == nil {
			t.Errorf("%s: expected error, decoded %s", in, got)
		}
		if got != ActionInjectJS {
			t.Errorf("%s: value changed to %s on error", in, got)
		}
	}
}
