package rules

import (
	"context"
	"testing"

	"github.com/tkingovr/requestguard/api"
)

func TestInjectionCache(t *testing.T) {
	src := &flakySource{rules: []api.Rule{cssRule("a", 1, "example.com", "h1{}")}}
	e := newTestEngine(t, src)

	c, err := NewInjectionCache(e, 8)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	got := c.ForPage("https://example.com/")
	if len(got) != 1 || got[0].CSS != "h1{}" {
		t.Fatalf("unexpected injections %+v", got)
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 cached page, got %d", c.Len())
	}
	c.ForPage("https://example.com/")
	if c.Len() != 1 {
		t.Errorf("repeat lookup should hit the cache, got %d entries", c.Len())
	}

	src.set([]api.Rule{cssRule("b", 1, "example.com", "h2{}")}, nil)
	if err := e.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 0 {
		t.Errorf("expected cache purged on reload, got %d entries", c.Len())
	}

	got = c.ForPage("https://example.com/")
	if len(got) != 1 || got[0].CSS != "h2{}" {
		t.Errorf("expected injections from new snapshot, got %+v", got)
	}
}

func TestInjectionCache_Eviction(t *testing.T) {
	e := newTestEngine(t, StaticSource{cssRule("a", 1, "*", "x{}")})
	c, err := NewInjectionCache(e, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	for _, p := range []string{"https://a.com/", "https://b.com/", "https://c.com/"} {
		c.ForPage(p)
	}
	if c.Len() != 2 {
		t.Errorf("expected cache bounded at 2, got %d", c.Len())
	}
}

func TestInjectionCache_CloseUnsubscribes(t *testing.T) {
	e := newTestEngine(t, StaticSource{cssRule("a", 1, "*", "x{}")})
	c, err := NewInjectionCache(e, 4)
	if err != nil {
		t.Fatal(err)
	}
	c.ForPage("https://a.com/")
	c.Close()

	if err := e.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 1 {
		t.Errorf("closed cache should no longer be purged, got %d entries", c.Len())
	}
}
