package guard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkingovr/requestguard/api"
	"github.com/tkingovr/requestguard/internal/decisionlog"
	"github.com/tkingovr/requestguard/internal/rules"
)

type memRecorder struct {
	mu      sync.Mutex
	entries []decisionlog.Entry
}

func (r *memRecorder) Write(e decisionlog.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

type switchSource struct {
	mu  sync.Mutex
	err error
}

func (s *switchSource) EnabledRules(context.Context) ([]api.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return testRules, nil
}

var testRules = []api.Rule{
	{
		ID: "ads", Name: "Ads", Enabled: true, Priority: 10,
		Actions: []api.RuleAction{{Type: api.ActionBlock, Match: api.RuleMatch{URLPattern: "||ads.example.com^"}}},
	},
	{
		ID: "style", Name: "Style", Site: "news.example", Enabled: true, Priority: 1,
		Actions: []api.RuleAction{{Type: api.ActionInjectCSS, CSS: ".banner{display:none}"}},
	},
}

func newGuard(t *testing.T, src rules.Source, rec Recorder, reg prometheus.Registerer) *Guard {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := rules.NewEngine(src, rules.WithLogger(logger))
	g, err := New(engine, rec, Options{Logger: logger, Registerer: reg, InjectionCacheSize: 16})
	require.NoError(t, err)
	require.NoError(t, g.Reload(context.Background()))
	t.Cleanup(g.Close)
	return g
}

func req(url string, kind api.ResourceKind) *api.Request {
	return &api.Request{URL: url, Method: "GET", ResourceType: kind, Timestamp: time.Now()}
}

func TestGuard_HandleLogsEveryDecision(t *testing.T) {
	rec := &memRecorder{}
	g := newGuard(t, &switchSource{}, rec, nil)

	blocked := g.Handle(req("https://ads.example.com/banner.js", api.ResourceScript), "https://news.example/")
	assert.True(t, blocked.ShouldBlock)
	assert.Equal(t, "ads", blocked.BlockedByRuleID)

	injected := g.Handle(req("https://cdn.example.org/app.js", api.ResourceScript), "https://news.example/")
	assert.False(t, injected.ShouldBlock)
	assert.Len(t, injected.Injections, 1)

	require.Len(t, rec.entries, 2)
	first := rec.entries[0]
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "https://ads.example.com/banner.js", first.Request.URL)
	assert.Equal(t, "https://news.example/", first.PageURL)
	assert.True(t, first.Decision.ShouldBlock)
	assert.NotEqual(t, first.ID, rec.entries[1].ID)
}

func TestGuard_NilRecorderAndNilRequest(t *testing.T) {
	g := newGuard(t, &switchSource{}, nil, nil)
	d := g.Handle(nil, "")
	assert.False(t, d.ShouldBlock)
	assert.Equal(t, uint64(1), g.Engine().Faults())
}

func TestGuard_InjectionsForPage(t *testing.T) {
	g := newGuard(t, &switchSource{}, nil, nil)

	got := g.InjectionsForPage("https://www.news.example/today")
	require.Len(t, got, 1)
	assert.Equal(t, ".banner{display:none}", got[0].CSS)

	assert.Empty(t, g.InjectionsForPage("https://other.example/"))
}

func TestGuard_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	src := &switchSource{}
	g := newGuard(t, src, nil, reg)

	g.Handle(req("https://ads.example.com/x.gif", api.ResourceImage), "")
	g.Handle(req("https://ok.example.org/", api.ResourceImage), "")
	g.Handle(req("https://ok.example.org/", api.ResourceDocument), "https://news.example/")

	assert.Equal(t, 1.0, testutil.ToFloat64(g.metrics.decisions.WithLabelValues("blocked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(g.metrics.decisions.WithLabelValues("allowed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(g.metrics.decisions.WithLabelValues("injected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(g.metrics.reloads.WithLabelValues("success")))

	src.mu.Lock()
	src.err = errors.New("store down")
	src.mu.Unlock()

	err := g.Reload(context.Background())
	var rerr *rules.ReloadError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 1.0, testutil.ToFloat64(g.metrics.reloads.WithLabelValues("failure")))

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetGauge() != nil:
				values[mf.GetName()] = m.GetGauge().GetValue()
			case m.GetCounter() != nil && len(m.GetLabel()) == 0:
				values[mf.GetName()] = m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, values["requestguard_active_rules"])
	assert.Equal(t, 1.0, values["requestguard_rules_version"])
	assert.Equal(t, 0.0, values["requestguard_evaluation_faults_total"])
}

func TestGuard_WithPipeline(t *testing.T) {
	store, err := decisionlog.NewJSONLStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	p := decisionlog.NewPipeline(store, decisionlog.PipelineConfig{
		FlushInterval: time.Hour,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	g := newGuard(t, &switchSource{}, p, nil)

	for i := 0; i < 5; i++ {
		g.Handle(req("https://ads.example.com/a.js", api.ResourceScript), "")
	}
	require.NoError(t, p.Shutdown(context.Background()))

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, stats.TotalRequests)
	assert.Equal(t, 5, stats.ByRule["ads"])
}
