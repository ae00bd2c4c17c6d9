package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tkingovr/requestguard/api"
	"github.com/tkingovr/requestguard/internal/match"
)

// Evaluator is what the request-interception side needs from a rule engine.
type Evaluator interface {
	// Evaluate decides whether req, made from pageURL, is blocked and which
	// injections apply. It never fails; internal faults yield Allow.
	Evaluate(req *api.Request, pageURL string) api.Decision

	// InjectionsForPage returns the injections that apply to a page load.
	InjectionsForPage(pageURL string) []api.RuleAction

	// Reload rebuilds the active rule set from the source.
	Reload(ctx context.Context) error
}

// ActionMatcher is the matching engine a snapshot checks actions with.
type ActionMatcher interface {
	NewProbe(req *api.Request) *match.Probe
	ActionMatches(action *api.RuleAction, p *match.Probe) (bool, error)
}

// MatcherFactory builds the ActionMatcher for a new snapshot's actions.
type MatcherFactory func(actions []api.RuleAction) ActionMatcher

// SnapshotInfo describes the published rule snapshot.
type SnapshotInfo struct {
	Version   uint64            `json:"version"`
	LoadedAt  time.Time         `json:"loaded_at"`
	RuleCount int               `json:"rule_count"`
	Skipped   int               `json:"skipped"`
	Matching  match.EngineStats `json:"matching"`
}

// snapshot is immutable once published.
type snapshot struct {
	rules   []compiledRule
	matcher ActionMatcher
	info    SnapshotInfo
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithAdmissionPolicy filters rules through a Rego policy on every reload.
func WithAdmissionPolicy(p *AdmissionPolicy) EngineOption {
	return func(e *Engine) { e.admission = p }
}

// WithMatcherFactory replaces the default match.Engine construction.
func WithMatcherFactory(f MatcherFactory) EngineOption {
	return func(e *Engine) { e.newMatcher = f }
}

// WithFalsePositiveRate sets the Bloom prefilter rate of the default matcher.
func WithFalsePositiveRate(p float64) EngineOption {
	return func(e *Engine) { e.fpRate = p }
}

// Engine evaluates requests against an atomically swapped snapshot of
// priority-sorted rules. Evaluate and InjectionsForPage take no locks.
type Engine struct {
	source     Source
	admission  *AdmissionPolicy
	logger     *slog.Logger
	newMatcher MatcherFactory
	fpRate     float64

	current atomic.Pointer[snapshot]
	version atomic.Uint64
	faults  atomic.Uint64
	reloads *semaphore.Weighted

	subMu   sync.Mutex
	subs    map[int]func(SnapshotInfo)
	nextSub int
}

// NewEngine creates an engine serving an empty rule set until the first Reload.
func NewEngine(source Source, opts ...EngineOption) *Engine {
	e := &Engine{
		source: source,
		fpRate:  match.DefaultFalsePositiveRate,
		reloads: semaphore.NewWeighted(1),
		subs:    make(map[int]func(SnapshotInfo)),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.newMatcher == nil {
		e.newMatcher = e.defaultMatcher
	}

	e.current.Store(&snapshot{
		matcher: e.newMatcher(nil),
		info:    SnapshotInfo{LoadedAt: time.Now()},
	})
	return e
}

func (e *Engine) defaultMatcher(actions []api.RuleAction) ActionMatcher {
	return match.NewEngine(actions,
		match.WithFalsePositiveRate(e.fpRate),
		match.WithDroppedPatternHook(func(pattern string, err error) {
			e.logger.Warn("dropping invalid url pattern", "pattern", pattern, "error", err)
		}),
	)
}

// Reload fetches enabled rules, builds a new snapshot and publishes it.
// Reloads run one at a time, each fetching after the previous one has
// published, so a reload started after a rule edit always sees the edit.
// On failure the previous snapshot keeps serving and a *ReloadError is returned.
func (e *Engine) Reload(ctx context.Context) error {
	if err := e.reloads.Acquire(ctx, 1); err != nil {
		return e.reloadFailed(&ReloadError{Op: "wait", Err: err})
	}
	defer e.reloads.Release(1)
	return e.reload(ctx)
}

func (e *Engine) reload(ctx context.Context) error {
	start := time.Now()

	skipped := 0
	fetched, err := e.source.EnabledRules(ctx)
	var undecodable *UndecodableRulesError
	switch {
	case errors.As(err, &undecodable):
		for _, derr := range undecodable.Errs {
			skipped++
			e.logger.Warn("skipping malformed rule", "error", derr)
		}
	case err != nil:
		return e.reloadFailed(&ReloadError{Op: "fetch", Err: err})
	}

	compiled := make([]compiledRule, 0, len(fetched))
	for _, r := range fetched {
		if !r.Enabled {
			continue
		}
		cr, err := compileRule(r)
		if err != nil {
			skipped++
			e.logger.Warn("skipping malformed rule", "rule_id", r.ID, "error", err)
			continue
		}
		if e.admission != nil {
			ok, reason, err := e.admission.Admit(ctx, r)
			if err != nil {
				return e.reloadFailed(&ReloadError{Op: "admission", Err: err})
			}
			if !ok {
				skipped++
				e.logger.Warn("rule rejected by admission policy", "rule_id", r.ID, "reason", reason)
				continue
			}
		}
		compiled = append(compiled, cr)
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].rule.Priority > compiled[j].rule.Priority
	})

	var actions []api.RuleAction
	for i := range compiled {
		actions = append(actions, compiled[i].rule.Actions...)
	}
	matcher := e.newMatcher(actions)

	if err := ctx.Err(); err != nil {
		return e.reloadFailed(&ReloadError{Op: "build", Err: err})
	}

	snap := &snapshot{
		rules:   compiled,
		matcher: matcher,
		info: SnapshotInfo{
			Version:   e.version.Add(1),
			LoadedAt:  time.Now(),
			RuleCount: len(compiled),
			Skipped:   skipped,
		},
	}
	if s, ok := matcher.(interface{ Stats() match.EngineStats }); ok {
		snap.info.Matching = s.Stats()
	}
	e.current.Store(snap)

	e.logger.Info("rules reloaded",
		"version", snap.info.Version,
		"rules", snap.info.RuleCount,
		"skipped", skipped,
		"duration", time.Since(start),
	)
	e.notify(snap.info)
	return nil
}

func (e *Engine) reloadFailed(err *ReloadError) error {
	e.logger.Error("rule reload failed, keeping previous snapshot",
		"op", err.Op,
		"error", err.Err,
		"version", e.current.Load().info.Version,
	)
	return err
}

// Evaluate implements Evaluator. Block actions win globally in priority order;
// otherwise all matching injections are collected.
func (e *Engine) Evaluate(req *api.Request, pageURL string) api.Decision {
	d, err := e.evaluate(req, pageURL)
	if err != nil {
		e.faults.Add(1)
		e.logger.Warn("evaluation fault, allowing request", "error", err)
		return api.Allow()
	}
	return d
}

func (e *Engine) evaluate(req *api.Request, pageURL string) (d api.Decision, err error) {
	var url string
	defer func() {
		if r := recover(); r != nil {
			d = api.Decision{}
			err = &EvaluationFault{URL: url, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if req == nil {
		return api.Decision{}, &EvaluationFault{Err: errors.New("nil request")}
	}
	url = req.URL

	snap := e.current.Load()
	page := newPageView(pageURL)
	probe := snap.matcher.NewProbe(req)

	var injections []api.RuleAction
	for i := range snap.rules {
		cr := &snap.rules[i]
		if !cr.site.matches(page) {
			continue
		}
		for j := range cr.rule.Actions {
			a := &cr.rule.Actions[j]
			ok, err := snap.matcher.ActionMatches(a, probe)
			if err != nil {
				return api.Decision{}, &EvaluationFault{RuleID: cr.rule.ID, URL: url, Err: err}
			}
			if !ok {
				continue
			}
			if a.Type == api.ActionBlock {
				return api.Decision{
					ShouldBlock:       true,
					BlockedByRuleID:   cr.rule.ID,
					BlockedByRuleName: cr.rule.Name,
				}, nil
			}
			if a.Type.IsInjection() {
				injections = append(injections, *a)
			}
		}
	}
	return api.Decision{Injections: injections}, nil
}

// InjectionsForPage implements Evaluator. It matches injection actions against
// a GET Document request for the page itself.
func (e *Engine) InjectionsForPage(pageURL string) []api.RuleAction {
	out, err := e.injectionsForPage(pageURL)
	if err != nil {
		e.faults.Add(1)
		e.logger.Warn("page injection fault, injecting nothing", "error", err)
		return nil
	}
	return out
}

func (e *Engine) injectionsForPage(pageURL string) (out []api.RuleAction, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &EvaluationFault{URL: pageURL, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	snap := e.current.Load()
	page := newPageView(pageURL)
	probe := snap.matcher.NewProbe(&api.Request{
		URL:          pageURL,
		Method:       "GET",
		ResourceType: api.ResourceDocument,
	})

	for i := range snap.rules {
		cr := &snap.rules[i]
		if !cr.site.matches(page) {
			continue
		}
		for j := range cr.rule.Actions {
			a := &cr.rule.Actions[j]
			if !a.Type.IsInjection() {
				continue
			}
			ok, err := snap.matcher.ActionMatches(a, probe)
			if err != nil {
				return nil, &EvaluationFault{RuleID: cr.rule.ID, URL: pageURL, Err: err}
			}
			if ok {
				out = append(out, *a)
			}
		}
	}
	return out, nil
}

// OnRulesReloaded registers fn to run after every successful snapshot swap.
// The returned function removes the subscription.
func (e *Engine) OnRulesReloaded(fn func(SnapshotInfo)) (cancel func()) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn

	return func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		delete(e.subs, id)
	}
}

func (e *Engine) notify(info SnapshotInfo) {
	e.subMu.Lock()
	fns := make([]func(SnapshotInfo), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.subMu.Unlock()

	for _, fn := range fns {
		fn(info)
	}
}

// Snapshot describes the currently published snapshot.
func (e *Engine) Snapshot() SnapshotInfo {
	return e.current.Load().info
}

// Rules returns a copy of the active rules in evaluation order.
func (e *Engine) Rules() []api.Rule {
	snap := e.current.Load()
	out := make([]api.Rule, len(snap.rules))
	for i, cr := range snap.rules {
		out[i] = cr.rule
		out[i].Actions = slices.Clone(cr.rule.Actions)
	}
	return out
}

// Faults returns how many evaluations failed open since start.
func (e *Engine) Faults() uint64 {
	return e.faults.Load()
}
