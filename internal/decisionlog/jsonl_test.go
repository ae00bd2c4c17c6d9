package decisionlog

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tkingovr/requestguard/api"
)

func entry(url string, d api.Decision) Entry {
	return NewEntry(api.Request{
		URL:          url,
		Method:       "GET",
		ResourceType: api.ResourceScript,
		Timestamp:    time.Now(),
	}, "https://page.example/", d, time.Microsecond)
}

func blocked(ruleID string) api.Decision {
	return api.Decision{ShouldBlock: true, BlockedByRuleID: ruleID, BlockedByRuleName: ruleID}
}

func TestJSONLStore_AddBatchAndQuery(t *testing.T) {
	store, err := NewJSONLStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	batch := []Entry{
		entry("https://ads.example.com/a.js", blocked("ads")),
		entry("https://cdn.example.org/lib.js", api.Allow()),
		entry("https://tracker.net/t.js", blocked("trackers")),
	}
	if err := store.AddBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}

	results, err := store.Query(ctx, api.QueryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Request.URL != "https://tracker.net/t.js" {
		t.Errorf("expected newest first, got %s", results[0].Request.URL)
	}
}

func TestJSONLStore_QueryFilter(t *testing.T) {
	store, err := NewJSONLStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.AddBatch(ctx, []Entry{
		entry("https://ads.example.com/a.js", blocked("ads")),
		entry("https://cdn.example.org/lib.js", api.Allow()),
		entry("https://www.example.com/b.js", blocked("ads")),
		entry("https://tracker.net/t.js", blocked("trackers")),
	}); err != nil {
		t.Fatal(err)
	}

	yes := true
	no := false
	tests := []struct {
		name   string
		filter api.QueryFilter
		want   int
	}{
		{"blocked", api.QueryFilter{Blocked: &yes}, 3},
		{"allowed", api.QueryFilter{Blocked: &no}, 1},
		{"rule", api.QueryFilter{RuleID: "ads"}, 2},
		{"host with subdomains", api.QueryFilter{Host: "Example.com"}, 2},
		{"limit", api.QueryFilter{Limit: 2}, 2},
		{"offset", api.QueryFilter{Offset: 3}, 1},
		{"offset past end", api.QueryFilter{Offset: 10}, 0},
		{"until", api.QueryFilter{Until: time.Now().Add(-time.Hour)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := store.Query(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(results) != tt.want {
				t.Errorf("expected %d results, got %d", tt.want, len(results))
			}
		})
	}
}

func TestJSONLStore_Stats(t *testing.T) {
	store, err := NewJSONLStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	inject := api.Decision{Injections: []api.RuleAction{{Type: api.ActionInjectCSS, CSS: "x{}"}}}
	if err := store.AddBatch(ctx, []Entry{
		entry("https://ads.example.com/a.js", blocked("ads")),
		entry("https://ads.example.com/b.js", blocked("ads")),
		entry("https://cdn.example.org/lib.js", api.Allow()),
		entry("https://example.org/", inject),
	}); err != nil {
		t.Fatal(err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalRequests != 4 {
		t.Errorf("expected 4 total, got %d", stats.TotalRequests)
	}
	if stats.BlockedCount != 2 || stats.AllowedCount != 2 {
		t.Errorf("expected 2 blocked and 2 allowed, got %d/%d", stats.BlockedCount, stats.AllowedCount)
	}
	if stats.InjectedCount != 1 {
		t.Errorf("expected 1 injected, got %d", stats.InjectedCount)
	}
	if stats.ByRule["ads"] != 2 {
		t.Errorf("expected 2 blocks by ads, got %d", stats.ByRule["ads"])
	}
	if stats.ByResourceKind["Script"] != 4 {
		t.Errorf("expected 4 Script requests, got %d", stats.ByResourceKind["Script"])
	}
}

func TestJSONLStore_DuplicateIDsSkipped(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONLStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	batch := []Entry{
		entry("https://a.example/", api.Allow()),
		entry("https://b.example/", blocked("r")),
	}
	if err := store.AddBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}
	// A retried flush delivers the same batch again, plus one new entry.
	retry := append(batch, entry("https://c.example/", api.Allow()), batch[0])
	if err := store.AddBatch(ctx, retry); err != nil {
		t.Fatal(err)
	}
	if store.Len() != 3 {
		t.Errorf("expected 3 distinct entries, got %d", store.Len())
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	lines := readLines(t, filepath.Join(dir, batch[0].EvaluatedAt.Format("2006-01-02")+".jsonl"))
	if len(lines) != 3 {
		t.Errorf("expected 3 lines on disk, got %d", len(lines))
	}
}

func TestJSONLStore_FileRotation(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONLStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	yesterday := entry("https://a.example/", api.Allow())
	yesterday.EvaluatedAt = time.Now().AddDate(0, 0, -1)
	today := entry("https://b.example/", blocked("r"))

	if err := store.AddBatch(context.Background(), []Entry{yesterday, today}); err != nil {
		t.Fatal(err)
	}
	store.Close()

	for _, e := range []Entry{yesterday, today} {
		path := filepath.Join(dir, e.EvaluatedAt.Format("2006-01-02")+".jsonl")
		lines := readLines(t, path)
		if len(lines) != 1 {
			t.Fatalf("expected 1 line in %s, got %d", path, len(lines))
		}
		var got Entry
		if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
			t.Fatal(err)
		}
		if got.ID != e.ID || got.Request.URL != e.Request.URL {
			t.Errorf("unexpected entry in %s: %+v", path, got)
		}
	}
}

func TestJSONLStore_MemoryWindow(t *testing.T) {
	store, err := NewJSONLStore(t.TempDir(), WithMemoryWindow(2))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	first := entry("https://1.example/", api.Allow())
	if err := store.AddBatch(ctx, []Entry{
		first,
		entry("https://2.example/", api.Allow()),
		entry("https://3.example/", api.Allow()),
	}); err != nil {
		t.Fatal(err)
	}
	if store.Len() != 2 {
		t.Fatalf("expected window of 2, got %d", store.Len())
	}

	// Evicted IDs are no longer remembered.
	if err := store.AddBatch(ctx, []Entry{first}); err != nil {
		t.Fatal(err)
	}
	results, _ := store.Query(ctx, api.QueryFilter{Limit: 1})
	if len(results) != 1 || results[0].ID != first.ID {
		t.Errorf("expected evicted entry accepted again")
	}
}

func TestJSONLStore_CancelledContext(t *testing.T) {
	store, err := NewJSONLStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.AddBatch(ctx, []Entry{entry("https://a.example/", api.Allow())}); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestJSONLStore_Subscribe(t *testing.T) {
	store, err := NewJSONLStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ch, cancel := store.Subscribe(context.Background())
	defer cancel()

	go func() {
		store.AddBatch(context.Background(), []Entry{entry("https://sub.example/", blocked("r"))})
	}()

	select {
	case e := <-ch:
		if e.Request.URL != "https://sub.example/" {
			t.Errorf("expected sub.example entry, got %s", e.Request.URL)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for subscription event")
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("expected closed channel after cancel")
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	return lines
}

func TestJSONLStore_LoadRecent(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONLStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	old := entry("https://old.example/", api.Allow())
	old.EvaluatedAt = time.Now().AddDate(0, 0, -3)
	recent := entry("https://recent.example/", blocked("r"))
	if err := store.AddBatch(context.Background(), []Entry{old, recent}); err != nil {
		t.Fatal(err)
	}
	store.Close()

	// Corrupt lines are skipped.
	f, err := os.OpenFile(filepath.Join(dir, recent.EvaluatedAt.Format("2006-01-02")+".jsonl"), os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{not json\n")
	f.Close()

	reopened, err := NewJSONLStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	n, err := reopened.LoadRecent(1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 entry from the newest file, got %d", n)
	}
	results, _ := reopened.Query(context.Background(), api.QueryFilter{})
	if len(results) != 1 || results[0].ID != recent.ID {
		t.Errorf("unexpected loaded entries %+v", results)
	}

	// Already loaded entries are not duplicated.
	if n, _ := reopened.LoadRecent(0); n != 1 {
		t.Errorf("expected only the older entry on full load, got %d", n)
	}
	if reopened.Len() != 2 {
		t.Errorf("expected 2 entries after full load, got %d", reopened.Len())
	}
}
