package decisionlog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tkingovr/requestguard/api"
)

// ErrStoreClosed is returned by AddBatch after Close.
var ErrStoreClosed = errors.New("decision store closed")

// DefaultMemoryWindow is how many recent entries a JSONLStore keeps for queries.
const DefaultMemoryWindow = 10000

// JSONLStore is an append-only JSONL decision store with date-based rotation.
// Entries whose ID is still in the memory window are not written again.
type JSONLStore struct {
	mu          sync.Mutex
	dir         string
	currentDate string
	file        *os.File
	writer      *bufio.Writer
	closed      bool

	// In-memory window for queries, stats and duplicate detection
	entries []*Entry
	seen    map[string]struct{}
	maxMem  int

	subMu   sync.RWMutex
	subs    map[int]chan *Entry
	nextSub int
}

// JSONLOption configures a JSONLStore.
type JSONLOption func(*JSONLStore)

// WithMemoryWindow bounds the number of entries kept in memory.
func WithMemoryWindow(n int) JSONLOption {
	return func(s *JSONLStore) {
		if n > 0 {
			s.maxMem = n
		}
	}
}

// NewJSONLStore creates a store writing one file per day into dir.
func NewJSONLStore(dir string, opts ...JSONLOption) (*JSONLStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating decision log directory: %w", err)
	}
	s := &JSONLStore{
		dir:    dir,
		maxMem: DefaultMemoryWindow,
		seen:   make(map[string]struct{}),
		subs:   make(map[int]chan *Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AddBatch appends entries and flushes once. On error nothing from the batch
// is recorded in memory, so a retry writes the remaining entries again.
func (s *JSONLStore) AddBatch(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	written := make([]*Entry, 0, len(entries))
	batch := make(map[string]struct{}, len(entries))
	for i := range entries {
		e := entries[i]
		if e.EvaluatedAt.IsZero() {
			e.EvaluatedAt = time.Now()
		}
		if e.ID != "" {
			if _, dup := s.seen[e.ID]; dup {
				continue
			}
			if _, dup := batch[e.ID]; dup {
				continue
			}
			batch[e.ID] = struct{}{}
		}

		dateStr := e.EvaluatedAt.Format("2006-01-02")
		if dateStr != s.currentDate {
			if err := s.rotate(dateStr); err != nil {
				s.reset()
				return err
			}
		}

		data, err := json.Marshal(&e)
		if err != nil {
			return fmt.Errorf("marshaling decision entry: %w", err)
		}
		if _, err := s.writer.Write(data); err != nil {
			s.reset()
			return fmt.Errorf("writing decision entry: %w", err)
		}
		if err := s.writer.WriteByte('\n'); err != nil {
			s.reset()
			return fmt.Errorf("writing decision entry: %w", err)
		}
		written = append(written, &e)
	}

	if s.writer != nil {
		if err := s.writer.Flush(); err != nil {
			s.reset()
			return fmt.Errorf("flushing decision log: %w", err)
		}
	}

	for _, e := range written {
		s.remember(e)
		s.notifySubscribers(e)
	}
	return nil
}

func (s *JSONLStore) remember(e *Entry) {
	if len(s.entries) >= s.maxMem {
		if old := s.entries[0]; old.ID != "" {
			delete(s.seen, old.ID)
		}
		s.entries[0] = nil
		s.entries = s.entries[1:]
	}
	s.entries = append(s.entries, e)
	if e.ID != "" {
		s.seen[e.ID] = struct{}{}
	}
}

func (s *JSONLStore) Query(_ context.Context, filter api.QueryFilter) ([]*Entry, error) {
	filter.Host = strings.ToLower(strings.TrimSpace(filter.Host))

	s.mu.Lock()
	defer s.mu.Unlock()

	var results []*Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if matchesFilter(s.entries[i], filter) {
			results = append(results, s.entries[i])
		}
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(results) {
			return nil, nil
		}
		results = results[filter.Offset:]
	}
	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}

	return results, nil
}

func (s *JSONLStore) Stats(_ context.Context) (*api.DecisionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &api.DecisionStats{
		ByRule:         make(map[string]int),
		ByResourceKind: make(map[string]int),
	}

	for _, e := range s.entries {
		stats.TotalRequests++
		if e.Decision.ShouldBlock {
			stats.BlockedCount++
			if e.Decision.BlockedByRuleID != "" {
				stats.ByRule[e.Decision.BlockedByRuleID]++
			}
		} else {
			stats.AllowedCount++
		}
		if len(e.Decision.Injections) > 0 {
			stats.InjectedCount++
		}
		stats.ByResourceKind[e.Request.ResourceType.String()]++
	}

	return stats, nil
}

func (s *JSONLStore) Subscribe(_ context.Context) (<-chan *Entry, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	ch := make(chan *Entry, 100)
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}

	return ch, cancel
}

// LoadRecent reads the newest days of log files back into the memory window.
// Lines that fail to parse are skipped.
func (s *JSONLStore) LoadRecent(days int) (int, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "????-??-??.jsonl"))
	if err != nil {
		return 0, fmt.Errorf("listing decision logs: %w", err)
	}
	sort.Strings(paths)
	if days > 0 && len(paths) > days {
		paths = paths[len(paths)-days:]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	loaded := 0
	for _, path := range paths {
		n, err := s.loadFile(path)
		loaded += n
		if err != nil {
			return loaded, err
		}
	}
	return loaded, nil
}

func (s *JSONLStore) loadFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening decision log file: %w", err)
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if _, dup := s.seen[e.ID]; e.ID != "" && dup {
			continue
		}
		s.remember(&e)
		n++
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	return n, nil
}

// Len returns the number of entries held in memory.
func (s *JSONLStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *JSONLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true

	if s.writer != nil {
		if err := s.writer.Flush(); err != nil {
			return err
		}
	}
	if s.file != nil {
		err := s.file.Close()
		s.file, s.writer = nil, nil
		return err
	}
	return nil
}

func (s *JSONLStore) rotate(dateStr string) error {
	if s.writer != nil {
		if err := s.writer.Flush(); err != nil {
			return fmt.Errorf("flushing decision log: %w", err)
		}
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return fmt.Errorf("closing decision log file: %w", err)
		}
	}

	path := filepath.Join(s.dir, dateStr+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("opening decision log file: %w", err)
	}

	s.file = f
	s.writer = bufio.NewWriter(f)
	s.currentDate = dateStr
	return nil
}

// reset drops a writer that has failed so the next batch reopens the file.
func (s *JSONLStore) reset() {
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file, s.writer, s.currentDate = nil, nil, ""
}

func (s *JSONLStore) notifySubscribers(e *Entry) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
			// Drop if subscriber is slow
		}
	}
}
