package decisionlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrPipelineClosed is returned by Write after Shutdown has begun.
var ErrPipelineClosed = errors.New("decision log pipeline closed")

const (
	DefaultCapacity      = 10000
	DefaultBatchSize     = 100
	DefaultFlushInterval = time.Second
	DefaultDrainTimeout  = 5 * time.Second
	DefaultFlushAttempts = 2
)

// PipelineConfig tunes a Pipeline. Zero fields take the defaults above.
type PipelineConfig struct {
	Capacity      int
	BatchSize     int
	FlushInterval time.Duration
	DrainTimeout  time.Duration
	FlushAttempts int
	RetryBackoff  time.Duration

	Logger  *slog.Logger
	Metrics *Metrics
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchSize > c.Capacity {
		c.BatchSize = c.Capacity
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.FlushAttempts <= 0 {
		c.FlushAttempts = DefaultFlushAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 50 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// PipelineStats is a point-in-time view of pipeline counters.
type PipelineStats struct {
	Enqueued uint64 `json:"enqueued"`
	Dropped  uint64 `json:"dropped"`
	Rejected uint64 `json:"rejected"`
	Flushed  uint64 `json:"flushed"`
	Failed   uint64 `json:"failed"`
	Batches  uint64 `json:"batches"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}

// Pipeline is a bounded multi-producer, single-consumer queue that writes
// entries to a BatchWriter in batches. When full it overwrites the oldest
// entry, so Write never waits on the consumer.
type Pipeline struct {
	cfg    PipelineConfig
	sink   BatchWriter
	logger *slog.Logger

	mu     sync.Mutex
	ring   []Entry
	head   int
	size   int
	closed bool

	signal chan struct{}
	stop   chan struct{}
	done   chan struct{}

	// ctx bounds every AddBatch call; Shutdown cancels it when the drain times out.
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	enqueued atomic.Uint64
	dropped  atomic.Uint64
	rejected atomic.Uint64
	flushed  atomic.Uint64
	failed   atomic.Uint64
	batches  atomic.Uint64
}

// NewPipeline creates a pipeline and starts its consumer.
func NewPipeline(sink BatchWriter, cfg PipelineConfig) *Pipeline {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:    cfg,
		sink:   sink,
		logger: cfg.Logger,
		ring:   make([]Entry, cfg.Capacity),
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go p.run()
	return p
}

// Write enqueues e. It assigns an ID and timestamp when missing. After
// Shutdown the entry is discarded and ErrPipelineClosed is returned.
func (p *Pipeline) Write(e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.EvaluatedAt.IsZero() {
		e.EvaluatedAt = time.Now()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.rejected.Add(1)
		p.cfg.Metrics.observeDrop("closed", 1)
		return ErrPipelineClosed
	}
	capacity := len(p.ring)
	overwrote := p.size == capacity
	if overwrote {
		p.ring[p.head] = e
		p.head = (p.head + 1) % capacity
	} else {
		p.ring[(p.head+p.size)%capacity] = e
		p.size++
	}
	depth := p.size
	p.mu.Unlock()

	p.enqueued.Add(1)
	p.cfg.Metrics.observeEnqueue(depth)
	if overwrote {
		p.dropped.Add(1)
		p.cfg.Metrics.observeDrop("overflow", 1)
	}
	if depth >= p.cfg.BatchSize {
		select {
		case p.signal <- struct{}{}:
		default:
		}
	}
	return nil
}

// take removes up to limit of the oldest entries.
func (p *Pipeline) take(limit int) []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := min(p.size, limit)
	if n == 0 {
		return nil
	}
	capacity := len(p.ring)
	batch := make([]Entry, n)
	for i := 0; i < n; i++ {
		idx := (p.head + i) % capacity
		batch[i] = p.ring[idx]
		p.ring[idx] = Entry{}
	}
	p.head = (p.head + n) % capacity
	p.size -= n
	p.cfg.Metrics.observeDepth(p.size)
	return batch
}

// Len returns the number of queued entries.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

func (p *Pipeline) run() {
	defer close(p.done)

	timer := time.NewTimer(p.cfg.FlushInterval)
	defer timer.Stop()

	for {
		select {
		case <-p.signal:
			// Only full batches; a partial remainder waits for the timer.
			flushedAny := false
			for p.Len() >= p.cfg.BatchSize {
				p.flush(p.take(p.cfg.BatchSize))
				flushedAny = true
			}
			if flushedAny {
				timer.Reset(p.cfg.FlushInterval)
			}
		case <-timer.C:
			p.flushPending()
			timer.Reset(p.cfg.FlushInterval)
		case <-p.stop:
			p.drain()
			return
		}
	}
}

// flushPending writes everything queued at the time of the call.
func (p *Pipeline) flushPending() {
	pending := p.Len()
	for pending > 0 {
		batch := p.take(min(pending, p.cfg.BatchSize))
		if len(batch) == 0 {
			return
		}
		pending -= len(batch)
		p.flush(batch)
	}
}

func (p *Pipeline) drain() {
	for {
		if err := p.ctx.Err(); err != nil {
			if left := p.take(len(p.ring)); len(left) > 0 {
				p.failed.Add(uint64(len(left)))
				p.cfg.Metrics.observeDrop("shutdown", len(left))
				p.logger.Warn("decision log drain abandoned", "remaining", len(left))
			}
			return
		}
		batch := p.take(p.cfg.BatchSize)
		if len(batch) == 0 {
			return
		}
		p.flush(batch)
	}
}

// flush writes one batch, retrying up to FlushAttempts times.
func (p *Pipeline) flush(batch []Entry) {
	if len(batch) == 0 {
		return
	}
	start := time.Now()

	var err error
	for attempt := 1; attempt <= p.cfg.FlushAttempts; attempt++ {
		if err = p.sink.AddBatch(p.ctx, batch); err == nil {
			break
		}
		if attempt == p.cfg.FlushAttempts || p.ctx.Err() != nil {
			break
		}
		select {
		case <-time.After(p.cfg.RetryBackoff * time.Duration(attempt)):
		case <-p.ctx.Done():
		}
	}

	p.batches.Add(1)
	p.cfg.Metrics.observeFlush(len(batch), time.Since(start), err)
	if err != nil {
		p.failed.Add(uint64(len(batch)))
		p.logger.Error("dropping decision batch after failed writes",
			"entries", len(batch),
			"attempts", p.cfg.FlushAttempts,
			"error", err,
		)
		return
	}
	p.flushed.Add(uint64(len(batch)))
}

// Shutdown stops accepting writes and flushes what remains. It waits at most
// DrainTimeout, or until ctx is done if that comes first. When the deadline
// passes, pending writes are cancelled and an error is returned.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.stop)
	})

	ctx, cancel := context.WithTimeout(ctx, p.cfg.DrainTimeout)
	defer cancel()

	select {
	case <-p.done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("draining decision log: %w (%d entries pending)", ctx.Err(), p.Len())
	}
}

// Stats returns current counters.
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Enqueued: p.enqueued.Load(),
		Dropped:  p.dropped.Load(),
		Rejected: p.rejected.Load(),
		Flushed:  p.flushed.Load(),
		Failed:   p.failed.Load(),
		Batches:  p.batches.Load(),
		Depth:    p.Len(),
		Capacity: len(p.ring),
	}
}
