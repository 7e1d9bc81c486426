// Package generate fills the dimension window from a terrain oracle.
//
// One dispatch pass runs at a time. A pass collects candidates nearest first, claims each chunk in
// the pending set and hands it to a fixed worker pool. Every unit releases its pending entry when
// it finishes, whether it generated, skipped, or failed.
package generate

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"lodcraft.ai/internal/lod/column"
	"lodcraft.ai/internal/lod/dimension"
	"lodcraft.ai/internal/lod/pos"
)

type Config struct {
	Workers int
	// Fanout is the number of queued units allowed per worker.
	Fanout int
	// MaxPerSecond paces oracle calls across all workers; 0 means unlimited.
	MaxPerSecond float64
	// SingleThreaded forces FULL generation onto the dispatcher even if the oracle does not ask for it.
	SingleThreaded bool
}

func (c Config) normalized() Config {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.Fanout < 1 {
		c.Fanout = 1
	}
	if c.MaxPerSecond < 0 {
		c.MaxPerSecond = 0
	}
	return c
}

type unit struct {
	cand   dimension.Candidate
	chunk  pos.ChunkPos
	px, pz float64
}

type Scheduler struct {
	dim    *dimension.Dimension
	oracle Oracle
	logger *log.Logger
	sink   EventSink

	workers        int
	maxInFlight    int
	singleThreaded bool
	limiter        *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan unit
	wg     sync.WaitGroup // workers

	life        sync.Mutex
	closed      bool
	passes      sync.WaitGroup
	dispatching atomic.Bool

	mu       sync.Mutex
	pending  map[pos.ChunkPos]struct{}
	inFlight int

	passCount   atomic.Uint64
	dropped     atomic.Uint64
	dispatched  atomic.Uint64
	synchronous atomic.Uint64
	generated   atomic.Uint64
	unchanged   atomic.Uint64
	skipped     atomic.Uint64
	discarded   atomic.Uint64
	failed      atomic.Uint64
	columns     atomic.Uint64
}

// New starts the worker pool. sink and logger may be nil.
func New(dim *dimension.Dimension, oracle Oracle, cfg Config, sink EventSink, logger *log.Logger) *Scheduler {
	cfg = cfg.normalized()
	limit := rate.Inf
	if cfg.MaxPerSecond > 0 {
		limit = rate.Limit(cfg.MaxPerSecond)
	}
	single := cfg.SingleThreaded
	if st, ok := oracle.(SingleThreaded); ok && st.SingleThreaded() {
		single = true
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		dim:            dim,
		oracle:         oracle,
		logger:         logger,
		sink:           sink,
		workers:        cfg.Workers,
		maxInFlight:    cfg.Workers * cfg.Fanout,
		singleThreaded: single,
		limiter:        rate.NewLimiter(limit, cfg.Workers),
		ctx:            ctx,
		cancel:         cancel,
		jobs:           make(chan unit, cfg.Workers*cfg.Fanout),
		pending:        map[pos.ChunkPos]struct{}{},
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func (s *Scheduler) MaxInFlight() int { return s.maxInFlight }

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for u := range s.jobs {
		s.run(u)
	}
}

func (s *Scheduler) begin() bool {
	s.life.Lock()
	defer s.life.Unlock()
	if s.closed {
		return false
	}
	if s.dim.Policy().MaxMode == column.ModeNone {
		return false
	}
	if !s.dispatching.CompareAndSwap(false, true) {
		s.dropped.Add(1)
		return false
	}
	s.passes.Add(1)
	return true
}

func (s *Scheduler) end() {
	s.dispatching.Store(false)
	s.passes.Done()
}

// Tick starts a dispatch pass in the background unless one is already running. It reports whether
// a pass was started; a tick that arrives during a pass is dropped.
func (s *Scheduler) Tick(px, pz float64) bool {
	if !s.begin() {
		return false
	}
	go func() {
		defer s.end()
		s.dispatch(px, pz)
	}()
	return true
}

// DispatchOnce runs one pass on the calling goroutine and returns the number of units claimed.
func (s *Scheduler) DispatchOnce(px, pz float64) int {
	if !s.begin() {
		return 0
	}
	defer s.end()
	return s.dispatch(px, pz)
}

func (s *Scheduler) dispatch(px, pz float64) int {
	s.passCount.Add(1)
	near, far := s.dim.CollectGenerationCandidates(s.maxInFlight, px, pz)
	inline := s.singleThreaded && s.dim.Policy().MaxMode == column.ModeFull

	n := 0
	for _, list := range [][]dimension.Candidate{near, far} {
		for _, c := range list {
			u := unit{cand: c, chunk: c.Chunk(), px: px, pz: pz}
			if !s.claim(u.chunk) {
				continue
			}
			n++
			s.dispatched.Add(1)
			if inline {
				s.synchronous.Add(1)
				s.run(u)
				continue
			}
			// claim bounds in-flight units by the channel capacity, so this never blocks.
			s.jobs <- u
		}
	}
	return n
}

func (s *Scheduler) claim(ch pos.ChunkPos) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[ch]; ok || s.inFlight >= s.maxInFlight {
		return false
	}
	s.pending[ch] = struct{}{}
	s.inFlight++
	return true
}

func (s *Scheduler) release(ch pos.ChunkPos) {
	s.mu.Lock()
	if _, ok := s.pending[ch]; ok {
		delete(s.pending, ch)
		s.inFlight--
	}
	s.mu.Unlock()
}

// InFlight returns the in-flight count and the pending-set size, read together.
func (s *Scheduler) InFlight() (inFlight, pending int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight, len(s.pending)
}

// IsPending reports whether ch is currently claimed.
func (s *Scheduler) IsPending(ch pos.ChunkPos) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[ch]
	return ok
}

func (s *Scheduler) Stats() Stats {
	inFlight, _ := s.InFlight()
	return Stats{
		Passes:       s.passCount.Load(),
		DroppedTicks: s.dropped.Load(),
		Dispatched:   s.dispatched.Load(),
		Synchronous:  s.synchronous.Load(),
		Generated:    s.generated.Load(),
		Unchanged:    s.unchanged.Load(),
		Skipped:      s.skipped.Load(),
		Discarded:    s.discarded.Load(),
		Failed:       s.failed.Load(),
		Columns:      s.columns.Load(),
		InFlight:     inFlight,
		MaxInFlight:  s.maxInFlight,
	}
}

// Close stops dispatching and waits for queued units to finish. If ctx ends first, the oracle
// context is cancelled and Close keeps waiting for workers to return.
func (s *Scheduler) Close(ctx context.Context) error {
	s.life.Lock()
	if s.closed {
		s.life.Unlock()
		return nil
	}
	s.closed = true
	s.life.Unlock()

	s.passes.Wait()
	close(s.jobs)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.cancel()
		<-done
	}
	s.cancel()
	return err
}
