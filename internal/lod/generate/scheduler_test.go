package generate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lodcraft.ai/internal/lod/column"
	"lodcraft.ai/internal/lod/dimension"
	"lodcraft.ai/internal/lod/pos"
	"lodcraft.ai/internal/lod/region"
)

func testDim(t *testing.T, maxMode column.Mode) *dimension.Dimension {
	t.Helper()
	p := dimension.DefaultPolicy()
	p.MaxMode = maxMode
	d, err := dimension.New(context.Background(), dimension.Config{
		ID:             "overworld",
		RenderDistance: 100,
		Caps:           region.Caps{1, 1, 1, 1, 1, 1, 1, 1, 1, 1},
		Policy:         p,
	}, nil, nil, 8, 8)
	if err != nil {
		t.Fatalf("dimension.New: %v", err)
	}
	return d
}

// flatSamples encodes the mode in the surface height so tests can tell generations apart.
func flatSamples(mode column.Mode) []Sample {
	out := make([]Sample, 0, 256)
	for x := 0; x < 16; x++ {
		for z := 0; z < 16; z++ {
			out = append(out, Sample{X: x, Z: z, Runs: []column.Fields{{
				Height: 60 + int(mode), Depth: 50, Color: column.Color{A: 255, G: 200}, SkyLight: 15,
			}}})
		}
	}
	return out
}

func flatOracle() Oracle {
	return OracleFunc(func(_ context.Context, _ pos.ChunkPos, mode column.Mode) ([]Sample, error) {
		return flatSamples(mode), nil
	})
}

type gatedOracle struct {
	started chan pos.ChunkPos
	release chan struct{}
	single  bool
}

func newGatedOracle(single bool) *gatedOracle {
	return &gatedOracle{started: make(chan pos.ChunkPos, 64), release: make(chan struct{}), single: single}
}

func (o *gatedOracle) Generate(_ context.Context, ch pos.ChunkPos, mode column.Mode) ([]Sample, error) {
	o.started <- ch
	<-o.release
	return flatSamples(mode), nil
}

func (o *gatedOracle) SingleThreaded() bool { return o.single }

type sink struct {
	mu     sync.Mutex
	events []Event
}

func (s *sink) Record(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *sink) count(ch pos.ChunkPos) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Chunk == ch {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func idle(s *Scheduler) func() bool {
	return func() bool {
		n, _ := s.InFlight()
		return n == 0
	}
}

func closeScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// With four slots, a pass claims exactly four chunks; the rest stay unclaimed for later passes.
func TestDispatch_RespectsMaxInFlight(t *testing.T) {
	dim := testDim(t, column.ModeFull)
	oracle := newGatedOracle(false)
	s := New(dim, oracle, Config{Workers: 4, Fanout: 1}, nil, nil)
	defer closeScheduler(t, s)

	near, far := dim.CollectGenerationCandidates(10, 8, 8)
	if len(near)+len(far) != 10 {
		t.Fatalf("want 10 candidates, got %d", len(near)+len(far))
	}
	if n := s.DispatchOnce(8, 8); n != 4 {
		t.Fatalf("dispatched=%d want 4", n)
	}
	started := map[pos.ChunkPos]bool{}
	for i := 0; i < 4; i++ {
		select {
		case ch := <-oracle.started:
			started[ch] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d workers started", i)
		}
	}
	if inFlight, pending := s.InFlight(); inFlight != 4 || pending != 4 {
		t.Fatalf("inFlight=%d pending=%d want 4/4", inFlight, pending)
	}
	for _, c := range append(near, far...)[4:] {
		if s.IsPending(c.Chunk()) {
			t.Fatalf("chunk %s claimed beyond the in-flight cap", c.Chunk())
		}
	}
	if n := s.DispatchOnce(8, 8); n != 0 {
		t.Fatalf("saturated pass dispatched %d", n)
	}

	close(oracle.release)
	waitFor(t, "workers to drain", idle(s))
	if st := s.Stats(); st.Generated != 4 || st.Failed != 0 {
		t.Fatalf("stats=%+v", st)
	}

	if n := s.DispatchOnce(8, 8); n != 4 {
		t.Fatalf("second pass dispatched=%d want 4", n)
	}
	waitFor(t, "second pass", idle(s))
	for ch := range started {
		if s.Stats().Dispatched != 8 {
			t.Fatalf("dispatched=%d", s.Stats().Dispatched)
		}
		if s.IsPending(ch) {
			t.Fatalf("chunk %s still pending", ch)
		}
	}
}

func TestDispatch_PendingSetInvariant(t *testing.T) {
	dim := testDim(t, column.ModeFull)
	var calls atomic.Int64
	oracle := OracleFunc(func(_ context.Context, _ pos.ChunkPos, mode column.Mode) ([]Sample, error) {
		calls.Add(1)
		time.Sleep(time.Millisecond)
		return flatSamples(mode), nil
	})
	s := New(dim, oracle, Config{Workers: 3, Fanout: 2}, nil, nil)
	defer closeScheduler(t, s)

	stop := make(chan struct{})
	var violations atomic.Int64
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			inFlight, pending := s.InFlight()
			if inFlight != pending || inFlight > s.MaxInFlight() {
				violations.Add(1)
			}
		}
	}()
	for i := 0; i < 20; i++ {
		s.DispatchOnce(8, 8)
		time.Sleep(time.Millisecond)
	}
	waitFor(t, "drain", idle(s))
	close(stop)
	if violations.Load() != 0 {
		t.Fatalf("inFlight diverged from pending set %d times", violations.Load())
	}
	if _, pending := s.InFlight(); pending != 0 {
		t.Fatalf("pending=%d after drain", pending)
	}
	if calls.Load() == 0 {
		t.Fatalf("oracle never called")
	}
}

func TestWorker_FailuresReleaseAndRetry(t *testing.T) {
	dim := testDim(t, column.ModeFull)
	var calls atomic.Int64
	oracle := OracleFunc(func(_ context.Context, ch pos.ChunkPos, _ column.Mode) ([]Sample, error) {
		if calls.Add(1)%2 == 0 {
			panic("boom")
		}
		return nil, errors.New("host unavailable")
	})
	events := &sink{}
	s := New(dim, oracle, Config{Workers: 2, Fanout: 2}, events, nil)
	defer closeScheduler(t, s)

	if n := s.DispatchOnce(8, 8); n != 4 {
		t.Fatalf("dispatched=%d want 4", n)
	}
	waitFor(t, "failed units", idle(s))
	if st := s.Stats(); st.Failed != 4 || st.Generated != 0 {
		t.Fatalf("stats=%+v", st)
	}
	s.DispatchOnce(8, 8)
	waitFor(t, "retry", idle(s))
	if got := events.count(pos.ChunkPos{}); got != 2 {
		t.Fatalf("chunk 0,0 attempted %d times, want 2", got)
	}
	if dim.Region(pos.RegionPos{}).Exists(pos.ChunkPos{}.Pos()) {
		t.Fatalf("failed chunk has data")
	}
}

func TestWorker_OutsideWindowIsSkipped(t *testing.T) {
	dim := testDim(t, column.ModeFull)
	events := &sink{}
	s := New(dim, flatOracle(), Config{Workers: 1}, events, nil)
	defer closeScheduler(t, s)

	far := pos.ChunkPos{X: 1000, Z: 0}
	if !s.claim(far) {
		t.Fatalf("claim failed")
	}
	s.run(unit{cand: dimension.Candidate{Pos: far.Pos(), Mode: column.ModeFull}, chunk: far})
	if s.IsPending(far) {
		t.Fatalf("skipped unit left its pending entry")
	}
	if st := s.Stats(); st.Skipped != 1 || st.Failed != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestWorker_MonotonicUpgrade(t *testing.T) {
	dim := testDim(t, column.ModeSurface)
	s := New(dim, flatOracle(), Config{Workers: 2, Fanout: 2}, nil, nil)
	defer closeScheduler(t, s)

	home := pos.ChunkPos{}
	reg := dim.Region(pos.RegionPos{})
	s.DispatchOnce(8, 8)
	waitFor(t, "surface pass", idle(s))
	if m, ok := reg.ModeAt(home.Pos()); !ok || m != column.ModeSurface {
		t.Fatalf("after SURFACE pass mode=%v ok=%v", m, ok)
	}

	p := dim.Policy()
	p.MaxMode = column.ModeFull
	dim.SetPolicy(p)
	s.DispatchOnce(8, 8)
	waitFor(t, "full pass", idle(s))
	if m, _ := reg.ModeAt(home.Pos()); m != column.ModeFull {
		t.Fatalf("after FULL pass mode=%v", m)
	}

	// A stale SURFACE unit finishing late must not replace FULL data.
	stale := unit{cand: dimension.Candidate{Pos: home.Pos(), Mode: column.ModeSurface}, chunk: home}
	if !s.claim(home) {
		t.Fatalf("claim failed")
	}
	s.run(stale)
	if m, _ := reg.ModeAt(home.Pos()); m != column.ModeFull {
		t.Fatalf("stale write downgraded mode to %v", m)
	}
	if h := reg.Level(0).Get(3, 3, 0).Height(); h != 60+int(column.ModeFull) {
		t.Fatalf("height=%d want FULL sample", h)
	}
	if s.Stats().Unchanged != 1 {
		t.Fatalf("stale unit not reported unchanged: %+v", s.Stats())
	}
}

func TestWorker_CoarseCandidateWritesOneColumn(t *testing.T) {
	dim := testDim(t, column.ModeFull)
	s := New(dim, flatOracle(), Config{Workers: 1}, nil, nil)
	defer closeScheduler(t, s)

	cell := pos.Pos{Detail: 6, X: 1, Z: 2}
	if !s.claim(cell.Chunk()) {
		t.Fatalf("claim failed")
	}
	s.run(unit{cand: dimension.Candidate{Pos: cell, WriteDetail: 6, Mode: column.ModeBiomeOnly}, chunk: cell.Chunk()})
	reg := dim.Region(pos.RegionPos{})
	got := reg.Level(6).Get(1, 2, 0)
	if !got.Exists() || got.Mode() != column.ModeBiomeOnly || got.Height() != 60+int(column.ModeBiomeOnly) {
		t.Fatalf("coarse cell=%v", got)
	}
	if reg.Level(0) != nil {
		t.Fatalf("coarse candidate wrote block columns")
	}
}

func TestWorker_VoidColumns(t *testing.T) {
	dim := testDim(t, column.ModeFull)
	empty := OracleFunc(func(context.Context, pos.ChunkPos, column.Mode) ([]Sample, error) { return nil, nil })
	s := New(dim, empty, Config{Workers: 1}, nil, nil)
	defer closeScheduler(t, s)

	home := pos.ChunkPos{}
	s.claim(home)
	s.run(unit{cand: dimension.Candidate{Pos: home.Pos(), Mode: column.ModeFull}, chunk: home})
	got := dim.Region(pos.RegionPos{}).Level(0).Get(0, 0, 0)
	if got != VoidMarker(column.ModeFull) {
		t.Fatalf("void column=%v", got)
	}
	near, _ := dim.CollectGenerationCandidates(100, 8, 8)
	for _, c := range near {
		if c.Chunk() == home {
			t.Fatalf("void chunk collected again")
		}
	}
}

func TestSingleThreadedFullRunsInline(t *testing.T) {
	dim := testDim(t, column.ModeFull)
	oracle := newGatedOracle(true)
	close(oracle.release)
	s := New(dim, oracle, Config{Workers: 2, Fanout: 2}, nil, nil)
	defer closeScheduler(t, s)

	n := s.DispatchOnce(8, 8)
	if n != 4 {
		t.Fatalf("dispatched=%d", n)
	}
	st := s.Stats()
	if st.Synchronous != 4 || st.Generated != 4 || st.InFlight != 0 {
		t.Fatalf("stats after inline pass=%+v", st)
	}
}

func TestTick_DropsWhileDispatching(t *testing.T) {
	dim := testDim(t, column.ModeFull)
	oracle := newGatedOracle(true)
	s := New(dim, oracle, Config{Workers: 1}, nil, nil)
	defer closeScheduler(t, s)

	if !s.Tick(8, 8) {
		t.Fatalf("first tick did not start a pass")
	}
	<-oracle.started
	if s.Tick(8, 8) {
		t.Fatalf("second tick started a concurrent pass")
	}
	if s.Stats().DroppedTicks != 1 {
		t.Fatalf("dropped=%d", s.Stats().DroppedTicks)
	}
	close(oracle.release)
	waitFor(t, "pass to end", func() bool { return !s.dispatching.Load() })
}

func TestTick_ModeNoneNeverDispatches(t *testing.T) {
	dim := testDim(t, column.ModeNone)
	s := New(dim, flatOracle(), Config{Workers: 1}, nil, nil)
	defer closeScheduler(t, s)
	if s.Tick(8, 8) || s.DispatchOnce(8, 8) != 0 {
		t.Fatalf("dispatch with generation disabled")
	}
}

func TestWorker_EvictedWhileGeneratingIsDiscarded(t *testing.T) {
	dim := testDim(t, column.ModeFull)
	oracle := newGatedOracle(false)
	events := &sink{}
	s := New(dim, oracle, Config{Workers: 1}, events, nil)
	defer closeScheduler(t, s)

	home := pos.ChunkPos{}
	evicted := dim.Region(pos.RegionPos{})
	if n := s.DispatchOnce(8, 8); n != 1 {
		t.Fatalf("dispatched=%d want 1", n)
	}
	select {
	case ch := <-oracle.started:
		if ch != home {
			t.Fatalf("generating %s, want %s", ch, home)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("worker never reached the oracle")
	}

	moved, err := dim.Recenter(context.Background(), 5000, 5000)
	if err != nil || !moved || dim.InWindow(pos.RegionPos{}) {
		t.Fatalf("Recenter moved=%v err=%v", moved, err)
	}
	close(oracle.release)
	waitFor(t, "discarded unit", idle(s))

	if st := s.Stats(); st.Discarded != 1 || st.Generated != 0 || st.Failed != 0 {
		t.Fatalf("stats=%+v", st)
	}
	for d := 0; d < pos.DetailLevels; d++ {
		if evicted.Level(d) != nil {
			t.Fatalf("evicted region gained detail %d", d)
		}
	}
	if inFlight, pending := s.InFlight(); inFlight != 0 || pending != 0 || s.IsPending(home) {
		t.Fatalf("inFlight=%d pending=%d", inFlight, pending)
	}
	if got := events.count(home); got != 1 || events.events[0].Outcome != OutcomeDiscarded {
		t.Fatalf("events=%+v", events.events)
	}
}
