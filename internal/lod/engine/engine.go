// Package engine wires one dimension window, its generation scheduler, its store and its event
// sinks into a single value. Nothing here is global; tests and multi-dimension hosts build as
// many engines as they need.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"lodcraft.ai/internal/lod/column"
	"lodcraft.ai/internal/lod/dimension"
	"lodcraft.ai/internal/lod/generate"
	"lodcraft.ai/internal/lod/oracle"
	"lodcraft.ai/internal/lod/pos"
	"lodcraft.ai/internal/lod/region"
	"lodcraft.ai/internal/lod/tuning"
	"lodcraft.ai/internal/observerproto"
	"lodcraft.ai/internal/persistence/indexdb"
	plog "lodcraft.ai/internal/persistence/log"
	"lodcraft.ai/internal/persistence/r2s3"
)

type Options struct {
	Config tuning.Config
	// Oracle defaults to the noise oracle seeded from Config.Generation.
	Oracle generate.Oracle
	// Store overrides Config.Storage. The engine does not close a caller-provided store.
	Store region.Store
	// Uploader replaces the S3 client when storage.mirror is enabled.
	Uploader r2s3.Uploader
	Logger   *log.Logger

	PlayerX, PlayerZ float64
}

type Engine struct {
	id     string
	cfg    tuning.Config
	logger *log.Logger

	dim   *dimension.Dimension
	sched *generate.Scheduler
	store region.Store

	sqlite   *indexdb.SQLiteStore
	mirror   *r2s3.Mirror
	eventLog *plog.EventLogger

	mu     sync.Mutex
	px, pz float64
	closed bool

	tick        atomic.Uint64
	saves       atomic.Uint64
	levelsSaved atomic.Uint64
	saveErrors  atomic.Uint64
	recenterErr atomic.Uint64
}

func New(ctx context.Context, opts Options) (*Engine, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		id:     uuid.NewString(),
		cfg:    cfg,
		logger: opts.Logger,
		px:     opts.PlayerX,
		pz:     opts.PlayerZ,
		store:  opts.Store,
	}
	if e.store == nil {
		st, err := OpenStore(ctx, cfg.Storage, opts.Uploader, opts.Logger)
		if err != nil {
			return nil, err
		}
		e.store, e.sqlite, e.mirror = st.Store, st.SQLite, st.Mirror
	}
	if e.sqlite != nil {
		if err := e.sqlite.UpsertConfig(ctx, cfg.DimensionID, cfg); err != nil {
			e.logf("record config failed err=%v", err)
		}
	}
	if cfg.Events.Enabled {
		e.eventLog = plog.NewEventLogger(cfg.Events.Dir, cfg.DimensionID)
	}

	dim, err := dimension.New(ctx, dimension.Config{
		ID:             cfg.DimensionID,
		RenderDistance: cfg.RenderDistance,
		Caps:           cfg.Caps(),
		Policy:         cfg.Policy(),
	}, e.store, e.logger, e.px, e.pz)
	if dim == nil {
		e.closeSinks()
		return nil, err
	}
	if err != nil {
		// Regions that failed to load were replaced with empty ones; keep running.
		e.logf("initial window load errors err=%v", err)
	}
	e.dim = dim

	orc := opts.Oracle
	if orc == nil {
		orc = oracle.New(oracle.Config{
			Seed:           cfg.Generation.Seed,
			SeaLevel:       cfg.Generation.SeaLevel,
			SingleThreaded: cfg.Generation.SingleThreadedOracle,
		})
	}
	e.sched = generate.New(dim, orc, generate.Config{
		Workers:        cfg.Generation.WorkerThreads,
		Fanout:         cfg.Generation.Fanout,
		MaxPerSecond:   cfg.Generation.MaxPerSecond,
		SingleThreaded: cfg.Generation.SingleThreadedOracle,
	}, e.sinks(), e.logger)

	e.logf("engine ready id=%s dim=%s width=%d backend=%s mode=%s", e.id, cfg.DimensionID, dim.Width(), cfg.Storage.Backend, cfg.Mode())
	return e, nil
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}

// sinks returns the event sinks in use, or nil when there are none.
func (e *Engine) sinks() generate.EventSink {
	var out multiSink
	if e.eventLog != nil {
		out = append(out, e.eventLog)
	}
	if e.sqlite != nil {
		out = append(out, e.sqlite)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

type multiSink []generate.EventSink

func (m multiSink) Record(ev generate.Event) {
	for _, s := range m {
		s.Record(ev)
	}
}

func (e *Engine) ID() string                      { return e.id }
func (e *Engine) Config() tuning.Config           { return e.cfg }
func (e *Engine) Dimension() *dimension.Dimension { return e.dim }
func (e *Engine) Scheduler() *generate.Scheduler  { return e.sched }
func (e *Engine) Store() region.Store             { return e.store }
func (e *Engine) CurrentTick() uint64             { return e.tick.Load() }

// SetPlayer records the player position used by the next tick.
func (e *Engine) SetPlayer(x, z float64) {
	e.mu.Lock()
	e.px, e.pz = x, z
	e.mu.Unlock()
}

func (e *Engine) Player() (x, z float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.px, e.pz
}

// SetRenderDistance resizes the window around its current center.
func (e *Engine) SetRenderDistance(ctx context.Context, blocks int) error {
	if blocks < 0 {
		return fmt.Errorf("render distance %d < 0", blocks)
	}
	if err := e.dim.Resize(ctx, blocks); err != nil {
		return err
	}
	e.logf("render distance blocks=%d width=%d", blocks, e.dim.Width())
	return nil
}

// SetMode changes the generation mode cap. NONE stops dispatching.
func (e *Engine) SetMode(m column.Mode) error {
	if !m.Valid() {
		return fmt.Errorf("invalid generation mode %d", m)
	}
	p := e.dim.Policy()
	p.MaxMode = m
	e.dim.SetPolicy(p)
	e.logf("generation mode=%s", m)
	return nil
}

// Tick recenters the window on the player, starts a dispatch pass and saves every
// storage.save_every_ticks ticks.
func (e *Engine) Tick(ctx context.Context) {
	n := e.tick.Add(1)
	px, pz := e.Player()
	if moved, err := e.dim.Recenter(ctx, px, pz); err != nil {
		e.recenterErr.Add(1)
		e.logf("recenter failed tick=%d err=%v", n, err)
	} else if moved {
		e.logf("recenter tick=%d center=%s", n, e.dim.Center())
	}
	e.sched.Tick(px, pz)

	if every := e.cfg.Storage.SaveEveryTicks; every > 0 && n%uint64(every) == 0 {
		if _, err := e.Save(ctx); err != nil {
			e.logf("periodic save failed tick=%d err=%v", n, err)
		}
	}
}

// Run ticks at tick_rate_hz until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(e.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Save writes every dirty level of the window.
func (e *Engine) Save(ctx context.Context) (int, error) {
	n, err := e.dim.SaveAll(ctx)
	e.saves.Add(1)
	e.levelsSaved.Add(uint64(n))
	if err != nil {
		e.saveErrors.Add(1)
	}
	return n, err
}

// Close waits for in-flight generation, saves the window and closes sinks and the store the engine
// opened.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var errs []error
	if err := e.sched.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	n, err := e.Save(context.WithoutCancel(ctx))
	if err != nil {
		errs = append(errs, fmt.Errorf("save: %w", err))
	}
	e.logf("engine closed id=%s levels_saved=%d", e.id, n)
	if err := e.closeSinks(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) closeSinks() error {
	var errs []error
	if e.eventLog != nil {
		if err := e.eventLog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event log: %w", err))
		}
	}
	if e.sqlite != nil {
		if err := e.sqlite.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sqlite: %w", err))
		}
	}
	// Waits for files already queued by the final save.
	e.mirror.Close()
	return errors.Join(errs...)
}

type Metrics struct {
	InstanceID  string                `json:"instance_id"`
	Dimension   string                `json:"dimension"`
	Tick        uint64                `json:"tick"`
	Player      [2]float64            `json:"player"`
	Mode        string                `json:"mode"`
	Window      dimension.Stats       `json:"window"`
	Generation  generate.Stats        `json:"generation"`
	Populated   [pos.DetailLevels]int `json:"populated"`
	Saves       uint64                `json:"saves"`
	LevelsSaved uint64                `json:"levels_saved"`
	SaveErrors  uint64                `json:"save_errors"`
	RecenterErr uint64                `json:"recenter_errors"`
	EventLog    *plog.EventLogStats   `json:"event_log,omitempty"`
	SQLite      *indexdb.Stats        `json:"sqlite,omitempty"`
	Mirror      *r2s3.Stats           `json:"mirror,omitempty"`
}

func (e *Engine) Metrics() Metrics {
	px, pz := e.Player()
	m := Metrics{
		InstanceID:  e.id,
		Dimension:   e.cfg.DimensionID,
		Tick:        e.tick.Load(),
		Player:      [2]float64{px, pz},
		Mode:        e.dim.Policy().MaxMode.String(),
		Window:      e.dim.Stats(),
		Generation:  e.sched.Stats(),
		Saves:       e.saves.Load(),
		LevelsSaved: e.levelsSaved.Load(),
		SaveErrors:  e.saveErrors.Load(),
		RecenterErr: e.recenterErr.Load(),
	}
	for _, r := range e.dim.Regions() {
		p := r.Populated()
		for d := range p {
			m.Populated[d] += p[d]
		}
	}
	if e.eventLog != nil {
		st := e.eventLog.Stats()
		m.EventLog = &st
	}
	if e.sqlite != nil {
		st := e.sqlite.Stats()
		m.SQLite = &st
	}
	if e.mirror != nil {
		st := e.mirror.Stats()
		m.Mirror = &st
	}
	return m
}

// Status and Bootstrap make the engine an observer source.
func (e *Engine) Status() observerproto.StatusMsg {
	px, pz := e.Player()
	return observerproto.StatusMsg{
		Type:            "STATUS",
		ProtocolVersion: observerproto.Version,
		Tick:            e.tick.Load(),
		Player:          [2]float64{px, pz},
		Window:          e.dim.Stats(),
		Generation:      e.sched.Stats(),
	}
}

func (e *Engine) Bootstrap() observerproto.BootstrapResponse {
	caps := e.dim.Caps()
	return observerproto.BootstrapResponse{
		ProtocolVersion: observerproto.Version,
		InstanceID:      e.id,
		Params: observerproto.Params{
			Dimension:      e.cfg.DimensionID,
			TickRateHz:     e.cfg.TickRateHz,
			RenderDistance: e.dim.RenderDistance(),
			RegionWidth:    pos.RegionWidth,
			DetailLevels:   pos.DetailLevels,
			Caps:           caps[:],
			MinY:           column.MinY,
			MaxY:           column.MaxY,
			MissingHeight:  column.MinY - 1,
			Mode:           e.dim.Policy().MaxMode.String(),
		},
		Status: e.Status(),
	}
}
