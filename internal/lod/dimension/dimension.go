// Package dimension keeps a square window of regions centered on the player.
package dimension

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"lodcraft.ai/internal/lod/level"
	"lodcraft.ai/internal/lod/pos"
	"lodcraft.ai/internal/lod/region"
)

// saveParallelism bounds concurrent region saves and loads.
const saveParallelism = 4

type Config struct {
	ID             string
	RenderDistance int // blocks
	Caps           region.Caps
	Policy         Policy
}

// WidthFor is the odd window width, in regions, that covers renderDistance blocks around the center region.
func WidthFor(renderDistance int) int {
	if renderDistance < 0 {
		renderDistance = 0
	}
	return 2*int(math.Ceil(float64(renderDistance)/pos.RegionWidth)) + 1
}

// Dimension owns the region window. Readers and generation writers go through WithRegion under a
// shared lock; Recenter and Resize swap slots under the exclusive lock, so no writer can hold a
// region while it is evicted.
type Dimension struct {
	id     string
	caps   region.Caps
	store  region.Store
	logger *log.Logger

	// reshape serializes Recenter and Resize.
	reshape sync.Mutex

	mu             sync.RWMutex
	policy         Policy
	renderDistance int
	width          int
	center         pos.RegionPos
	regions        [][]*region.Region // [x][z], slot (i,j) holds center-half+i, center-half+j

	evicted    atomic.Uint64
	loadErrors atomic.Uint64
}

// New builds the window around the region containing block (px, pz), loading existing regions from
// store. A nil store keeps everything in memory. Regions with corrupt stored bytes start empty and
// New returns the dimension along with the error; any other load failure returns no dimension.
func New(ctx context.Context, cfg Config, store region.Store, logger *log.Logger, px, pz float64) (*Dimension, error) {
	if cfg.ID == "" {
		return nil, errors.New("dimension: empty id")
	}
	if err := cfg.Caps.Validate(); err != nil {
		return nil, fmt.Errorf("dimension %s: %w", cfg.ID, err)
	}
	d := &Dimension{
		id:             cfg.ID,
		caps:           cfg.Caps,
		store:          store,
		logger:         logger,
		policy:         cfg.Policy,
		renderDistance: cfg.RenderDistance,
	}
	built, err := d.rebuild(ctx, pos.RegionOf(px, pz), WidthFor(cfg.RenderDistance))
	if !built {
		return nil, err
	}
	return d, err
}

func (d *Dimension) ID() string { return d.id }

func (d *Dimension) Caps() region.Caps { return d.caps }

func (d *Dimension) logf(format string, args ...any) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}

func (d *Dimension) Width() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.width
}

func (d *Dimension) Center() pos.RegionPos {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.center
}

func (d *Dimension) RenderDistance() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.renderDistance
}

func (d *Dimension) Policy() Policy {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.policy
}

// SetPolicy replaces the distance policy used for new candidates.
func (d *Dimension) SetPolicy(p Policy) {
	d.mu.Lock()
	d.policy = p
	d.mu.Unlock()
}

func (d *Dimension) slotLocked(rp pos.RegionPos) (int, int, bool) {
	half := d.width / 2
	i := rp.X - (d.center.X - half)
	j := rp.Z - (d.center.Z - half)
	if i < 0 || i >= d.width || j < 0 || j >= d.width {
		return 0, 0, false
	}
	return i, j, true
}

// InWindow reports whether rp is currently held.
func (d *Dimension) InWindow(rp pos.RegionPos) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, _, ok := d.slotLocked(rp)
	return ok
}

// Region returns the region at rp, or nil when rp is outside the window.
func (d *Dimension) Region(rp pos.RegionPos) *region.Region {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i, j, ok := d.slotLocked(rp)
	if !ok {
		return nil
	}
	return d.regions[i][j]
}

// WithRegion runs fn on the region at rp while holding the window's shared lock. It returns false
// without calling fn when rp is outside the window.
func (d *Dimension) WithRegion(rp pos.RegionPos, fn func(r *region.Region)) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i, j, ok := d.slotLocked(rp)
	if !ok {
		return false
	}
	fn(d.regions[i][j])
	return true
}

// Regions returns the window's regions, row by row.
func (d *Dimension) Regions() []*region.Region {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*region.Region, 0, d.width*d.width)
	for _, row := range d.regions {
		out = append(out, row...)
	}
	return out
}

// Recenter moves the window so that the region containing block (px, pz) is at its center. Only
// regions entering the window are loaded and only leaving regions are saved. It reports whether
// the center changed.
func (d *Dimension) Recenter(ctx context.Context, px, pz float64) (bool, error) {
	d.reshape.Lock()
	defer d.reshape.Unlock()
	next := pos.RegionOf(px, pz)
	d.mu.RLock()
	cur, width := d.center, d.width
	d.mu.RUnlock()
	if next == cur {
		return false, nil
	}
	return d.rebuildLocked(ctx, next, width)
}

// Resize rebuilds the window at the width implied by renderDistance around the current center,
// keeping regions that stay in range.
func (d *Dimension) Resize(ctx context.Context, renderDistance int) error {
	d.reshape.Lock()
	defer d.reshape.Unlock()
	center := d.Center()
	swapped, err := d.rebuildLocked(ctx, center, WidthFor(renderDistance))
	if swapped {
		d.mu.Lock()
		d.renderDistance = renderDistance
		d.mu.Unlock()
	}
	return err
}

func (d *Dimension) rebuild(ctx context.Context, center pos.RegionPos, width int) (bool, error) {
	d.reshape.Lock()
	defer d.reshape.Unlock()
	return d.rebuildLocked(ctx, center, width)
}

// rebuildLocked requires d.reshape. Loads happen before the swap and saves after it, so the
// exclusive section is pure slot bookkeeping. A region whose load fails for any reason other than
// corrupt bytes aborts the rebuild and leaves the window as it was; it reports whether the swap
// happened.
func (d *Dimension) rebuildLocked(ctx context.Context, center pos.RegionPos, width int) (bool, error) {
	half := width / 2
	next := make([][]*region.Region, width)
	for i := range next {
		next[i] = make([]*region.Region, width)
	}

	d.mu.RLock()
	var missing [][2]int
	for i := 0; i < width; i++ {
		for j := 0; j < width; j++ {
			rp := pos.RegionPos{X: center.X - half + i, Z: center.Z - half + j}
			if d.regions != nil {
				if oi, oj, ok := d.slotLocked(rp); ok {
					next[i][j] = d.regions[oi][oj]
					continue
				}
			}
			missing = append(missing, [2]int{i, j})
		}
	}
	d.mu.RUnlock()

	var corruptErr error
	var errMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(saveParallelism)
	for _, slot := range missing {
		i, j := slot[0], slot[1]
		rp := pos.RegionPos{X: center.X - half + i, Z: center.Z - half + j}
		g.Go(func() error {
			r, err := d.loadOrCreate(gctx, rp)
			if err != nil {
				d.loadErrors.Add(1)
				d.logf("region load failed dim=%s region=%s err=%v", d.id, rp, err)
				if !corrupt(err) {
					return err
				}
				// Bytes that can never decode are replaced by an empty region so the window stays whole.
				errMu.Lock()
				corruptErr = errors.Join(corruptErr, err)
				errMu.Unlock()
				r = region.New(d.id, rp, d.caps)
			}
			next[i][j] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Stored data may still be readable later; keep the old window rather than shadow it.
		return false, fmt.Errorf("dimension %s: window at %s not moved: %w", d.id, center, err)
	}

	d.mu.Lock()
	old := d.regions
	d.regions = next
	d.center = center
	d.width = width
	d.mu.Unlock()

	var gone []*region.Region
	for _, row := range old {
		for _, r := range row {
			rp := r.Pos()
			i, j := rp.X-(center.X-half), rp.Z-(center.Z-half)
			if i < 0 || i >= width || j < 0 || j >= width {
				gone = append(gone, r)
			}
		}
	}
	d.evicted.Add(uint64(len(gone)))
	_, saveErr := d.save(ctx, gone)
	return true, errors.Join(corruptErr, saveErr)
}

// corrupt reports whether a load failed on the stored bytes themselves rather than on reaching them.
func corrupt(err error) bool {
	return errors.Is(err, level.ErrMalformed) || errors.Is(err, level.ErrUnknownVersion)
}

func (d *Dimension) loadOrCreate(ctx context.Context, rp pos.RegionPos) (*region.Region, error) {
	if d.store == nil {
		return region.New(d.id, rp, d.caps), nil
	}
	return region.Load(ctx, d.store, d.id, rp, d.caps)
}

// SaveAll writes every dirty level of every windowed region. It returns the number of levels written.
func (d *Dimension) SaveAll(ctx context.Context) (int, error) {
	return d.save(ctx, d.Regions())
}

func (d *Dimension) save(ctx context.Context, regions []*region.Region) (int, error) {
	if d.store == nil || len(regions) == 0 {
		return 0, nil
	}
	var saved atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(saveParallelism)
	for _, r := range regions {
		if !r.Dirty() {
			continue
		}
		g.Go(func() error {
			n, err := r.Save(gctx, d.store)
			saved.Add(int64(n))
			if err != nil {
				return fmt.Errorf("dimension %s region %s: %w", d.id, r.Pos(), err)
			}
			return nil
		})
	}
	err := g.Wait()
	return int(saved.Load()), err
}

type Stats struct {
	Width      int           `json:"width"`
	Center     pos.RegionPos `json:"center"`
	Regions    int           `json:"regions"`
	Dirty      int           `json:"dirty"`
	Evicted    uint64        `json:"evicted"`
	LoadErrors uint64        `json:"load_errors"`
}

func (d *Dimension) Stats() Stats {
	regions := d.Regions()
	s := Stats{
		Width:      d.Width(),
		Center:     d.Center(),
		Regions:    len(regions),
		Evicted:    d.evicted.Load(),
		LoadErrors: d.loadErrors.Load(),
	}
	for _, r := range regions {
		if r.Dirty() {
			s.Dirty++
		}
	}
	return s
}
