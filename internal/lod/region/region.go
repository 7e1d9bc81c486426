// Package region holds the per-region pyramid of level containers and its persistence.
package region

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"lodcraft.ai/internal/lod/column"
	"lodcraft.ai/internal/lod/level"
	"lodcraft.ai/internal/lod/pos"
)

// Caps is the vertical cap configured for each detail level.
type Caps [pos.DetailLevels]int

func DefaultCaps() Caps {
	return Caps{8, 8, 6, 6, 4, 4, 2, 2, 1, 1}
}

func (c Caps) Validate() error {
	for d, v := range c {
		if v < 1 || v > 127 {
			return fmt.Errorf("detail %d: vertical cap %d out of range [1,127]", d, v)
		}
	}
	return nil
}

// Cell is one region-local column stack to be written at a detail level.
type Cell struct {
	X, Z  int
	Stack []column.Data
}

// Region is a 512x512 block tile owning one container per populated detail level.
// Levels are created lazily on first write. Identity is the region coordinate.
type Region struct {
	dim  string
	pos  pos.RegionPos
	caps Caps

	// saveMu serializes Save calls, so only one snapshot of a level is in flight to the store.
	saveMu sync.Mutex
	// mu serializes writes with their upward rebuild, and guards levels and dirty.
	mu     sync.Mutex
	levels [pos.DetailLevels]*level.Container
	dirty  [pos.DetailLevels]uint64 // 0 = clean; otherwise bumped on every change
}

func New(dim string, p pos.RegionPos, caps Caps) *Region {
	return &Region{dim: dim, pos: p, caps: caps}
}

func (r *Region) Pos() pos.RegionPos { return r.pos }

func (r *Region) Dimension() string { return r.dim }

func (r *Region) Key(detail int) Key {
	return Key{Dimension: r.dim, X: r.pos.X, Z: r.pos.Z, Detail: detail}
}

// Level returns the container at detail, or nil when nothing has been written there.
func (r *Region) Level(detail int) *level.Container {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.levels[detail]
}

func (r *Region) ensureLocked(detail int) *level.Container {
	c := r.levels[detail]
	if c == nil {
		c = level.New(detail, r.caps[detail])
		r.levels[detail] = c
	}
	return c
}

func (r *Region) MarkDirty(detail int) {
	r.mu.Lock()
	r.dirty[detail]++
	r.mu.Unlock()
}

func (r *Region) IsDirty(detail int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty[detail] != 0
}

// Dirty reports whether any level needs saving.
func (r *Region) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.dirty {
		if v != 0 {
			return true
		}
	}
	return false
}

// Save writes every dirty level to store and clears its flag. A level changed while its bytes were
// being written stays dirty. Concurrent calls run one after another. It returns the number of
// levels written.
func (r *Region) Save(ctx context.Context, store Store) (int, error) {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	type pending struct {
		detail int
		seq    uint64
		b      []byte
	}
	var work []pending
	r.mu.Lock()
	for d, seq := range r.dirty {
		if seq == 0 || r.levels[d] == nil {
			continue
		}
		work = append(work, pending{detail: d, seq: seq, b: r.levels[d].Serialize()})
	}
	r.mu.Unlock()

	saved := 0
	for _, w := range work {
		if err := store.SaveLevel(ctx, r.Key(w.detail), w.b); err != nil {
			return saved, fmt.Errorf("save %s: %w", r.Key(w.detail), err)
		}
		saved++
		r.mu.Lock()
		if r.dirty[w.detail] == w.seq {
			r.dirty[w.detail] = 0
		}
		r.mu.Unlock()
	}
	return saved, nil
}

// Load reads every stored level of the region. Levels stored with a different vertical cap are
// re-fit to caps and marked dirty so the next save rewrites them; all other levels load clean.
func Load(ctx context.Context, store Store, dim string, p pos.RegionPos, caps Caps) (*Region, error) {
	r := New(dim, p, caps)
	for d := 0; d < pos.DetailLevels; d++ {
		key := r.Key(d)
		b, version, err := store.LoadLevel(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", key, err)
		}
		_, storedCap, _, err := level.Header(b)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", key, err)
		}
		c, err := level.Deserialize(b, version, caps[d])
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", key, err)
		}
		if c.Detail() != d {
			return nil, fmt.Errorf("load %s: %w: stored detail %d", key, level.ErrMalformed, c.Detail())
		}
		r.levels[d] = c
		if storedCap != caps[d] || version != level.FormatCurrent {
			r.dirty[d] = 1
		}
	}
	return r, nil
}

func (r *Region) owns(p pos.Pos) bool {
	return p.Region() == r.pos
}

// Exists reports whether the cell at p holds data. Cells outside the region report false.
func (r *Region) Exists(p pos.Pos) bool {
	_, ok := r.ModeAt(p)
	return ok
}

// ModeAt returns the generation mode of the top run at p.
func (r *Region) ModeAt(p pos.Pos) (column.Mode, bool) {
	if !r.owns(p) {
		return column.ModeNone, false
	}
	c := r.Level(p.Detail)
	if c == nil {
		return column.ModeNone, false
	}
	x, z := p.Local()
	d := c.Get(x, z, 0)
	if !d.Exists() {
		return column.ModeNone, false
	}
	return d.Mode(), true
}

// Write stores cells at detail, keeping any existing cell of a higher mode, then rebuilds every
// coarser level above the written cells. It returns how many cells were replaced.
//
// A rebuilt coarse cell is the merge of its populated finer cells only, tagged with their lowest
// mode: once any finer data exists under a coarse cell, whatever was written there directly is
// replaced, so its coverage and mode reflect the finer data alone.
func (r *Region) Write(detail int, cells []Cell) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.ensureLocked(detail)
	touched := make(map[[2]int]struct{}, len(cells))
	for _, cell := range cells {
		if c.ReplaceIfNotLower(cell.Stack, cell.X, cell.Z) {
			touched[[2]int{cell.X, cell.Z}] = struct{}{}
		}
	}
	if len(touched) == 0 {
		return 0
	}
	r.dirty[detail]++
	n := len(touched)
	r.rebuildUpLocked(detail, touched)
	return n
}

func (r *Region) rebuildUpLocked(detail int, touched map[[2]int]struct{}) {
	for d := detail + 1; d < pos.DetailLevels; d++ {
		finer := r.levels[d-1]
		coarse := r.ensureLocked(d)
		parents := make(map[[2]int]struct{}, len(touched)/4+1)
		for xz := range touched {
			parents[[2]int{xz[0] >> 1, xz[1] >> 1}] = struct{}{}
		}
		for xz := range parents {
			coarse.RebuildFromFiner(finer, xz[0], xz[1])
		}
		r.dirty[d]++
		touched = parents
	}
}

// Populated returns the number of populated cells at each detail.
func (r *Region) Populated() [pos.DetailLevels]int {
	var out [pos.DetailLevels]int
	r.mu.Lock()
	levels := r.levels
	r.mu.Unlock()
	for d, c := range levels {
		if c != nil {
			out[d] = c.Count()
		}
	}
	return out
}
