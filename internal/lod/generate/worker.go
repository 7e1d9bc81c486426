package generate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lodcraft.ai/internal/lod/column"
	"lodcraft.ai/internal/lod/mathx"
	"lodcraft.ai/internal/lod/pos"
	"lodcraft.ai/internal/lod/region"
)

// VoidMarker is written for columns the oracle returned no runs for, so they count as generated.
func VoidMarker(mode column.Mode) column.Data {
	return column.MustPack(column.Fields{Height: column.MinY, Depth: column.MinY, Mode: mode})
}

// run executes one unit. The pending entry is released on every path.
func (s *Scheduler) run(u unit) {
	start := time.Now()
	ev := Event{
		Dimension:   s.dim.ID(),
		Chunk:       u.chunk,
		Detail:      u.cand.Pos.Detail,
		WriteDetail: u.cand.WriteDetail,
		Mode:        u.cand.Mode.String(),
		Near:        u.cand.Near,
		Outcome:     OutcomeFailed,
	}
	// Counters and sinks see the outcome before the chunk leaves the pending set.
	defer func() {
		ev.Time = time.Now().UTC()
		ev.DurationMS = float64(time.Since(start).Microseconds()) / 1000
		s.finish(ev)
		s.release(u.chunk)
	}()

	outcome, columns, err := s.execute(u)
	ev.Outcome, ev.Columns = outcome, columns
	if err != nil {
		ev.Error = err.Error()
	}
}

func (s *Scheduler) finish(ev Event) {
	switch ev.Outcome {
	case OutcomeGenerated:
		s.generated.Add(1)
		s.columns.Add(uint64(ev.Columns))
	case OutcomeUnchanged:
		s.unchanged.Add(1)
	case OutcomeSkipped:
		s.skipped.Add(1)
	case OutcomeDiscarded:
		s.discarded.Add(1)
	default:
		s.failed.Add(1)
		s.logf("generate failed dim=%s chunk=%s mode=%s err=%s", ev.Dimension, ev.Chunk, ev.Mode, ev.Error)
	}
	if s.sink != nil {
		s.sink.Record(ev)
	}
}

func (s *Scheduler) execute(u unit) (Outcome, int, error) {
	rp := pos.RegionOfBlock(u.chunk.X*pos.ChunkWidth, u.chunk.Z*pos.ChunkWidth)
	if !s.dim.InWindow(rp) {
		return OutcomeSkipped, 0, nil
	}
	if err := s.limiter.Wait(s.ctx); err != nil {
		return OutcomeFailed, 0, fmt.Errorf("rate wait: %w", err)
	}
	samples, err := s.callOracle(s.ctx, u.chunk, u.cand.Mode)
	if err != nil {
		return OutcomeFailed, 0, err
	}
	cells, err := s.buildCells(u, samples)
	if err != nil {
		return OutcomeFailed, 0, err
	}

	written := 0
	if !s.dim.WithRegion(rp, func(r *region.Region) { written = r.Write(u.cand.WriteDetail, cells) }) {
		return OutcomeDiscarded, 0, nil
	}
	if written == 0 {
		return OutcomeUnchanged, 0, nil
	}
	return OutcomeGenerated, written, nil
}

var errOraclePanic = errors.New("oracle panic")

func (s *Scheduler) callOracle(ctx context.Context, ch pos.ChunkPos, mode column.Mode) (samples []Sample, err error) {
	defer func() {
		if r := recover(); r != nil {
			samples, err = nil, fmt.Errorf("%w: %v", errOraclePanic, r)
		}
	}()
	return s.oracle.Generate(ctx, ch, mode)
}

// buildCells packs samples into region-local cells at the candidate's write detail. Chunk
// candidates keep every block column; coarser candidates merge the whole chunk into one column.
func (s *Scheduler) buildCells(u unit, samples []Sample) ([]region.Cell, error) {
	mode := u.cand.Mode
	stacks := make(map[[2]int][]column.Data, pos.ChunkWidth*pos.ChunkWidth)
	for _, sm := range samples {
		if sm.X < 0 || sm.X >= pos.ChunkWidth || sm.Z < 0 || sm.Z >= pos.ChunkWidth {
			return nil, fmt.Errorf("sample %d,%d outside chunk", sm.X, sm.Z)
		}
		stack := make([]column.Data, 0, len(sm.Runs))
		for _, f := range sm.Runs {
			f.Mode = mode
			d, err := column.Pack(f)
			if err != nil {
				return nil, fmt.Errorf("sample %d,%d: %w", sm.X, sm.Z, err)
			}
			stack = append(stack, d)
		}
		key := [2]int{sm.X, sm.Z}
		stacks[key] = append(stacks[key], stack...)
	}

	caps := s.dim.Caps()
	void := []column.Data{VoidMarker(mode)}
	normalize := func(stack []column.Data, capacity int) []column.Data {
		if len(stack) == 0 {
			return void
		}
		return column.Merge([][]column.Data{stack}, capacity)
	}

	if u.cand.WriteDetail == 0 {
		bx, bz := u.chunk.X*pos.ChunkWidth, u.chunk.Z*pos.ChunkWidth
		cells := make([]region.Cell, 0, pos.ChunkWidth*pos.ChunkWidth)
		for x := 0; x < pos.ChunkWidth; x++ {
			for z := 0; z < pos.ChunkWidth; z++ {
				cells = append(cells, region.Cell{
					X:     mathx.Mod(bx+x, pos.RegionWidth),
					Z:     mathx.Mod(bz+z, pos.RegionWidth),
					Stack: normalize(stacks[[2]int{x, z}], caps[0]),
				})
			}
		}
		return cells, nil
	}

	all := make([][]column.Data, 0, len(stacks))
	for _, st := range stacks {
		all = append(all, st)
	}
	x, z := u.cand.Pos.Local()
	var merged []column.Data
	if len(all) == 0 {
		merged = void
	} else {
		merged = column.Merge(all, caps[u.cand.WriteDetail])
	}
	return []region.Cell{{X: x, Z: z, Stack: merged}}, nil
}
