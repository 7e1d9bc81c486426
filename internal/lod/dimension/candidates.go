package dimension

import (
	"sort"

	"lodcraft.ai/internal/lod/column"
	"lodcraft.ai/internal/lod/pos"
	"lodcraft.ai/internal/lod/region"
)

// Candidate is a cell that needs generating or upgrading.
type Candidate struct {
	Pos pos.Pos
	// WriteDetail is where the generated samples land: 0 for chunk cells, Pos.Detail otherwise.
	WriteDetail int
	Mode        column.Mode
	Distance    float64
	Near        bool
}

// Chunk is the oracle position sampled for the candidate.
func (c Candidate) Chunk() pos.ChunkPos { return c.Pos.Chunk() }

// CollectGenerationCandidates walks every windowed region as a quadtree, coarsest first, and returns
// the cells whose data is missing or below the mode their distance demands. At most max candidates
// are returned, near ones first, each list ordered by distance.
func (d *Dimension) CollectGenerationCandidates(max int, px, pz float64) (near, far []Candidate) {
	if max <= 0 {
		return nil, nil
	}
	d.mu.RLock()
	policy := d.policy
	limit := float64(d.renderDistance)
	var all []Candidate
	if policy.MaxMode != column.ModeNone {
		for _, row := range d.regions {
			for _, r := range row {
				all = walk(all, r, r.Pos().Pos(), policy, limit, px, pz)
			}
		}
	}
	d.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.Near != b.Near {
			return a.Near
		}
		if a.Distance != b.Distance {
			return a.Distance < b.Distance
		}
		if a.Pos.Detail != b.Pos.Detail {
			return a.Pos.Detail < b.Pos.Detail
		}
		if a.Pos.X != b.Pos.X {
			return a.Pos.X < b.Pos.X
		}
		return a.Pos.Z < b.Pos.Z
	})
	if len(all) > max {
		all = all[:max]
	}
	for _, c := range all {
		if c.Near {
			near = append(near, c)
		} else {
			far = append(far, c)
		}
	}
	return near, far
}

func walk(out []Candidate, r *region.Region, p pos.Pos, policy Policy, limit, px, pz float64) []Candidate {
	dist := p.Distance(px, pz)
	if dist > limit {
		return out
	}
	if p.Detail > pos.ChunkDetail && policy.DesiredDetail(dist) < p.Detail {
		for dx := 0; dx < 2; dx++ {
			for dz := 0; dz < 2; dz++ {
				child := pos.Pos{Detail: p.Detail - 1, X: 2*p.X + dx, Z: 2*p.Z + dz}
				out = walk(out, r, child, policy, limit, px, pz)
			}
		}
		return out
	}
	target := policy.TargetMode(dist)
	if m, ok := r.ModeAt(p); ok && m >= target {
		return out
	}
	c := Candidate{Pos: p, WriteDetail: p.Detail, Mode: target, Distance: dist, Near: dist <= policy.Near}
	if p.Detail == pos.ChunkDetail {
		c.WriteDetail = 0
	}
	return append(out, c)
}
