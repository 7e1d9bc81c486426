package dimension

import (
	"math"

	"lodcraft.ai/internal/lod/column"
	"lodcraft.ai/internal/lod/pos"
)

// Policy maps distance from the player to the detail level and generation mode a cell should have.
// Distances are in blocks.
type Policy struct {
	DetailBase float64
	Near       float64

	FullDistance           float64
	FeaturesDistance       float64
	SurfaceDistance        float64
	SimulateHeightDistance float64

	// MaxMode caps every target; ModeNone disables generation.
	MaxMode column.Mode
}

func DefaultPolicy() Policy {
	return Policy{
		DetailBase:             64,
		Near:                   128,
		FullDistance:           256,
		FeaturesDistance:       512,
		SurfaceDistance:        1024,
		SimulateHeightDistance: 2048,
		MaxMode:                column.ModeFull,
	}
}

// DesiredDetail is 0 inside DetailBase and grows by one per doubling of distance beyond it.
func (p Policy) DesiredDetail(dist float64) int {
	if p.DetailBase <= 0 || dist < p.DetailBase {
		return 0
	}
	d := int(math.Floor(math.Log2(dist/p.DetailBase))) + 1
	if d > pos.MaxDetail {
		return pos.MaxDetail
	}
	return d
}

// TargetMode never increases with distance.
func (p Policy) TargetMode(dist float64) column.Mode {
	var m column.Mode
	switch {
	case dist < p.FullDistance:
		m = column.ModeFull
	case dist < p.FeaturesDistance:
		m = column.ModeFeatures
	case dist < p.SurfaceDistance:
		m = column.ModeSurface
	case dist < p.SimulateHeightDistance:
		m = column.ModeBiomeOnlySimulateHeight
	default:
		m = column.ModeBiomeOnly
	}
	if m > p.MaxMode {
		m = p.MaxMode
	}
	return m
}
