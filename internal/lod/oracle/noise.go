// Package oracle provides a deterministic terrain source for the generation scheduler. It stands in
// for a host game's world generator: same seed and chunk always give the same samples, and each
// higher mode adds detail on top of the one below it.
package oracle

import (
	"context"

	"lodcraft.ai/internal/lod/column"
	"lodcraft.ai/internal/lod/generate"
	"lodcraft.ai/internal/lod/mathx"
	"lodcraft.ai/internal/lod/pos"
)

type Biome uint8

const (
	Plains Biome = iota
	Forest
	Desert
)

func (b Biome) String() string {
	switch b {
	case Plains:
		return "PLAINS"
	case Forest:
		return "FOREST"
	default:
		return "DESERT"
	}
}

type Config struct {
	Seed      int64
	SeaLevel  int
	BiomeSize int // blocks per biome cell
	// SingleThreaded marks the oracle as gaining nothing from parallel FULL generation.
	SingleThreaded bool
}

type Noise struct {
	cfg Config
}

func New(cfg Config) *Noise {
	if cfg.BiomeSize <= 0 {
		cfg.BiomeSize = 256
	}
	return &Noise{cfg: cfg}
}

func (n *Noise) SingleThreaded() bool { return n.cfg.SingleThreaded }

// BiomeAt picks a biome per BiomeSize cell.
func (n *Noise) BiomeAt(x, z int) Biome {
	rx := mathx.FloorDiv(x, n.cfg.BiomeSize)
	rz := mathx.FloorDiv(z, n.cfg.BiomeSize)
	return Biome(mathx.Hash2(n.cfg.Seed, rx, rz) % 3)
}

func (n *Noise) baseHeight(b Biome) int {
	switch b {
	case Desert:
		return n.cfg.SeaLevel + 6
	case Forest:
		return n.cfg.SeaLevel + 10
	default:
		return n.cfg.SeaLevel + 4
	}
}

// valueNoise is bilinear interpolation of lattice hashes spaced scale blocks apart, in [0,1).
func valueNoise(seed int64, x, z, scale int) float64 {
	gx, gz := mathx.FloorDiv(x, scale), mathx.FloorDiv(z, scale)
	fx := float64(mathx.Mod(x, scale)) / float64(scale)
	fz := float64(mathx.Mod(z, scale)) / float64(scale)
	v00 := mathx.Unit(mathx.Hash2(seed, gx, gz))
	v10 := mathx.Unit(mathx.Hash2(seed, gx+1, gz))
	v01 := mathx.Unit(mathx.Hash2(seed, gx, gz+1))
	v11 := mathx.Unit(mathx.Hash2(seed, gx+1, gz+1))
	a := v00 + (v10-v00)*fx
	b := v01 + (v11-v01)*fx
	return a + (b-a)*fz
}

// HeightAt is the terrain surface at block column (x, z) for modes that simulate height.
func (n *Noise) HeightAt(x, z int, mode column.Mode) int {
	b := n.BiomeAt(x, z)
	h := n.baseHeight(b)
	if mode < column.ModeBiomeOnlySimulateHeight {
		return h
	}
	h += int(valueNoise(n.cfg.Seed, x, z, 64)*48) - 16
	if mode >= column.ModeSurface {
		h += int(valueNoise(n.cfg.Seed^0x5f3759df, x, z, 16)*10) - 5
	}
	return mathx.Clamp(h, column.MinY+8, column.MaxY-16)
}

var (
	stone = column.Color{A: 255, R: 112, G: 112, B: 112}
	water = column.Color{A: 160, R: 40, G: 70, B: 200}
	trunk = column.Color{A: 255, R: 102, G: 76, B: 40}
	leafC = column.Color{A: 230, R: 50, G: 120, B: 40}
)

func topColor(b Biome) column.Color {
	switch b {
	case Desert:
		return column.Color{A: 255, R: 219, G: 207, B: 160}
	case Forest:
		return column.Color{A: 255, R: 70, G: 125, B: 50}
	default:
		return column.Color{A: 255, R: 110, G: 160, B: 70}
	}
}

// Column returns the runs of block column (x, z) at mode, topmost first.
func (n *Noise) Column(x, z int, mode column.Mode) []column.Fields {
	b := n.BiomeAt(x, z)
	h := n.HeightAt(x, z, mode)
	var runs []column.Fields

	if mode >= column.ModeFeatures && b == Forest && mathx.Hash2(n.cfg.Seed^0x7ee5, x, z)%1000 < 40 {
		runs = append(runs,
			column.Fields{Height: h + 8, Depth: h + 5, Color: leafC, SkyLight: 15},
			column.Fields{Height: h + 4, Depth: h, Color: trunk, SkyLight: 12},
		)
	}
	if h < n.cfg.SeaLevel {
		runs = append(runs, column.Fields{Height: n.cfg.SeaLevel, Depth: h, Color: water, SkyLight: 15})
	}
	if mode < column.ModeSurface {
		return append(runs, column.Fields{Height: h, Depth: column.MinY, Color: topColor(b), SkyLight: 15})
	}

	soil := h - 3
	runs = append(runs, column.Fields{Height: h, Depth: soil, Color: topColor(b), SkyLight: 15})
	if mode == column.ModeFull {
		// Caves split the stone below the soil.
		if cv := mathx.Hash2(n.cfg.Seed^0xca7e, x>>2, z>>2); cv%1000 < 150 {
			top := soil - 4 - int(cv>>20%12)
			bottom := top - 6 - int(cv>>30%6)
			if bottom > column.MinY {
				runs = append(runs,
					column.Fields{Height: soil, Depth: top, Color: stone, SkyLight: 4},
					column.Fields{Height: bottom, Depth: column.MinY, Color: stone},
				)
				return runs
			}
		}
	}
	return append(runs, column.Fields{Height: soil, Depth: column.MinY, Color: stone, SkyLight: 4})
}

func (n *Noise) Generate(ctx context.Context, chunk pos.ChunkPos, mode column.Mode) ([]generate.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bx, bz := chunk.X*pos.ChunkWidth, chunk.Z*pos.ChunkWidth
	out := make([]generate.Sample, 0, pos.ChunkWidth*pos.ChunkWidth)
	for x := 0; x < pos.ChunkWidth; x++ {
		for z := 0; z < pos.ChunkWidth; z++ {
			out = append(out, generate.Sample{X: x, Z: z, Runs: n.Column(bx+x, bz+z, mode)})
		}
	}
	return out, nil
}
