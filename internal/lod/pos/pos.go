// Package pos holds the detail-level coordinate system shared by the LOD store.
//
// A position at detail level d addresses a square cell of 2^d by 2^d blocks. Detail 0 is one block,
// ChunkDetail is one 16x16 chunk, RegionDetail is one whole region.
package pos

import (
	"fmt"
	"math"

	"lodcraft.ai/internal/lod/mathx"
)

const (
	ChunkDetail  = 4
	RegionDetail = 9
	MaxDetail    = RegionDetail
	DetailLevels = MaxDetail + 1

	ChunkWidth  = 1 << ChunkDetail
	RegionWidth = 1 << RegionDetail
)

// BlockWidth is the number of blocks covered by one cell edge at the given detail.
func BlockWidth(detail int) int {
	return 1 << detail
}

// ContainerSize is the number of cells along one edge of a region at the given detail.
func ContainerSize(detail int) int {
	checkDetail(detail)
	return 1 << (RegionDetail - detail)
}

func checkDetail(detail int) {
	if detail < 0 || detail > MaxDetail {
		panic(fmt.Sprintf("pos: detail level %d out of range [0,%d]", detail, MaxDetail))
	}
}

type Pos struct {
	Detail int
	X, Z   int
}

type RegionPos struct {
	X, Z int
}

type ChunkPos struct {
	X, Z int
}

func (p ChunkPos) String() string { return fmt.Sprintf("%d,%d", p.X, p.Z) }

func (p RegionPos) String() string { return fmt.Sprintf("%d,%d", p.X, p.Z) }

// FromBlock returns the cell at detail containing the block column (bx, bz).
func FromBlock(detail, bx, bz int) Pos {
	checkDetail(detail)
	w := BlockWidth(detail)
	return Pos{Detail: detail, X: mathx.FloorDiv(bx, w), Z: mathx.FloorDiv(bz, w)}
}

// Convert moves p to another detail level. Going coarser returns the containing cell,
// going finer returns the cell at p's minimum corner.
func (p Pos) Convert(detail int) Pos {
	checkDetail(detail)
	if detail >= p.Detail {
		w := 1 << (detail - p.Detail)
		return Pos{Detail: detail, X: mathx.FloorDiv(p.X, w), Z: mathx.FloorDiv(p.Z, w)}
	}
	shift := p.Detail - detail
	return Pos{Detail: detail, X: p.X << shift, Z: p.Z << shift}
}

func (p Pos) Region() RegionPos {
	r := p.Convert(RegionDetail)
	return RegionPos{X: r.X, Z: r.Z}
}

// Local is the cell index inside the owning region's container at p.Detail.
func (p Pos) Local() (x, z int) {
	size := ContainerSize(p.Detail)
	return mathx.Mod(p.X, size), mathx.Mod(p.Z, size)
}

// MinBlock is the block column at the cell's minimum corner.
func (p Pos) MinBlock() (x, z int) {
	w := BlockWidth(p.Detail)
	return p.X * w, p.Z * w
}

// Chunk is the chunk containing the cell's minimum corner.
func (p Pos) Chunk() ChunkPos {
	bx, bz := p.MinBlock()
	return ChunkPos{X: mathx.FloorDiv(bx, ChunkWidth), Z: mathx.FloorDiv(bz, ChunkWidth)}
}

// Distance is the euclidean distance from (x, z) to the nearest point of the cell.
func (p Pos) Distance(x, z float64) float64 {
	bx, bz := p.MinBlock()
	w := float64(BlockWidth(p.Detail))
	dx := axisGap(x, float64(bx), float64(bx)+w)
	dz := axisGap(z, float64(bz), float64(bz)+w)
	return math.Sqrt(dx*dx + dz*dz)
}

func axisGap(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo - v
	case v > hi:
		return v - hi
	default:
		return 0
	}
}

func (p Pos) String() string { return fmt.Sprintf("d%d[%d,%d]", p.Detail, p.X, p.Z) }

// Pos returns the chunk as a detail-level position.
func (c ChunkPos) Pos() Pos {
	return Pos{Detail: ChunkDetail, X: c.X, Z: c.Z}
}

func (r RegionPos) Pos() Pos {
	return Pos{Detail: RegionDetail, X: r.X, Z: r.Z}
}

// RegionOfBlock is the region containing block column (bx, bz).
func RegionOfBlock(bx, bz int) RegionPos {
	return RegionPos{X: mathx.FloorDiv(bx, RegionWidth), Z: mathx.FloorDiv(bz, RegionWidth)}
}

// RegionOf is the region containing a (possibly fractional) world position.
func RegionOf(x, z float64) RegionPos {
	return RegionOfBlock(int(math.Floor(x)), int(math.Floor(z)))
}
