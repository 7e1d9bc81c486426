// Package column packs one vertical terrain run into a single uint64.
//
// Layout, least significant bit first:
//
//	exists:1 mode:3 skyLight:4 blockLight:4 depth:10 height:10 blue:8 green:8 red:8 alpha:8
//
// Heights are stored as y+VerticalOffset. Empty (all zero) never collides with a real run
// because every real run carries the exists bit.
package column

import (
	"errors"
	"fmt"
)

type Data uint64

const Empty Data = 0

// Vertical offsets for the two on-disk formats. FormatV1 predates negative world heights.
const (
	VerticalOffset   = 64
	VerticalOffsetV1 = 0

	heightBits = 10
	MaxStored  = 1<<heightBits - 1
	MinY       = -VerticalOffset
	MaxY       = MaxStored - VerticalOffset
)

type field struct {
	shift uint
	bits  uint
}

func (f field) mask() uint64 { return (1<<f.bits - 1) << f.shift }

func (f field) get(d Data) uint64 { return (uint64(d) & f.mask()) >> f.shift }

func (f field) set(d Data, v uint64) Data {
	return Data((uint64(d) &^ f.mask()) | ((v << f.shift) & f.mask()))
}

var (
	fExists     = field{0, 1}
	fMode       = field{1, 3}
	fSkyLight   = field{4, 4}
	fBlockLight = field{8, 4}
	fDepth      = field{12, heightBits}
	fHeight     = field{22, heightBits}
	fBlue       = field{32, 8}
	fGreen      = field{40, 8}
	fRed        = field{48, 8}
	fAlpha      = field{56, 8}
)

var ErrInvalid = errors.New("column: invalid fields")

// Color is 8-bit ARGB.
type Color struct {
	A, R, G, B uint8
}

func (c Color) ARGB() uint32 {
	return uint32(c.A)<<24 | uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B)
}

func ColorFromARGB(v uint32) Color {
	return Color{A: uint8(v >> 24), R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v)}
}

// Fields is the unpacked view of one run. Height and Depth are world Y values.
type Fields struct {
	Height     int
	Depth      int
	Color      Color
	SkyLight   uint8
	BlockLight uint8
	Mode       Mode
}

func (f Fields) Validate() error {
	switch {
	case f.Height < MinY || f.Height > MaxY:
		return fmt.Errorf("%w: height %d outside [%d,%d]", ErrInvalid, f.Height, MinY, MaxY)
	case f.Depth < MinY || f.Depth > MaxY:
		return fmt.Errorf("%w: depth %d outside [%d,%d]", ErrInvalid, f.Depth, MinY, MaxY)
	case f.Depth > f.Height:
		return fmt.Errorf("%w: depth %d above height %d", ErrInvalid, f.Depth, f.Height)
	case f.SkyLight > 15 || f.BlockLight > 15:
		return fmt.Errorf("%w: light sky=%d block=%d", ErrInvalid, f.SkyLight, f.BlockLight)
	case !f.Mode.Valid():
		return fmt.Errorf("%w: mode %d", ErrInvalid, f.Mode)
	}
	return nil
}

// Pack encodes f, rejecting anything that would not round-trip.
func Pack(f Fields) (Data, error) {
	if err := f.Validate(); err != nil {
		return Empty, err
	}
	return pack(f), nil
}

// MustPack is Pack for values known to be valid.
func MustPack(f Fields) Data {
	d, err := Pack(f)
	if err != nil {
		panic(err)
	}
	return d
}

func pack(f Fields) Data {
	var d Data
	d = fExists.set(d, 1)
	d = fMode.set(d, uint64(f.Mode))
	d = fSkyLight.set(d, uint64(f.SkyLight))
	d = fBlockLight.set(d, uint64(f.BlockLight))
	d = fDepth.set(d, uint64(f.Depth+VerticalOffset))
	d = fHeight.set(d, uint64(f.Height+VerticalOffset))
	d = fBlue.set(d, uint64(f.Color.B))
	d = fGreen.set(d, uint64(f.Color.G))
	d = fRed.set(d, uint64(f.Color.R))
	d = fAlpha.set(d, uint64(f.Color.A))
	return d
}

// Unpack decodes d. The result is meaningless for Empty.
func (d Data) Unpack() Fields {
	return Fields{
		Height:     d.Height(),
		Depth:      d.Depth(),
		Color:      d.Color(),
		SkyLight:   uint8(fSkyLight.get(d)),
		BlockLight: uint8(fBlockLight.get(d)),
		Mode:       d.Mode(),
	}
}

func (d Data) Exists() bool { return fExists.get(d) == 1 }

func (d Data) Height() int { return int(fHeight.get(d)) - VerticalOffset }

func (d Data) Depth() int { return int(fDepth.get(d)) - VerticalOffset }

func (d Data) Mode() Mode { return Mode(fMode.get(d)) }

func (d Data) SkyLight() uint8 { return uint8(fSkyLight.get(d)) }

func (d Data) BlockLight() uint8 { return uint8(fBlockLight.get(d)) }

func (d Data) Color() Color {
	return Color{
		A: uint8(fAlpha.get(d)),
		R: uint8(fRed.get(d)),
		G: uint8(fGreen.get(d)),
		B: uint8(fBlue.get(d)),
	}
}

// RenderBounds returns the [bottom, top) span to draw. A run with height == depth still
// gets one unit of thickness.
func (d Data) RenderBounds() (bottom, top int) {
	bottom, top = d.Depth(), d.Height()
	if top <= bottom {
		top = bottom + 1
	}
	return bottom, top
}

// WithMode returns d re-tagged with another generation mode.
func (d Data) WithMode(m Mode) Data {
	if !d.Exists() {
		return d
	}
	return fMode.set(d, uint64(m))
}

// ShiftVertical re-bases the stored heights from one vertical offset to the current one.
// Values that fall outside the current range are clamped to it.
func (d Data) ShiftVertical(fromOffset int) Data {
	if !d.Exists() || fromOffset == VerticalOffset {
		return d
	}
	conv := func(stored uint64) uint64 {
		y := int(stored) - fromOffset
		v := y + VerticalOffset
		if v < 0 {
			v = 0
		}
		if v > MaxStored {
			v = MaxStored
		}
		return uint64(v)
	}
	d = fDepth.set(d, conv(fDepth.get(d)))
	d = fHeight.set(d, conv(fHeight.get(d)))
	return d
}

func (d Data) String() string {
	if !d.Exists() {
		return "EMPTY"
	}
	f := d.Unpack()
	return fmt.Sprintf("[%d..%d %08x sky=%d block=%d %s]", f.Depth, f.Height, f.Color.ARGB(), f.SkyLight, f.BlockLight, f.Mode)
}
