package column

import (
	"fmt"
	"math"
	"sort"
)

// A run occupies [depth, height); two runs touch when one's height reaches the other's depth.

type accum struct {
	top, bottom int
	mode        Mode

	w                  float64
	alpha              float64
	red2, green2, blu2 float64
	sky, block         float64
}

func newAccum(d Data) accum {
	f := d.Unpack()
	w := float64(f.Height - f.Depth)
	if w < 1 {
		w = 1
	}
	r, g, b := float64(f.Color.R), float64(f.Color.G), float64(f.Color.B)
	return accum{
		top:    f.Height,
		bottom: f.Depth,
		mode:   f.Mode,
		w:      w,
		alpha:  w * float64(f.Color.A),
		red2:   w * r * r,
		green2: w * g * g,
		blu2:   w * b * b,
		sky:    w * float64(f.SkyLight),
		block:  w * float64(f.BlockLight),
	}
}

func (a *accum) absorb(o accum) {
	if o.top > a.top {
		a.top = o.top
	}
	if o.bottom < a.bottom {
		a.bottom = o.bottom
	}
	a.mode = MinMode(a.mode, o.mode)
	a.w += o.w
	a.alpha += o.alpha
	a.red2 += o.red2
	a.green2 += o.green2
	a.blu2 += o.blu2
	a.sky += o.sky
	a.block += o.block
}

func (a accum) data() Data {
	channel := func(sq float64) uint8 {
		return uint8(math.Min(255, math.Round(math.Sqrt(sq/a.w))))
	}
	linear := func(sum float64, hi float64) uint8 {
		return uint8(math.Min(hi, math.Round(sum/a.w)))
	}
	return pack(Fields{
		Height: a.top,
		Depth:  a.bottom,
		Color: Color{
			A: linear(a.alpha, 255),
			R: channel(a.red2),
			G: channel(a.green2),
			B: channel(a.blu2),
		},
		SkyLight:   linear(a.sky, 15),
		BlockLight: linear(a.block, 15),
		Mode:       a.mode,
	})
}

// Merge combines the run stacks of several cells into one stack of at most capacity runs,
// topmost first and padded with Empty.
//
// All runs are pooled, runs that touch or overlap are coalesced, and while too many remain the
// adjacent pair separated by the smallest vertical gap is fused, the deepest such pair on ties.
// Colors blend as area-weighted root-mean-square per channel; alpha and light blend linearly.
// The merged mode is the lowest mode that contributed.
func Merge(children [][]Data, capacity int) []Data {
	if capacity < 1 {
		panic(fmt.Sprintf("column: merge capacity %d < 1", capacity))
	}
	var runs []Data
	for _, stack := range children {
		for _, d := range stack {
			if d.Exists() {
				runs = append(runs, d)
			}
		}
	}
	out := make([]Data, capacity)
	if len(runs) == 0 {
		return out
	}

	sort.Slice(runs, func(i, j int) bool {
		a, b := runs[i], runs[j]
		if a.Height() != b.Height() {
			return a.Height() > b.Height()
		}
		if a.Depth() != b.Depth() {
			return a.Depth() > b.Depth()
		}
		return a < b
	})

	acc := make([]accum, 0, len(runs))
	acc = append(acc, newAccum(runs[0]))
	for _, d := range runs[1:] {
		last := &acc[len(acc)-1]
		if d.Height() >= last.bottom {
			last.absorb(newAccum(d))
			continue
		}
		acc = append(acc, newAccum(d))
	}

	for len(acc) > capacity {
		best := 0
		bestGap := math.MaxInt
		for i := 0; i+1 < len(acc); i++ {
			if gap := acc[i].bottom - acc[i+1].top; gap <= bestGap {
				best, bestGap = i, gap
			}
		}
		acc[best].absorb(acc[best+1])
		acc = append(acc[:best+1], acc[best+2:]...)
	}

	for i, a := range acc {
		out[i] = a.data()
	}
	return out
}

// Resize re-fits one stack to a different capacity.
func Resize(stack []Data, capacity int) []Data {
	return Merge([][]Data{stack}, capacity)
}

// Top is the first (topmost) run of a stack, or Empty.
func Top(stack []Data) Data {
	if len(stack) == 0 {
		return Empty
	}
	return stack[0]
}
