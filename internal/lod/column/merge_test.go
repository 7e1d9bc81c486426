package column

import "testing"

func stackOf(t *testing.T, capacity int, runs ...Fields) []Data {
	t.Helper()
	out := make([]Data, capacity)
	for i, f := range runs {
		d, err := Pack(f)
		if err != nil {
			t.Fatalf("Pack: %v", err)
		}
		out[i] = d
	}
	return out
}

func TestMerge_AllEmpty(t *testing.T) {
	got := Merge([][]Data{{Empty}, {Empty}, {Empty}, {Empty}}, 4)
	if len(got) != 4 {
		t.Fatalf("len=%d want 4", len(got))
	}
	for i, d := range got {
		if d != Empty {
			t.Fatalf("slot %d=%v want Empty", i, d)
		}
	}
	if got := Merge(nil, 1); got[0] != Empty {
		t.Fatalf("nil children: got %v", got[0])
	}
}

func TestMerge_SelfMergeKeepsExtents(t *testing.T) {
	red := Color{A: 255, R: 200, G: 40, B: 10}
	s := stackOf(t, 4,
		Fields{Height: 64, Depth: 60, Color: red, SkyLight: 15, Mode: ModeFull},
		Fields{Height: 50, Depth: 40, Color: red, SkyLight: 4, Mode: ModeFull},
		Fields{Height: 20, Depth: 10, Color: red, Mode: ModeFull},
	)
	got := Merge([][]Data{s, s, s, s}, 4)
	for i := 0; i < 3; i++ {
		if got[i].Height() != s[i].Height() || got[i].Depth() != s[i].Depth() {
			t.Fatalf("run %d: got %v want %v", i, got[i], s[i])
		}
		if got[i] != s[i] {
			t.Fatalf("run %d payload changed: got %v want %v", i, got[i], s[i])
		}
	}
	if got[3] != Empty {
		t.Fatalf("slot 3=%v want Empty", got[3])
	}
}

func TestMerge_CapShrinksMonotonically(t *testing.T) {
	s := stackOf(t, 3,
		Fields{Height: 64, Depth: 60, Mode: ModeFull},
		Fields{Height: 50, Depth: 40, Mode: ModeFull},
		Fields{Height: 20, Depth: 10, Mode: ModeFull},
	)
	prev := 4
	for capacity := 3; capacity >= 1; capacity-- {
		got := Merge([][]Data{s, s, s, s}, capacity)
		n := 0
		for _, d := range got {
			if d.Exists() {
				n++
			}
		}
		if n > capacity || n >= prev {
			t.Fatalf("cap %d: %d runs (previous %d)", capacity, n, prev)
		}
		prev = n
		if got[0].Height() != 64 {
			t.Fatalf("cap %d: top=%d want 64", capacity, got[0].Height())
		}
		if bottom := got[n-1].Depth(); bottom != 10 {
			t.Fatalf("cap %d: bottom=%d want 10", capacity, bottom)
		}
	}

	// The closest pair (gap 10 between the upper two) collapses first.
	two := Merge([][]Data{s}, 2)
	if two[0].Depth() != 40 || two[0].Height() != 64 || two[1].Depth() != 10 || two[1].Height() != 20 {
		t.Fatalf("cap 2: got %v %v", two[0], two[1])
	}
}

func TestMerge_CoalescesTouchingRunsAcrossChildren(t *testing.T) {
	a := stackOf(t, 1, Fields{Height: 70, Depth: 64, Mode: ModeFull})
	b := stackOf(t, 1, Fields{Height: 64, Depth: 60, Mode: ModeSurface})
	got := Merge([][]Data{a, b, {Empty}, nil}, 2)
	if got[0].Height() != 70 || got[0].Depth() != 60 {
		t.Fatalf("coalesced=%v want [60..70]", got[0])
	}
	if got[1] != Empty {
		t.Fatalf("unexpected second run %v", got[1])
	}
	if got[0].Mode() != ModeSurface {
		t.Fatalf("mode=%v want SURFACE (lowest contributor)", got[0].Mode())
	}
}

func TestMerge_RootMeanSquareColor(t *testing.T) {
	a := stackOf(t, 1, Fields{Height: 10, Depth: 0, Color: Color{A: 200, R: 0}, Mode: ModeFull})
	b := stackOf(t, 1, Fields{Height: 10, Depth: 0, Color: Color{A: 100, R: 200}, Mode: ModeFull})
	got := Merge([][]Data{a, b}, 1)[0].Color()
	if got.R != 141 {
		t.Fatalf("red=%d want 141 (rms of 0 and 200)", got.R)
	}
	if got.A != 150 {
		t.Fatalf("alpha=%d want 150", got.A)
	}
}

func TestMerge_Deterministic(t *testing.T) {
	a := stackOf(t, 2,
		Fields{Height: 90, Depth: 80, Color: Color{A: 255, G: 90}, Mode: ModeFull},
		Fields{Height: 30, Depth: 5, Color: Color{A: 255, B: 90}, Mode: ModeFull},
	)
	b := stackOf(t, 2,
		Fields{Height: 75, Depth: 70, Color: Color{A: 255, R: 90}, Mode: ModeFeatures},
		Fields{Height: 40, Depth: 35, Mode: ModeFull},
	)
	x := Merge([][]Data{a, b}, 2)
	y := Merge([][]Data{b, a}, 2)
	for i := range x {
		if x[i] != y[i] {
			t.Fatalf("order dependent at %d: %v vs %v", i, x[i], y[i])
		}
	}
}

func TestResize_Grow(t *testing.T) {
	s := stackOf(t, 1, Fields{Height: 5, Depth: 1, Mode: ModeFull})
	got := Resize(s, 3)
	if len(got) != 3 || got[0] != s[0] || got[1] != Empty {
		t.Fatalf("grow: %v", got)
	}
}
