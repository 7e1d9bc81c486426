package regionfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"lodcraft.ai/internal/lod/column"
	"lodcraft.ai/internal/lod/level"
	"lodcraft.ai/internal/lod/pos"
	"lodcraft.ai/internal/lod/region"
)

func sample(height, depth int) column.Data {
	return column.MustPack(column.Fields{Height: height, Depth: depth, Color: column.Color{A: 255, R: 10}, Mode: column.ModeSurface})
}

func TestStore_RoundTripThroughRegion(t *testing.T) {
	ctx := context.Background()
	s := New(t.TempDir())
	caps := region.Caps{1, 1, 1, 1, 1, 1, 1, 1, 1, 1}
	r := region.New("overworld", pos.RegionPos{X: -2, Z: 5}, caps)
	r.Write(3, []region.Cell{{X: 17, Z: 40, Stack: []column.Data{sample(70, 50)}}})
	if _, err := r.Save(ctx, s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "overworld", "r.-2.5", "d3.lod.zst")); err != nil {
		t.Fatalf("expected level file: %v", err)
	}

	got, err := region.Load(ctx, s, "overworld", pos.RegionPos{X: -2, Z: 5}, caps)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for d := 3; d < pos.DetailLevels; d++ {
		if !got.Level(d).Equal(r.Level(d)) {
			t.Fatalf("detail %d differs after reload", d)
		}
		if got.IsDirty(d) {
			t.Fatalf("detail %d dirty after load", d)
		}
	}
	if got.Level(2) != nil {
		t.Fatalf("unsaved level loaded")
	}
}

func TestStore_NotFound(t *testing.T) {
	s := New(t.TempDir())
	_, _, err := s.LoadLevel(context.Background(), region.Key{Dimension: "overworld", Detail: 4})
	if !errors.Is(err, region.ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func writeLegacy(t *testing.T, s *Store, key region.Key, c *level.Container) {
	t.Helper()
	p := s.LegacyPath(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, c.Serialize(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestStore_LegacyFileAndMigrate(t *testing.T) {
	ctx := context.Background()
	s := New(t.TempDir())
	key := region.Key{Dimension: "overworld", X: 1, Z: 1, Detail: 8}
	// Legacy heights carry no offset: 36 stored means y=36, which the current codec reads as y=-28.
	old := level.New(8, 1)
	old.AddData(sample(36-column.VerticalOffset, 20-column.VerticalOffset), 0, 1)
	writeLegacy(t, s, key, old)

	b, version, err := s.LoadLevel(ctx, key)
	if err != nil || version != level.FormatV1 {
		t.Fatalf("LoadLevel version=%d err=%v", version, err)
	}
	c, err := level.Deserialize(b, version, 0)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if d := c.Get(0, 1, 0); d.Height() != 36 || d.Depth() != 20 {
		t.Fatalf("legacy cell=%v want [20..36]", d)
	}

	entries, err := s.List("overworld")
	if err != nil || len(entries) != 1 || entries[0].Version != level.FormatV1 {
		t.Fatalf("List=%+v err=%v", entries, err)
	}
	n, err := s.Migrate(ctx, "overworld")
	if err != nil || n != 1 {
		t.Fatalf("Migrate n=%d err=%v", n, err)
	}
	if _, err := os.Stat(s.LegacyPath(key)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("legacy file kept after migrate: %v", err)
	}
	b, version, err = s.LoadLevel(ctx, key)
	if err != nil || version != level.FormatCurrent {
		t.Fatalf("after migrate version=%d err=%v", version, err)
	}
	c2, err := level.Deserialize(b, version, 0)
	if err != nil || !c2.Equal(c) {
		t.Fatalf("migrated container differs (err=%v)", err)
	}
	if n, _ := s.Migrate(ctx, "overworld"); n != 0 {
		t.Fatalf("second migrate rewrote %d levels", n)
	}
}

func TestStore_ListOrdering(t *testing.T) {
	ctx := context.Background()
	s := New(t.TempDir())
	for _, k := range []region.Key{
		{Dimension: "end", X: 2, Z: 0, Detail: 9},
		{Dimension: "end", X: -1, Z: 3, Detail: 9},
		{Dimension: "end", X: -1, Z: 3, Detail: 7},
	} {
		if err := s.SaveLevel(ctx, k, level.New(k.Detail, 1).Serialize()); err != nil {
			t.Fatalf("SaveLevel: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(s.Dir(), "end", "README"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	entries, err := s.List("end")
	if err != nil || len(entries) != 3 {
		t.Fatalf("List=%v err=%v", entries, err)
	}
	if entries[0].Key.Detail != 7 || entries[1].Key.Detail != 9 || entries[2].Key.X != 2 {
		t.Fatalf("order=%+v", entries)
	}
	if none, err := s.List("missing"); err != nil || len(none) != 0 {
		t.Fatalf("missing dimension: %v %v", none, err)
	}
}

func TestReadFile_RejectsTruncatedBody(t *testing.T) {
	p := filepath.Join(t.TempDir(), "d9.lod.zst")
	if err := WriteFile(p, Header{Version: level.FormatCurrent, Detail: 9, Bytes: 99}, []byte{9, 1}); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, _, err := ReadFile(p); !errors.Is(err, level.ErrMalformed) {
		t.Fatalf("err=%v want ErrMalformed", err)
	}
}

func TestRegionSave_ConcurrentSavesStayReadable(t *testing.T) {
	ctx := context.Background()
	s := New(t.TempDir())
	caps := region.Caps{2, 2, 2, 2, 2, 2, 2, 2, 2, 2}
	rp := pos.RegionPos{X: 1, Z: -1}
	r := region.New("overworld", rp, caps)

	for i := 0; i < 50; i++ {
		r.Write(0, []region.Cell{{X: i, Z: 2 * i, Stack: []column.Data{sample(60+i, 40)}}})
		var wg sync.WaitGroup
		errs := make(chan error, 2)
		for g := 0; g < 2; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := r.Save(ctx, s); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("iteration %d: Save: %v", i, err)
		}
	}
	if r.Dirty() {
		t.Fatalf("region dirty after saves")
	}

	got, err := region.Load(ctx, s, "overworld", rp, caps)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for d := 0; d < pos.DetailLevels; d++ {
		if !got.Level(d).Equal(r.Level(d)) {
			t.Fatalf("detail %d differs after concurrent saves", d)
		}
	}
	files, err := os.ReadDir(filepath.Join(s.Dir(), "overworld", "r.1.-1"))
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		if strings.HasSuffix(f.Name(), ".tmp") {
			t.Fatalf("temporary file left behind: %s", f.Name())
		}
	}
}

func TestWriteFile_ConcurrentWritersInstallWholeFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "d9.lod.zst")
	payloads := make([][]byte, 8)
	for i := range payloads {
		payloads[i] = []byte(strings.Repeat(string(rune('a'+i)), 4096))
	}
	var wg sync.WaitGroup
	errs := make(chan error, len(payloads))
	for _, b := range payloads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- WriteFile(p, Header{Version: level.FormatCurrent, Detail: 9, Bytes: len(b)}, b)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	_, got, err := ReadFile(p)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	whole := false
	for _, b := range payloads {
		whole = whole || string(got) == string(b)
	}
	if !whole {
		t.Fatalf("installed file mixes writers: %q...", got[:16])
	}
}

func TestStore_UndecodableFileIsMalformed(t *testing.T) {
	ctx := context.Background()
	s := New(t.TempDir())
	key := region.Key{Dimension: "overworld", X: 0, Z: 0, Detail: 9}
	if err := os.MkdirAll(filepath.Dir(s.Path(key)), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, body := range [][]byte{nil, []byte("not zstd at all")} {
		if err := os.WriteFile(s.Path(key), body, 0o644); err != nil {
			t.Fatal(err)
		}
		if _, _, err := s.LoadLevel(ctx, key); !errors.Is(err, level.ErrMalformed) {
			t.Fatalf("body %q: err=%v want ErrMalformed", body, err)
		}
	}
}
