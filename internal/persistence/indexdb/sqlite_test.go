package indexdb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"lodcraft.ai/internal/lod/column"
	"lodcraft.ai/internal/lod/generate"
	"lodcraft.ai/internal/lod/level"
	"lodcraft.ai/internal/lod/pos"
	"lodcraft.ai/internal/lod/region"
)

func openTest(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "lod.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func cell(height, depth int) column.Data {
	return column.MustPack(column.Fields{Height: height, Depth: depth, Color: column.Color{A: 255, G: 90}, Mode: column.ModeFeatures})
}

func TestSQLiteStore_RegionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	caps := region.Caps{2, 2, 2, 2, 2, 2, 2, 2, 2, 2}
	r := region.New("overworld", pos.RegionPos{X: 3, Z: -4}, caps)
	r.Write(0, []region.Cell{
		{X: 0, Z: 0, Stack: []column.Data{cell(90, 70)}},
		{X: 511, Z: 511, Stack: []column.Data{cell(64, 10)}},
	})
	n, err := r.Save(ctx, s)
	if err != nil || n != pos.DetailLevels {
		t.Fatalf("Save n=%d err=%v", n, err)
	}

	got, err := region.Load(ctx, s, "overworld", pos.RegionPos{X: 3, Z: -4}, caps)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for d := 0; d < pos.DetailLevels; d++ {
		if !got.Level(d).Equal(r.Level(d)) {
			t.Fatalf("detail %d differs after reload", d)
		}
		if got.IsDirty(d) {
			t.Fatalf("detail %d dirty after load", d)
		}
	}
	if !got.Exists(pos.FromBlock(0, 3*512+511, -4*512+511)) {
		t.Fatalf("written column missing after reload")
	}
}

func TestSQLiteStore_NotFound(t *testing.T) {
	s := openTest(t)
	_, _, err := s.LoadLevel(context.Background(), region.Key{Dimension: "nether", Detail: 9})
	if !errors.Is(err, region.ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func TestSQLiteStore_ListAndMigrate(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	legacy := region.Key{Dimension: "overworld", X: 0, Z: 0, Detail: 6}
	old := level.New(6, 1)
	old.AddData(cell(40-column.VerticalOffset, 0-column.VerticalOffset), 2, 2)
	if err := s.PutLevel(ctx, legacy, old.Serialize(), level.FormatV1); err != nil {
		t.Fatalf("PutLevel: %v", err)
	}
	current := region.Key{Dimension: "overworld", X: -1, Z: 0, Detail: 9}
	if err := s.SaveLevel(ctx, current, level.New(9, 1).Serialize()); err != nil {
		t.Fatalf("SaveLevel: %v", err)
	}

	entries, err := s.List(ctx, "overworld")
	if err != nil || len(entries) != 2 {
		t.Fatalf("List=%+v err=%v", entries, err)
	}
	if entries[0].Key != current || entries[1].Key != legacy || entries[1].Version != level.FormatV1 {
		t.Fatalf("order=%+v", entries)
	}

	n, err := s.Migrate(ctx, "overworld")
	if err != nil || n != 1 {
		t.Fatalf("Migrate n=%d err=%v", n, err)
	}
	b, version, err := s.LoadLevel(ctx, legacy)
	if err != nil || version != level.FormatCurrent {
		t.Fatalf("after migrate version=%d err=%v", version, err)
	}
	c, err := level.Deserialize(b, version, 0)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if d := c.Get(2, 2, 0); d.Height() != 40 || d.Depth() != 0 {
		t.Fatalf("migrated cell=%v want [0..40]", d)
	}
	if n, _ := s.Migrate(ctx, "overworld"); n != 0 {
		t.Fatalf("second migrate rewrote %d levels", n)
	}
}

func TestSQLiteStore_EventsWrittenOnClose(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "lod.sqlite")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	now := time.Now()
	for i := 0; i < 5; i++ {
		out := generate.OutcomeGenerated
		if i == 4 {
			out = generate.OutcomeFailed
		}
		s.Record(generate.Event{
			Time:      now,
			Dimension: "overworld",
			Chunk:     pos.ChunkPos{X: i, Z: -i},
			Mode:      column.ModeFull.String(),
			Near:      i%2 == 0,
			Outcome:   out,
			Columns:   256,
		})
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Events after close are ignored.
	s.Record(generate.Event{Outcome: generate.OutcomeGenerated})
	if got := s.Stats(); got.EventsWritten != 5 || got.DropEventTotal != 0 {
		t.Fatalf("stats=%+v", got)
	}

	s2, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if n, err := s2.CountEvents(ctx, ""); err != nil || n != 5 {
		t.Fatalf("CountEvents(all)=%d err=%v", n, err)
	}
	if n, err := s2.CountEvents(ctx, generate.OutcomeFailed); err != nil || n != 1 {
		t.Fatalf("CountEvents(failed)=%d err=%v", n, err)
	}
}

func TestSQLiteStore_RecordDropsWhenQueueFull(t *testing.T) {
	s := &SQLiteStore{ch: make(chan generate.Event, 1)}
	s.Record(generate.Event{})
	s.Record(generate.Event{})
	s.Record(generate.Event{})

	st := s.Stats()
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue depth/cap=%d/%d want 1/1", st.QueueDepth, st.QueueCapacity)
	}
	if st.DropEventTotal != 2 {
		t.Fatalf("drop_event_total=%d want 2", st.DropEventTotal)
	}
}

func TestSQLiteStore_UpsertConfig(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	if err := s.UpsertConfig(ctx, "lodd", map[string]any{"render_distance": 1024}); err != nil {
		t.Fatalf("UpsertConfig: %v", err)
	}
	if err := s.UpsertConfig(ctx, "lodd", map[string]any{"render_distance": 2048}); err != nil {
		t.Fatalf("UpsertConfig again: %v", err)
	}
	var n int
	var js string
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), MAX(json) FROM configs`).Scan(&n, &js); err != nil {
		t.Fatalf("query: %v", err)
	}
	if n != 1 || js != `{"render_distance":2048}` {
		t.Fatalf("configs rows=%d json=%s", n, js)
	}
}
