package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lodcraft.ai/internal/lod/column"
	"lodcraft.ai/internal/lod/level"
	"lodcraft.ai/internal/lod/pos"
	"lodcraft.ai/internal/lod/region"
	"lodcraft.ai/internal/persistence/regionfile"
)

func seed(t *testing.T, dir string) {
	t.Helper()
	ctx := context.Background()
	r := region.New("overworld", pos.RegionPos{X: 1, Z: -1}, region.DefaultCaps())
	stack := []column.Data{column.MustPack(column.Fields{Height: 80, Depth: 30, Color: column.Color{A: 255}, Mode: column.ModeSurface})}
	r.Write(4, []region.Cell{{X: 2, Z: 2, Stack: stack}})
	if _, err := r.Save(ctx, regionfile.New(dir)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// One legacy level in another region.
	old := level.New(9, 1)
	// First-format words store world Y directly, so y=100 was written as the raw field value 100.
	old.AddData(column.MustPack(column.Fields{Height: 100 - column.VerticalOffset, Depth: 90 - column.VerticalOffset, Mode: column.ModeFull}), 0, 0)
	legacy := regionfile.New(dir).LegacyPath(region.Key{Dimension: "overworld", X: 0, Z: 0, Detail: 9})
	if err := os.MkdirAll(filepath.Dir(legacy), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(legacy, old.Serialize(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestListInspectMigrate(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	seed(t, dir)

	var out bytes.Buffer
	if err := listCmd(ctx, []string{"-data", dir, "-dim", "overworld"}, &out); err != nil {
		t.Fatalf("list: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	// Region 0,0 holds one legacy level; region 1,-1 holds details 4..9.
	if len(lines) != 7 || !strings.HasPrefix(lines[0], "r.0.0 d9 v1 ") || !strings.HasPrefix(lines[1], "r.1.-1 d4 v2 ") {
		t.Fatalf("list output:\n%s", out.String())
	}

	out.Reset()
	if err := inspectCmd(ctx, []string{"-data", dir, "-region", "1,-1", "-detail", "4"}, &out); err != nil {
		t.Fatalf("inspect: %v", err)
	}
	var s Summary
	if err := json.Unmarshal(out.Bytes(), &s); err != nil {
		t.Fatalf("decode summary: %v\n%s", err, out.String())
	}
	if s.Detail != 4 || s.Populated != 1 || s.MaxHeight != 80 || s.MinDepth != 30 || s.Modes["SURFACE"] != 1 || s.Version != level.FormatCurrent {
		t.Fatalf("summary=%+v", s)
	}

	out.Reset()
	if err := migrateCmd(ctx, []string{"-data", dir}, &out); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if strings.TrimSpace(out.String()) != "migrated 1 levels" {
		t.Fatalf("migrate output=%q", out.String())
	}

	out.Reset()
	file := regionfile.New(dir).Path(region.Key{Dimension: "overworld", Detail: 9})
	if err := inspectCmd(ctx, []string{"-file", file}, &out); err != nil {
		t.Fatalf("inspect -file: %v", err)
	}
	if err := json.Unmarshal(out.Bytes(), &s); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if s.Version != level.FormatCurrent || s.Populated != 1 || s.MaxHeight != 100 || s.MinDepth != 90 {
		t.Fatalf("migrated summary=%+v", s)
	}
}

func TestInspect_BadArgs(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	var out bytes.Buffer
	if err := inspectCmd(ctx, []string{"-data", dir, "-region", "nope"}, &out); err == nil {
		t.Fatalf("bad region accepted")
	}
	if err := inspectCmd(ctx, []string{"-data", dir, "-region", "5,5"}, &out); err == nil {
		t.Fatalf("missing level accepted")
	}
	if err := listCmd(ctx, []string{"-data", dir, "-backend", "tape"}, &out); err == nil {
		t.Fatalf("unknown backend accepted")
	}
	if err := listCmd(ctx, []string{"-data", dir, "-backend", "sqlite"}, &out); err == nil {
		t.Fatalf("missing sqlite file accepted")
	}
}

func TestFetch_LocalDirectory(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	seed(t, src)
	data := filepath.Join(t.TempDir(), "data")

	var out bytes.Buffer
	if err := fetchCmd(ctx, []string{"-src", src, "-data", data}, &out); err != nil {
		t.Fatalf("fetch: %v\n%s", err, out.String())
	}
	entries, err := regionfile.New(data).List("overworld")
	if err != nil || len(entries) != 7 {
		t.Fatalf("fetched entries=%d err=%v", len(entries), err)
	}
	if err := fetchCmd(ctx, []string{"-src", src, "-data", data}, &out); err == nil {
		t.Fatalf("fetch over existing data without -force")
	}
	if err := fetchCmd(ctx, []string{"-src", src, "-data", data, "-force"}, &out); err != nil {
		t.Fatalf("fetch -force: %v", err)
	}
	left, _ := filepath.Glob(filepath.Join(data, ".fetch-*"))
	if len(left) != 0 {
		t.Fatalf("staging left behind: %v", left)
	}
}

func TestFetch_RejectsNonPack(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "README"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := fetchCmd(context.Background(), []string{"-src", src, "-data", t.TempDir()}, &out); err == nil {
		t.Fatalf("non-pack directory accepted")
	}
}
