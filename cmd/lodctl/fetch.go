package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	get "github.com/hashicorp/go-getter"

	"lodcraft.ai/internal/lod/engine"
)

// fetchCmd downloads a region pack (a directory or archive holding <dim>/r.X.Z/ trees and/or an
// SQLite store) into a staging directory, checks it, then moves its top-level entries into -data.
func fetchCmd(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	src := fs.String("src", "", "pack source: path, URL, or any go-getter address (git::, s3::, gcs::, ...)")
	data := fs.String("data", "./data", "storage directory")
	force := fs.Bool("force", false, "replace existing entries in -data")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*src) == "" {
		return errors.New("missing -src")
	}
	if err := os.MkdirAll(*data, 0o755); err != nil {
		return err
	}
	staging := filepath.Join(*data, ".fetch-"+uuid.NewString())
	defer os.RemoveAll(staging)

	pwd, err := os.Getwd()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "fetching %s\n", *src)
	client := &get.Client{
		Ctx:     ctx,
		Src:     *src,
		Dst:     staging,
		Pwd:     pwd,
		Mode:    get.ClientModeDir,
		Getters: copyingGetters(),
	}
	if err := client.Get(); err != nil {
		return fmt.Errorf("fetch %s: %w", *src, err)
	}

	entries, err := packEntries(staging)
	if err != nil {
		return err
	}
	for _, name := range entries {
		dst := filepath.Join(*data, name)
		if _, err := os.Lstat(dst); err == nil {
			if !*force {
				return fmt.Errorf("%s exists (use -force to replace)", dst)
			}
			if err := os.RemoveAll(dst); err != nil {
				return err
			}
		}
		if err := os.Rename(filepath.Join(staging, name), dst); err != nil {
			return err
		}
		fmt.Fprintf(out, "installed %s\n", dst)
	}
	return nil
}

// copyingGetters is go-getter's default set with local directories copied rather than symlinked,
// so the staging tree can be moved into place.
func copyingGetters() map[string]get.Getter {
	out := make(map[string]get.Getter, len(get.Getters))
	for k, v := range get.Getters {
		out[k] = v
	}
	out["file"] = &get.FileGetter{Copy: true}
	return out
}

// packEntries returns the top-level entries of a fetched pack after checking that it holds at
// least one dimension directory with region subdirectories or an SQLite store.
func packEntries(dir string) ([]string, error) {
	top, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	valid := false
	for _, e := range top {
		names = append(names, e.Name())
		if e.Name() == engine.SQLiteFile && e.Type().IsRegular() {
			valid = true
			continue
		}
		if !e.IsDir() {
			continue
		}
		sub, err := os.ReadDir(filepath.Join(dir, e.Name()))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		for _, s := range sub {
			if s.IsDir() && strings.HasPrefix(s.Name(), "r.") {
				valid = true
				break
			}
		}
	}
	if !valid {
		return nil, fmt.Errorf("pack has no region directories or %s", engine.SQLiteFile)
	}
	return names, nil
}
