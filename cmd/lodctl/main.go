package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"lodcraft.ai/internal/lod/column"
	"lodcraft.ai/internal/lod/engine"
	"lodcraft.ai/internal/lod/level"
	"lodcraft.ai/internal/lod/region"
	"lodcraft.ai/internal/persistence/indexdb"
	"lodcraft.ai/internal/persistence/regionfile"
)

const usage = `usage: lodctl <command> [flags]

commands:
  list     list stored region levels of a dimension
  inspect  summarize one stored level
  migrate  rewrite older-format levels in the current format
  fetch    download a region pack into the data directory
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	ctx := context.Background()
	var err error
	switch os.Args[1] {
	case "list":
		err = listCmd(ctx, os.Args[2:], os.Stdout)
	case "inspect":
		err = inspectCmd(ctx, os.Args[2:], os.Stdout)
	case "migrate":
		err = migrateCmd(ctx, os.Args[2:], os.Stdout)
	case "fetch":
		err = fetchCmd(ctx, os.Args[2:], os.Stdout)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "lodctl:", err)
		os.Exit(1)
	}
}

type storeFlags struct {
	data    *string
	backend *string
	dim     *string
}

func addStoreFlags(fs *flag.FlagSet) storeFlags {
	return storeFlags{
		data:    fs.String("data", "./data", "storage directory"),
		backend: fs.String("backend", "file", "storage backend: file|sqlite"),
		dim:     fs.String("dim", "overworld", "dimension id"),
	}
}

// backend is the subset of both persistent stores lodctl needs.
type backend struct {
	store   region.Store
	list    func(ctx context.Context) ([]listed, error)
	migrate func(ctx context.Context) (int, error)
	close   func() error
}

type listed struct {
	Key     region.Key `json:"key"`
	Version int        `json:"version"`
	Size    int64      `json:"size"`
	Where   string     `json:"where"`
}

func (f storeFlags) open() (*backend, error) {
	dim := strings.TrimSpace(*f.dim)
	if dim == "" {
		return nil, errors.New("missing -dim")
	}
	switch strings.ToLower(strings.TrimSpace(*f.backend)) {
	case "file":
		s := regionfile.New(*f.data)
		return &backend{
			store: s,
			list: func(context.Context) ([]listed, error) {
				entries, err := s.List(dim)
				if err != nil {
					return nil, err
				}
				out := make([]listed, 0, len(entries))
				for _, e := range entries {
					out = append(out, listed{Key: e.Key, Version: e.Version, Size: e.Size, Where: e.Path})
				}
				return out, nil
			},
			migrate: func(ctx context.Context) (int, error) { return s.Migrate(ctx, dim) },
			close:   func() error { return nil },
		}, nil
	case "sqlite":
		path := filepath.Join(*f.data, engine.SQLiteFile)
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
		db, err := indexdb.OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		return &backend{
			store: db,
			list: func(ctx context.Context) ([]listed, error) {
				entries, err := db.List(ctx, dim)
				if err != nil {
					return nil, err
				}
				out := make([]listed, 0, len(entries))
				for _, e := range entries {
					out = append(out, listed{Key: e.Key, Version: e.Version, Size: int64(e.Size), Where: e.SavedAt})
				}
				return out, nil
			},
			migrate: func(ctx context.Context) (int, error) { return db.Migrate(ctx, dim) },
			close:   db.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unknown -backend %q", *f.backend)
	}
}

func listCmd(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	asJSON := fs.Bool("json", false, "print JSON lines")
	if err := fs.Parse(args); err != nil {
		return err
	}
	b, err := sf.open()
	if err != nil {
		return err
	}
	defer b.close()

	entries, err := b.list(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	for _, e := range entries {
		if *asJSON {
			if err := enc.Encode(e); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintf(out, "r.%d.%d d%d v%d %d bytes %s\n", e.Key.X, e.Key.Z, e.Key.Detail, e.Version, e.Size, e.Where)
	}
	return nil
}

func migrateCmd(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	b, err := sf.open()
	if err != nil {
		return err
	}
	defer b.close()

	n, err := b.migrate(ctx)
	fmt.Fprintf(out, "migrated %d levels\n", n)
	return err
}

// Summary describes one level container.
type Summary struct {
	Detail      int            `json:"detail"`
	Size        int            `json:"size"`
	VerticalCap int            `json:"vertical_cap"`
	Version     int            `json:"version"`
	Populated   int            `json:"populated"`
	Full        bool           `json:"full"`
	Runs        int            `json:"runs"`
	MinDepth    int            `json:"min_depth"`
	MaxHeight   int            `json:"max_height"`
	Modes       map[string]int `json:"modes"`
}

func summarize(c *level.Container, version int) Summary {
	s := Summary{
		Detail:      c.Detail(),
		Size:        c.Size(),
		VerticalCap: c.VerticalCap(),
		Version:     version,
		Full:        c.Full(),
		MinDepth:    column.MaxY,
		MaxHeight:   column.MinY,
		Modes:       map[string]int{},
	}
	c.ForEach(func(_, _ int, stack []column.Data) bool {
		s.Populated++
		s.Modes[stack[0].Mode().String()]++
		for _, d := range stack {
			if !d.Exists() {
				break
			}
			s.Runs++
			s.MinDepth = min(s.MinDepth, d.Depth())
			s.MaxHeight = max(s.MaxHeight, d.Height())
		}
		return true
	})
	if s.Populated == 0 {
		s.MinDepth, s.MaxHeight = 0, 0
	}
	return s
}

func inspectCmd(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	file := fs.String("file", "", "read one region level file directly instead of going through a store")
	regionXZ := fs.String("region", "0,0", "region coordinates x,z")
	detail := fs.Int("detail", 9, "detail level")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		b       []byte
		version int
		err     error
	)
	if p := strings.TrimSpace(*file); p != "" {
		if strings.HasSuffix(p, ".lod.zst") {
			var hdr regionfile.Header
			hdr, b, err = regionfile.ReadFile(p)
			version = hdr.Version
		} else {
			b, err = os.ReadFile(p)
			version = level.FormatV1
		}
		if err != nil {
			return err
		}
	} else {
		rx, rz, err := parseXZ(*regionXZ)
		if err != nil {
			return err
		}
		st, err := sf.open()
		if err != nil {
			return err
		}
		defer st.close()
		key := region.Key{Dimension: *sf.dim, X: rx, Z: rz, Detail: *detail}
		b, version, err = st.store.LoadLevel(ctx, key)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	c, err := level.Deserialize(b, version, 0)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(summarize(c, version))
}

func parseXZ(s string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad region %q, want x,z", s)
	}
	x, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	z, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		return 0, 0, fmt.Errorf("bad region %q, want x,z", s)
	}
	return x, z, nil
}
