// Package regionfile stores level containers as one file per region level.
//
// Current files are <dir>/<dim>/r.<x>.<z>/d<detail>.lod.zst: a JSON header line followed by the
// container bytes, zstd compressed. Files named d<detail>.lod hold raw container bytes from the
// first format and are read as level.FormatV1.
package regionfile

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"lodcraft.ai/internal/lod/level"
	"lodcraft.ai/internal/lod/region"
)

const (
	currentExt = ".lod.zst"
	legacyExt  = ".lod"
)

type Header struct {
	Version   int    `json:"version"`
	Dimension string `json:"dim"`
	RX        int    `json:"rx"`
	RZ        int    `json:"rz"`
	Detail    int    `json:"detail"`
	Bytes     int    `json:"bytes"`
	SavedAt   string `json:"saved_at,omitempty"`
}

type Store struct {
	dir string
}

func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) regionDir(key region.Key) string {
	return filepath.Join(s.dir, key.Dimension, fmt.Sprintf("r.%d.%d", key.X, key.Z))
}

// Path is where key is written.
func (s *Store) Path(key region.Key) string {
	return filepath.Join(s.regionDir(key), fmt.Sprintf("d%d%s", key.Detail, currentExt))
}

// LegacyPath is where a first-format file for key would be.
func (s *Store) LegacyPath(key region.Key) string {
	return filepath.Join(s.regionDir(key), fmt.Sprintf("d%d%s", key.Detail, legacyExt))
}

func (s *Store) LoadLevel(_ context.Context, key region.Key) ([]byte, int, error) {
	hdr, b, err := ReadFile(s.Path(key))
	if err == nil {
		if hdr.Detail != key.Detail {
			return nil, 0, fmt.Errorf("%s: header detail %d: %w", s.Path(key), hdr.Detail, level.ErrMalformed)
		}
		return b, hdr.Version, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, 0, err
	}
	b, err = os.ReadFile(s.LegacyPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, region.ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	return b, level.FormatV1, nil
}

// SaveLevel writes key in the current format and removes any legacy file it replaces.
func (s *Store) SaveLevel(_ context.Context, key region.Key, data []byte) error {
	hdr := Header{
		Version:   level.FormatCurrent,
		Dimension: key.Dimension,
		RX:        key.X,
		RZ:        key.Z,
		Detail:    key.Detail,
		Bytes:     len(data),
		SavedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	if err := WriteFile(s.Path(key), hdr, data); err != nil {
		return err
	}
	if err := os.Remove(s.LegacyPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// WriteFile writes through a uniquely named temporary file in path's directory and renames it
// over path, so concurrent writers never share a partial file.
func WriteFile(path string, hdr Header, data []byte) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)
	hb, err := json.Marshal(hdr)
	if err != nil {
		return err
	}
	if _, err = bw.Write(hb); err != nil {
		return err
	}
	if err = bw.WriteByte('\n'); err != nil {
		return err
	}
	if _, err = bw.Write(data); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return err
	}
	if err = enc.Close(); err != nil {
		return err
	}
	if err = f.Chmod(0o644); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func ReadFile(path string) (Header, []byte, error) {
	var hdr Header
	f, err := os.Open(path)
	if err != nil {
		return hdr, nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return hdr, nil, fmt.Errorf("%s: %w", path, decodeErr(err))
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return hdr, nil, fmt.Errorf("%s: header: %w", path, decodeErr(err))
	}
	if err := json.Unmarshal(line, &hdr); err != nil {
		return hdr, nil, fmt.Errorf("%s: header: %w: %v", path, level.ErrMalformed, err)
	}
	b, err := io.ReadAll(br)
	if err != nil {
		return hdr, nil, fmt.Errorf("%s: body: %w", path, decodeErr(err))
	}
	if len(b) != hdr.Bytes {
		return hdr, nil, fmt.Errorf("%s: body has %d bytes, header says %d: %w", path, len(b), hdr.Bytes, level.ErrMalformed)
	}
	return hdr, b, nil
}

// decodeErr marks a read failure as malformed content unless the file itself could not be read.
func decodeErr(err error) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return err
	}
	return fmt.Errorf("%w: %v", level.ErrMalformed, err)
}

// Entry is one stored level found on disk.
type Entry struct {
	Key     region.Key
	Path    string
	Version int
	Size    int64
}

// List returns every stored level of a dimension, ordered by region then detail. A level present
// in both formats is listed once, as the current one.
func (s *Store) List(dim string) ([]Entry, error) {
	root := filepath.Join(s.dir, dim)
	regions, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	byKey := map[region.Key]Entry{}
	for _, rd := range regions {
		if !rd.IsDir() {
			continue
		}
		rx, rz, ok := parseRegionDir(rd.Name())
		if !ok {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, rd.Name()))
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			detail, version, ok := parseLevelFile(f.Name())
			if !ok {
				continue
			}
			info, err := f.Info()
			if err != nil {
				return nil, err
			}
			key := region.Key{Dimension: dim, X: rx, Z: rz, Detail: detail}
			if prev, seen := byKey[key]; seen && prev.Version > version {
				continue
			}
			byKey[key] = Entry{Key: key, Path: filepath.Join(root, rd.Name(), f.Name()), Version: version, Size: info.Size()}
		}
	}
	out := make([]Entry, 0, len(byKey))
	for _, e := range byKey {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.X != b.X {
			return a.X < b.X
		}
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		return a.Detail < b.Detail
	})
	return out, nil
}

func parseRegionDir(name string) (int, int, bool) {
	parts := strings.Split(name, ".")
	if len(parts) != 3 || parts[0] != "r" {
		return 0, 0, false
	}
	x, err1 := strconv.Atoi(parts[1])
	z, err2 := strconv.Atoi(parts[2])
	return x, z, err1 == nil && err2 == nil
}

func parseLevelFile(name string) (detail, version int, ok bool) {
	var stem string
	switch {
	case strings.HasSuffix(name, currentExt):
		stem, version = strings.TrimSuffix(name, currentExt), level.FormatCurrent
	case strings.HasSuffix(name, legacyExt):
		stem, version = strings.TrimSuffix(name, legacyExt), level.FormatV1
	default:
		return 0, 0, false
	}
	if !strings.HasPrefix(stem, "d") {
		return 0, 0, false
	}
	d, err := strconv.Atoi(stem[1:])
	if err != nil || d < 0 || d > 9 {
		return 0, 0, false
	}
	return d, version, true
}

// Migrate rewrites every legacy level of dim in the current format. It returns the number of
// levels rewritten.
func (s *Store) Migrate(ctx context.Context, dim string) (int, error) {
	entries, err := s.List(dim)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.Version == level.FormatCurrent {
			continue
		}
		if err := ctx.Err(); err != nil {
			return n, err
		}
		b, version, err := s.LoadLevel(ctx, e.Key)
		if err != nil {
			return n, err
		}
		c, err := level.Deserialize(b, version, 0)
		if err != nil {
			return n, fmt.Errorf("%s: %w", e.Path, err)
		}
		if err := s.SaveLevel(ctx, e.Key, c.Serialize()); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
