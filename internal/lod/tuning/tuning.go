// Package tuning loads lod.yaml.
package tuning

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"lodcraft.ai/internal/lod/column"
	"lodcraft.ai/internal/lod/dimension"
	"lodcraft.ai/internal/lod/pos"
	"lodcraft.ai/internal/lod/region"
)

var ErrInvalid = errors.New("invalid lod config")

//go:embed schema.json
var schemaJSON string

type Config struct {
	DimensionID        string  `yaml:"dimension_id"`
	RenderDistance     int     `yaml:"render_distance"`
	DetailBaseDistance float64 `yaml:"detail_base_distance"`
	NearDistance       float64 `yaml:"near_distance"`
	TickRateHz         int     `yaml:"tick_rate_hz"`
	MaxVerticalData    []int   `yaml:"max_vertical_data"`

	Generation Generation `yaml:"generation"`
	Storage    Storage    `yaml:"storage"`
	Events     Events     `yaml:"events"`
}

type Generation struct {
	Mode                   string  `yaml:"mode"`
	WorkerThreads          int     `yaml:"worker_threads"`
	Fanout                 int     `yaml:"fanout"`
	MaxPerSecond           float64 `yaml:"max_per_second"`
	FullDistance           float64 `yaml:"full_distance"`
	FeaturesDistance       float64 `yaml:"features_distance"`
	SurfaceDistance        float64 `yaml:"surface_distance"`
	SimulateHeightDistance float64 `yaml:"simulate_height_distance"`
	SingleThreadedOracle   bool    `yaml:"single_threaded_oracle"`
	Seed                   int64   `yaml:"seed"`
	SeaLevel               int     `yaml:"sea_level"`
}

type Storage struct {
	Backend        string `yaml:"backend"` // memory | file | sqlite
	Dir            string `yaml:"dir"`
	SaveEveryTicks int    `yaml:"save_every_ticks"`
	Mirror         Mirror `yaml:"mirror"`
}

// Mirror uploads every saved level file of the file backend to an S3-compatible bucket.
// Credentials never come from the YAML file.
type Mirror struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	Bucket        string `yaml:"bucket"`
	Region        string `yaml:"region"`
	Prefix        string `yaml:"prefix"`
	Workers       int    `yaml:"workers"`
	QueueCapacity int    `yaml:"queue_capacity"`

	AccessKeyID     string `yaml:"-" json:"-"`
	SecretAccessKey string `yaml:"-" json:"-"`
}

type Events struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	return Parse(b)
}

// Parse decodes a lod.yaml document, checks it against the embedded schema and applies it over
// the defaults.
func Parse(b []byte) (Config, error) {
	cfg := Defaults()
	if err := validateSchema(b); err != nil {
		return cfg, fmt.Errorf("lod.yaml: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("lod.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("lod.yaml: %w", err)
	}
	return cfg, nil
}

func Defaults() Config {
	caps := region.DefaultCaps()
	p := dimension.DefaultPolicy()
	return Config{
		DimensionID:        "overworld",
		RenderDistance:     2048,
		DetailBaseDistance: p.DetailBase,
		NearDistance:       p.Near,
		TickRateHz:         20,
		MaxVerticalData:    caps[:],
		Generation: Generation{
			Mode:                   column.ModeFull.String(),
			WorkerThreads:          4,
			Fanout:                 4,
			FullDistance:           p.FullDistance,
			FeaturesDistance:       p.FeaturesDistance,
			SurfaceDistance:        p.SurfaceDistance,
			SimulateHeightDistance: p.SimulateHeightDistance,
			SeaLevel:               62,
		},
		Storage: Storage{Backend: "file", Dir: "data", SaveEveryTicks: 600},
	}
}

func (c *Config) Normalize() {
	c.DimensionID = strings.TrimSpace(c.DimensionID)
	c.Generation.Mode = strings.ToUpper(strings.TrimSpace(c.Generation.Mode))
	if c.Generation.Mode == "" {
		c.Generation.Mode = column.ModeFull.String()
	}
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = "file"
	}
	if c.Generation.WorkerThreads <= 0 {
		c.Generation.WorkerThreads = 1
	}
	if c.Generation.Fanout <= 0 {
		c.Generation.Fanout = 1
	}
	if c.TickRateHz <= 0 {
		c.TickRateHz = 20
	}
	if len(c.MaxVerticalData) == 0 {
		caps := region.DefaultCaps()
		c.MaxVerticalData = caps[:]
	}
	if c.Storage.Mirror.Workers <= 0 {
		c.Storage.Mirror.Workers = 2
	}
	if c.Storage.Mirror.QueueCapacity <= 0 {
		c.Storage.Mirror.QueueCapacity = 2048
	}
	if c.Events.Enabled && strings.TrimSpace(c.Events.Dir) == "" {
		c.Events.Dir = c.Storage.Dir
	}
}

func (c Config) Validate() error {
	if c.DimensionID == "" {
		return fmt.Errorf("%w: dimension_id is empty", ErrInvalid)
	}
	if strings.ContainsAny(c.DimensionID, `/\`) || c.DimensionID == "." || c.DimensionID == ".." {
		return fmt.Errorf("%w: dimension_id %q is not a path segment", ErrInvalid, c.DimensionID)
	}
	if c.RenderDistance < 0 {
		return fmt.Errorf("%w: render_distance %d < 0", ErrInvalid, c.RenderDistance)
	}
	if c.TickRateHz <= 0 {
		return fmt.Errorf("%w: tick_rate_hz must be > 0", ErrInvalid)
	}
	if c.DetailBaseDistance <= 0 {
		return fmt.Errorf("%w: detail_base_distance must be > 0", ErrInvalid)
	}
	if len(c.MaxVerticalData) != pos.DetailLevels {
		return fmt.Errorf("%w: max_vertical_data has %d entries, want %d", ErrInvalid, len(c.MaxVerticalData), pos.DetailLevels)
	}
	if err := c.Caps().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := column.ParseMode(c.Generation.Mode); err != nil {
		return fmt.Errorf("%w: generation.mode: %v", ErrInvalid, err)
	}
	g := c.Generation
	if !(g.FullDistance <= g.FeaturesDistance && g.FeaturesDistance <= g.SurfaceDistance && g.SurfaceDistance <= g.SimulateHeightDistance) {
		return fmt.Errorf("%w: generation distances must not decrease (full=%v features=%v surface=%v simulate_height=%v)",
			ErrInvalid, g.FullDistance, g.FeaturesDistance, g.SurfaceDistance, g.SimulateHeightDistance)
	}
	if g.MaxPerSecond < 0 {
		return fmt.Errorf("%w: generation.max_per_second < 0", ErrInvalid)
	}
	switch c.Storage.Backend {
	case "memory":
	case "file", "sqlite":
		if strings.TrimSpace(c.Storage.Dir) == "" {
			return fmt.Errorf("%w: storage.dir is required for backend %s", ErrInvalid, c.Storage.Backend)
		}
	default:
		return fmt.Errorf("%w: unknown storage.backend %q", ErrInvalid, c.Storage.Backend)
	}
	if m := c.Storage.Mirror; m.Enabled {
		if c.Storage.Backend != "file" {
			return fmt.Errorf("%w: storage.mirror needs the file backend, not %s", ErrInvalid, c.Storage.Backend)
		}
		if strings.TrimSpace(m.Bucket) == "" {
			return fmt.Errorf("%w: storage.mirror.bucket is required", ErrInvalid)
		}
	}
	return nil
}

func (c Config) Caps() region.Caps {
	var caps region.Caps
	copy(caps[:], c.MaxVerticalData)
	return caps
}

// Mode is the configured generation mode. Call after Validate.
func (c Config) Mode() column.Mode {
	m, _ := column.ParseMode(c.Generation.Mode)
	return m
}

func (c Config) Policy() dimension.Policy {
	return dimension.Policy{
		DetailBase:             c.DetailBaseDistance,
		Near:                   c.NearDistance,
		FullDistance:           c.Generation.FullDistance,
		FeaturesDistance:       c.Generation.FeaturesDistance,
		SurfaceDistance:        c.Generation.SurfaceDistance,
		SimulateHeightDistance: c.Generation.SimulateHeightDistance,
		MaxMode:                c.Mode(),
	}
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

// Schema returns the compiled lod.yaml schema.
func Schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("lod.schema.json", schemaJSON)
	})
	return schema, schemaErr
}

// validateSchema checks the raw YAML document. The document goes through JSON so the validator
// sees the same value types it would for a JSON file.
func validateSchema(b []byte) error {
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	s, err := Schema()
	if err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
