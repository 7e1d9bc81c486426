package engine

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"lodcraft.ai/internal/lod/region"
	"lodcraft.ai/internal/lod/tuning"
	"lodcraft.ai/internal/persistence/indexdb"
	"lodcraft.ai/internal/persistence/r2s3"
	"lodcraft.ai/internal/persistence/regionfile"
)

// SQLiteFile is the database name used by the sqlite backend inside storage.dir.
const SQLiteFile = "lod.sqlite"

// Stores is what OpenStore opened. SQLite and Mirror are nil unless the config asks for them; the
// caller records events into SQLite and closes both.
type Stores struct {
	Store  region.Store
	SQLite *indexdb.SQLiteStore
	Mirror *r2s3.Mirror
}

// OpenStore opens the backend named by cfg. With storage.mirror enabled, saved files are uploaded
// through up, or through an S3 client built from cfg.Mirror when up is nil.
func OpenStore(ctx context.Context, cfg tuning.Storage, up r2s3.Uploader, logger *log.Logger) (Stores, error) {
	switch cfg.Backend {
	case "memory":
		return Stores{Store: region.NewMemoryStore()}, nil
	case "file":
		files := regionfile.New(cfg.Dir)
		if !cfg.Mirror.Enabled {
			return Stores{Store: files}, nil
		}
		if up == nil {
			c, err := r2s3.New(ctx, r2s3.ClientConfig{
				Endpoint:        cfg.Mirror.Endpoint,
				Bucket:          cfg.Mirror.Bucket,
				Region:          cfg.Mirror.Region,
				AccessKeyID:     cfg.Mirror.AccessKeyID,
				SecretAccessKey: cfg.Mirror.SecretAccessKey,
			})
			if err != nil {
				return Stores{}, fmt.Errorf("open mirror: %w", err)
			}
			up = c
		}
		m := r2s3.NewMirror(up, r2s3.MirrorConfig{
			BaseDir:       cfg.Dir,
			Prefix:        cfg.Mirror.Prefix,
			Workers:       cfg.Mirror.Workers,
			QueueCapacity: cfg.Mirror.QueueCapacity,
		}, logger)
		return Stores{Store: r2s3.NewStore(files, m), Mirror: m}, nil
	case "sqlite":
		db, err := indexdb.OpenSQLite(filepath.Join(cfg.Dir, SQLiteFile))
		if err != nil {
			return Stores{}, fmt.Errorf("open sqlite store: %w", err)
		}
		return Stores{Store: db, SQLite: db}, nil
	default:
		return Stores{}, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
