// Package indexdb keeps region levels and generation events in SQLite.
package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"lodcraft.ai/internal/lod/generate"
	"lodcraft.ai/internal/lod/level"
	"lodcraft.ai/internal/lod/region"
)

const schemaVersion = "1"

// SQLiteStore implements region.Store with one row per region level. Level reads and writes are
// synchronous; generation events are queued and written in batches by a single writer goroutine.
type SQLiteStore struct {
	db *sql.DB

	ch   chan generate.Event
	wg   sync.WaitGroup
	once sync.Once

	// chMu keeps Record from sending on ch after Close has closed it.
	chMu   sync.RWMutex
	closed bool

	dropEvents    atomic.Uint64
	writtenEvents atomic.Uint64
}

type Stats struct {
	QueueDepth     int    `json:"queue_depth"`
	QueueCapacity  int    `json:"queue_capacity"`
	DropEventTotal uint64 `json:"drop_event_total"`
	EventsWritten  uint64 `json:"events_written"`
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteStore{
		db: db,
		ch: make(chan generate.Event, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS configs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS levels (
			dim TEXT NOT NULL,
			rx INTEGER NOT NULL,
			rz INTEGER NOT NULL,
			detail INTEGER NOT NULL,
			format_version INTEGER NOT NULL,
			data BLOB NOT NULL,
			saved_at TEXT NOT NULL,
			PRIMARY KEY (dim, rx, rz, detail)
		);`,
		`CREATE TABLE IF NOT EXISTS generation_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			dim TEXT NOT NULL,
			cx INTEGER NOT NULL,
			cz INTEGER NOT NULL,
			detail INTEGER NOT NULL,
			write_detail INTEGER NOT NULL,
			mode TEXT NOT NULL,
			near INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			column_count INTEGER NOT NULL,
			duration_ms REAL NOT NULL,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_chunk ON generation_events(dim, cx, cz);`,
		`CREATE INDEX IF NOT EXISTS idx_events_outcome ON generation_events(outcome);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','` + schemaVersion + `');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close drains queued events and closes the database.
func (s *SQLiteStore) Close() error {
	var err error
	s.once.Do(func() {
		s.chMu.Lock()
		s.closed = true
		close(s.ch)
		s.chMu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteStore) LoadLevel(ctx context.Context, key region.Key) ([]byte, int, error) {
	var (
		data    []byte
		version int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, format_version FROM levels WHERE dim=? AND rx=? AND rz=? AND detail=?`,
		key.Dimension, key.X, key.Z, key.Detail,
	).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, region.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load %s: %w", key, err)
	}
	return data, version, nil
}

func (s *SQLiteStore) SaveLevel(ctx context.Context, key region.Key, data []byte) error {
	return s.PutLevel(ctx, key, data, level.FormatCurrent)
}

// PutLevel stores bytes under an explicit format version.
func (s *SQLiteStore) PutLevel(ctx context.Context, key region.Key, data []byte, version int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO levels(dim,rx,rz,detail,format_version,data,saved_at) VALUES(?,?,?,?,?,?,?)`,
		key.Dimension, key.X, key.Z, key.Detail, version, data, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// Entry is one stored level.
type Entry struct {
	Key     region.Key
	Version int
	Size    int
	SavedAt string
}

func (s *SQLiteStore) List(ctx context.Context, dim string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rx, rz, detail, format_version, length(data), saved_at FROM levels WHERE dim=? ORDER BY rx, rz, detail`, dim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e := Entry{Key: region.Key{Dimension: dim}}
		if err := rows.Scan(&e.Key.X, &e.Key.Z, &e.Key.Detail, &e.Version, &e.Size, &e.SavedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Migrate rewrites every older-format level of dim in the current format.
func (s *SQLiteStore) Migrate(ctx context.Context, dim string) (int, error) {
	entries, err := s.List(ctx, dim)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.Version == level.FormatCurrent {
			continue
		}
		b, version, err := s.LoadLevel(ctx, e.Key)
		if err != nil {
			return n, err
		}
		c, err := level.Deserialize(b, version, 0)
		if err != nil {
			return n, fmt.Errorf("%s: %w", e.Key, err)
		}
		if err := s.SaveLevel(ctx, e.Key, c.Serialize()); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// UpsertConfig records the configuration a daemon runs with, keyed by name.
func (s *SQLiteStore) UpsertConfig(ctx context.Context, name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO configs(name,digest,json,updated_at) VALUES(?,?,?,?)`,
		name, hex.EncodeToString(sum[:]), string(b), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Record queues a generation event. Events are dropped when the writer falls behind.
func (s *SQLiteStore) Record(e generate.Event) {
	if s == nil {
		return
	}
	s.chMu.RLock()
	defer s.chMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
		s.dropEvents.Add(1)
	}
}

func (s *SQLiteStore) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		DropEventTotal: s.dropEvents.Load(),
		EventsWritten:  s.writtenEvents.Load(),
	}
}

// CountEvents returns how many events with the given outcome were written; an empty outcome counts all.
func (s *SQLiteStore) CountEvents(ctx context.Context, outcome generate.Outcome) (int, error) {
	var n int
	var err error
	if outcome == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM generation_events`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM generation_events WHERE outcome=?`, string(outcome)).Scan(&n)
	}
	return n, err
}

const commitEvery = 2000

// loop writes events in transactions of up to commitEvery rows. A batch ends when the queue is
// momentarily empty, so no transaction stays open while idle.
func (s *SQLiteStore) loop() {
	ctx := context.Background()
	insert, err := s.db.Prepare(`INSERT INTO generation_events(at,dim,cx,cz,detail,write_detail,mode,near,outcome,column_count,duration_ms,error) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		for range s.ch {
			s.dropEvents.Add(1)
		}
		return
	}
	defer insert.Close()

	write := func(tx *sql.Tx, e generate.Event) error {
		near := 0
		if e.Near {
			near = 1
		}
		_, err := tx.Stmt(insert).Exec(
			e.Time.UTC().Format(time.RFC3339Nano),
			e.Dimension,
			e.Chunk.X, e.Chunk.Z,
			e.Detail, e.WriteDetail,
			e.Mode,
			near,
			string(e.Outcome),
			e.Columns,
			e.DurationMS,
			e.Error,
		)
		return err
	}

	for first := range s.ch {
		batch := []generate.Event{first}
	drain:
		for len(batch) < commitEvery {
			select {
			case e, ok := <-s.ch:
				if !ok {
					break drain
				}
				batch = append(batch, e)
			default:
				break drain
			}
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.dropEvents.Add(uint64(len(batch)))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ok := true
		for _, e := range batch {
			if err := write(tx, e); err != nil {
				ok = false
				break
			}
		}
		if !ok {
			_ = tx.Rollback()
			s.dropEvents.Add(uint64(len(batch)))
			continue
		}
		if err := tx.Commit(); err != nil {
			s.dropEvents.Add(uint64(len(batch)))
			continue
		}
		s.writtenEvents.Add(uint64(len(batch)))
	}
}
