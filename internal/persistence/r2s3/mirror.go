package r2s3

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Stats struct {
	QueueDepth     int    `json:"queue_depth"`
	QueueCapacity  int    `json:"queue_capacity"`
	Enqueued       uint64 `json:"enqueued_total"`
	Coalesced      uint64 `json:"coalesced_total"`
	Dropped        uint64 `json:"dropped_total"`
	Uploaded       uint64 `json:"upload_success_total"`
	UploadFailures uint64 `json:"upload_fail_total"`
	LastSuccess    int64  `json:"last_success_unix"`
	LastError      int64  `json:"last_error_unix"`
}

type MirrorConfig struct {
	// BaseDir is the storage root; object keys are paths relative to it.
	BaseDir       string
	Prefix        string
	Workers       int
	QueueCapacity int
	EnqueueWait   time.Duration
	Attempts      int
}

// Mirror uploads files handed to Enqueue on a fixed worker pool. A path that is already waiting is
// not queued twice; the upload reads the file as it is when a worker gets to it.
type Mirror struct {
	up     Uploader
	cfg    MirrorConfig
	logger *log.Logger

	// backoff is the pause after a failed attempt (1-based).
	backoff func(attempt int) time.Duration

	jobs chan string
	wg   sync.WaitGroup

	pmu     sync.Mutex
	pending map[string]bool
	closed  bool

	enqueued  atomic.Uint64
	coalesced atomic.Uint64
	dropped   atomic.Uint64
	uploaded  atomic.Uint64
	failed    atomic.Uint64
	lastOK    atomic.Int64
	lastErr   atomic.Int64
}

func NewMirror(up Uploader, cfg MirrorConfig, logger *log.Logger) *Mirror {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 2048
	}
	if cfg.EnqueueWait <= 0 {
		cfg.EnqueueWait = 25 * time.Millisecond
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 4
	}
	cfg.Prefix = strings.Trim(strings.ReplaceAll(cfg.Prefix, "\\", "/"), "/")
	m := &Mirror{
		up:      up,
		cfg:     cfg,
		logger:  logger,
		backoff: func(attempt int) time.Duration { return time.Duration(attempt*attempt) * 200 * time.Millisecond },
		jobs:    make(chan string, cfg.QueueCapacity),
		pending: map[string]bool{},
	}
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for p := range m.jobs {
				m.take(p)
				m.uploadOne(p)
			}
		}()
	}
	return m
}

// Enqueue schedules localPath for upload. It waits at most EnqueueWait for queue space and then
// drops the path.
func (m *Mirror) Enqueue(localPath string) {
	if m == nil {
		return
	}
	m.pmu.Lock()
	if m.closed {
		m.pmu.Unlock()
		return
	}
	if m.pending[localPath] {
		m.pmu.Unlock()
		m.coalesced.Add(1)
		return
	}
	m.pending[localPath] = true
	m.pmu.Unlock()
	m.enqueued.Add(1)

	select {
	case m.jobs <- localPath:
		return
	default:
	}
	timer := time.NewTimer(m.cfg.EnqueueWait)
	defer timer.Stop()
	select {
	case m.jobs <- localPath:
	case <-timer.C:
		m.take(localPath)
		n := m.dropped.Add(1)
		m.logf("mirror drop local=%s reason=queue_saturated dropped_total=%d", localPath, n)
	}
}

func (m *Mirror) take(localPath string) {
	m.pmu.Lock()
	delete(m.pending, localPath)
	m.pmu.Unlock()
}

// Close uploads everything already queued and stops the workers. Later Enqueue calls are ignored.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	m.pmu.Lock()
	if m.closed {
		m.pmu.Unlock()
		return
	}
	m.closed = true
	m.pmu.Unlock()
	close(m.jobs)
	m.wg.Wait()
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(m.jobs),
		QueueCapacity:  cap(m.jobs),
		Enqueued:       m.enqueued.Load(),
		Coalesced:      m.coalesced.Load(),
		Dropped:        m.dropped.Load(),
		Uploaded:       m.uploaded.Load(),
		UploadFailures: m.failed.Load(),
		LastSuccess:    m.lastOK.Load(),
		LastError:      m.lastErr.Load(),
	}
}

func (m *Mirror) uploadOne(localPath string) {
	key, err := m.ObjectKey(localPath)
	if err != nil {
		m.logf("mirror skip local=%s err=%v", localPath, err)
		return
	}
	var lastErr error
	for attempt := 1; attempt <= m.cfg.Attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		lastErr = m.up.PutFile(ctx, key, localPath)
		cancel()
		if lastErr == nil {
			m.uploaded.Add(1)
			m.lastOK.Store(time.Now().UTC().Unix())
			return
		}
		if attempt < m.cfg.Attempts {
			time.Sleep(m.backoff(attempt))
		}
	}
	m.failed.Add(1)
	m.lastErr.Store(time.Now().UTC().Unix())
	m.logf("mirror upload failed key=%s attempts=%d err=%v", key, m.cfg.Attempts, lastErr)
}

// ObjectKey maps a file under BaseDir to its key: the slash-separated relative path under Prefix.
func (m *Mirror) ObjectKey(localPath string) (string, error) {
	if localPath == "" {
		return "", errors.New("empty local path")
	}
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}
	base, err := filepath.Abs(m.cfg.BaseDir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %s is outside %s", abs, base)
	}
	if m.cfg.Prefix != "" {
		rel = path.Join(m.cfg.Prefix, rel)
	}
	return rel, nil
}

func (m *Mirror) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
