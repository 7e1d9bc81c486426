package region

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"lodcraft.ai/internal/lod/level"
)

// ErrNotFound is returned by a Store when no bytes exist for a key.
var ErrNotFound = errors.New("region: level not stored")

// Key addresses one serialized level of one region.
type Key struct {
	Dimension string
	X, Z      int
	Detail    int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/r.%d.%d/d%d", k.Dimension, k.X, k.Z, k.Detail)
}

// Store persists serialized level containers. LoadLevel reports the format version the bytes were
// written in; SaveLevel always receives level.FormatCurrent bytes.
type Store interface {
	LoadLevel(ctx context.Context, key Key) (data []byte, version int, err error)
	SaveLevel(ctx context.Context, key Key, data []byte) error
}

// MemoryStore keeps levels in memory.
type MemoryStore struct {
	mu    sync.Mutex
	data  map[Key]memoryEntry
	saves int
}

type memoryEntry struct {
	b       []byte
	version int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[Key]memoryEntry{}}
}

func (s *MemoryStore) LoadLevel(_ context.Context, key Key) ([]byte, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return append([]byte(nil), e.b...), e.version, nil
}

func (s *MemoryStore) SaveLevel(_ context.Context, key Key, data []byte) error {
	s.mu.Lock()
	s.saves++
	s.mu.Unlock()
	s.Put(key, data, level.FormatCurrent)
	return nil
}

// Put stores bytes under an explicit format version.
func (s *MemoryStore) Put(key Key, data []byte, version int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = memoryEntry{b: append([]byte(nil), data...), version: version}
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Saves counts SaveLevel calls.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
