package r2s3

import (
	"context"

	"lodcraft.ai/internal/lod/region"
	"lodcraft.ai/internal/persistence/regionfile"
)

// Store is a regionfile store whose successful saves are queued on a Mirror.
type Store struct {
	*regionfile.Store
	mirror *Mirror
}

func NewStore(files *regionfile.Store, m *Mirror) *Store {
	return &Store{Store: files, mirror: m}
}

func (s *Store) SaveLevel(ctx context.Context, key region.Key, data []byte) error {
	if err := s.Store.SaveLevel(ctx, key, data); err != nil {
		return err
	}
	s.mirror.Enqueue(s.Store.Path(key))
	return nil
}
