package generate

import (
	"context"

	"lodcraft.ai/internal/lod/column"
	"lodcraft.ai/internal/lod/pos"
)

// Sample is the raw terrain of one block column inside a chunk. X and Z are 0..15 offsets from the
// chunk's minimum corner. Runs may be in any order; a column with no runs is void.
type Sample struct {
	X, Z int
	Runs []column.Fields
}

// Oracle computes terrain for one chunk at the requested mode. Higher modes cost more and are more
// accurate. Implementations may be called from several workers at once.
type Oracle interface {
	Generate(ctx context.Context, chunk pos.ChunkPos, mode column.Mode) ([]Sample, error)
}

// SingleThreaded is implemented by oracles that gain nothing from parallel FULL generation.
type SingleThreaded interface {
	SingleThreaded() bool
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, chunk pos.ChunkPos, mode column.Mode) ([]Sample, error)

func (f OracleFunc) Generate(ctx context.Context, chunk pos.ChunkPos, mode column.Mode) ([]Sample, error) {
	return f(ctx, chunk, mode)
}
