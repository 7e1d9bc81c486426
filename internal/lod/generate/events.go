package generate

import (
	"time"

	"lodcraft.ai/internal/lod/pos"
)

type Outcome string

const (
	OutcomeGenerated Outcome = "generated"
	// OutcomeUnchanged means the oracle ran but every column already held a higher mode.
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeSkipped   Outcome = "skipped"   // region outside the window at start
	OutcomeDiscarded Outcome = "discarded" // region evicted while generating
	OutcomeFailed    Outcome = "failed"
)

// Event describes one finished unit of work.
type Event struct {
	Time        time.Time    `json:"time"`
	Dimension   string       `json:"dim"`
	Chunk       pos.ChunkPos `json:"chunk"`
	Detail      int          `json:"detail"`
	WriteDetail int          `json:"write_detail"`
	Mode        string       `json:"mode"`
	Near        bool         `json:"near"`
	Outcome     Outcome      `json:"outcome"`
	Columns     int          `json:"columns"`
	DurationMS  float64      `json:"duration_ms"`
	Error       string       `json:"error,omitempty"`
}

// EventSink receives every finished unit. Record is called from worker goroutines.
type EventSink interface {
	Record(e Event)
}

type Stats struct {
	Passes       uint64 `json:"passes"`
	DroppedTicks uint64 `json:"dropped_ticks"`
	Dispatched   uint64 `json:"dispatched"`
	Synchronous  uint64 `json:"synchronous"`
	Generated    uint64 `json:"generated"`
	Unchanged    uint64 `json:"unchanged"`
	Skipped      uint64 `json:"skipped"`
	Discarded    uint64 `json:"discarded"`
	Failed       uint64 `json:"failed"`
	Columns      uint64 `json:"columns"`
	InFlight     int    `json:"in_flight"`
	MaxInFlight  int    `json:"max_in_flight"`
}
