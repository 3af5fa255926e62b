package operation

import (
	"sync"
	"time"

	"github.com/BaSui01/quantflow/types"
)

// ProgressBridge decouples the worker thread producing progress from
// consumers polling it. The writer replaces a snapshot and appends to an
// ordered metric log; consumers pull the snapshot and read metrics
// incrementally via a cursor. One lock guards both, held only for the
// duration of a copy or append, never across I/O.
type ProgressBridge struct {
	mu       sync.RWMutex
	snapshot types.ProgressSnapshot
	metrics  []types.MetricRecord
}

// NewProgressBridge creates an empty bridge.
func NewProgressBridge() *ProgressBridge {
	return &ProgressBridge{}
}

// WriteState atomically replaces the entire current-state snapshot.
// The timestamp is always stamped here, not by the caller.
func (b *ProgressBridge) WriteState(percentage float64, message string, extra map[string]any) {
	snap := types.ProgressSnapshot{
		Percentage: percentage,
		Message:    message,
		Extra:      extra,
		UpdatedAt:  time.Now(),
	}

	b.mu.Lock()
	b.snapshot = snap
	b.mu.Unlock()
}

// AppendMetric appends a record to the ordered metric log.
func (b *ProgressBridge) AppendMetric(rec types.MetricRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	b.mu.Lock()
	b.metrics = append(b.metrics, rec)
	b.mu.Unlock()
}

// ReadState returns an immutable copy of the latest snapshot.
func (b *ProgressBridge) ReadState() types.ProgressSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshot.Clone()
}

// ReadMetrics returns the records appended since cursor and the new cursor.
// A repeated call with the returned cursor and no intervening append yields
// an empty slice. A cursor beyond the current length clamps to the length.
func (b *ProgressBridge) ReadMetrics(cursor int) ([]types.MetricRecord, int) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(b.metrics) {
		cursor = len(b.metrics)
	}

	batch := make([]types.MetricRecord, len(b.metrics)-cursor)
	copy(batch, b.metrics[cursor:])
	return batch, len(b.metrics)
}

// MetricCount returns the current length of the metric log.
func (b *ProgressBridge) MetricCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.metrics)
}

// FullStateBridge extends ProgressBridge with a cache of the latest full
// domain payload (portfolio state, trade history, model progress). A
// cancellation handler can assemble a checkpoint from GetFullState without
// re-deriving state from the worker's private memory.
type FullStateBridge struct {
	*ProgressBridge

	payloadMu sync.RWMutex
	payload   map[string]any
}

// NewFullStateBridge creates a bridge with full-state caching.
func NewFullStateBridge() *FullStateBridge {
	return &FullStateBridge{ProgressBridge: NewProgressBridge()}
}

// SetFullState replaces the cached domain payload.
func (b *FullStateBridge) SetFullState(payload map[string]any) {
	cp := make(map[string]any, len(payload))
	for k, v := range payload {
		cp[k] = v
	}

	b.payloadMu.Lock()
	b.payload = cp
	b.payloadMu.Unlock()
}

// GetFullState merges the lightweight progress snapshot with the cached
// domain payload. Payload keys win over snapshot extras on collision.
func (b *FullStateBridge) GetFullState() map[string]any {
	snap := b.ReadState()

	merged := make(map[string]any, len(snap.Extra)+4)
	for k, v := range snap.Extra {
		merged[k] = v
	}
	merged["percentage"] = snap.Percentage
	merged["message"] = snap.Message
	merged["updated_at"] = snap.UpdatedAt

	b.payloadMu.RLock()
	for k, v := range b.payload {
		merged[k] = v
	}
	b.payloadMu.RUnlock()

	return merged
}
