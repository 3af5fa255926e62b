package checkpoint

import (
	"context"
	"time"
)

// Type classifies why a checkpoint was taken.
type Type string

const (
	// TypePeriodic is a routine checkpoint taken mid-run by policy
	TypePeriodic Type = "periodic"

	// TypeCancellation is the final checkpoint persisted when a worker
	// observes a cancellation request
	TypeCancellation Type = "cancellation"

	// TypeFailure is a best-effort checkpoint persisted on a domain error
	TypeFailure Type = "failure"
)

// Checkpoint is the single persisted snapshot of an operation. The state
// blob is a JSON-serializable domain snapshot (unit index, portfolio or
// model progress, and the original request needed to resume); artifacts are
// opaque binary blobs living in a directory next to the record.
type Checkpoint struct {
	OperationID        string         `json:"operation_id"`
	Type               Type           `json:"checkpoint_type"`
	State              map[string]any `json:"state"`
	ArtifactsPath      string         `json:"artifacts_path,omitempty"`
	StateSizeBytes     int64          `json:"state_size_bytes"`
	ArtifactsSizeBytes int64          `json:"artifacts_size_bytes"`
	CreatedAt          time.Time      `json:"created_at"`

	// Artifacts holds the loaded blobs when Load was asked to include them.
	// Never persisted inline.
	Artifacts map[string][]byte `json:"-"`
}

// Unit extracts the saved unit index (epoch or bar) from the state blob,
// tolerating the numeric widening JSON round-trips introduce. Missing or
// malformed values fall back to 0, never crash.
func (c *Checkpoint) Unit() int {
	if c.State == nil {
		return 0
	}
	switch v := c.State["unit"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Store persists and retrieves the single checkpoint per operation.
type Store interface {
	// Save upserts the checkpoint for operationID, overwriting any prior
	// record. Supplied artifacts replace the prior artifacts directory via
	// temp-dir-then-rename; nil artifacts leave prior artifacts in place.
	Save(ctx context.Context, operationID string, typ Type, state map[string]any, artifacts map[string][]byte) error

	// Load returns the checkpoint or CHECKPOINT_NOT_FOUND.
	Load(ctx context.Context, operationID string, includeArtifacts bool) (*Checkpoint, error)

	// Delete removes the record and its artifacts directory. Idempotent:
	// returns false, not an error, when nothing existed.
	Delete(ctx context.Context, operationID string) (bool, error)

	// Exists reports whether a checkpoint exists for operationID.
	Exists(ctx context.Context, operationID string) (bool, error)
}
