package operation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/quantflow/types"
)

// Filter defines criteria for listing operations.
type Filter struct {
	// Type filters by operation type
	Type types.OperationType `json:"type,omitempty"`

	// Status filters by status (can be multiple)
	Status []types.OperationStatus `json:"status,omitempty"`

	// ParentID filters phase children of one workflow operation
	ParentID string `json:"parent_id,omitempty"`

	// Limit is the maximum number of operations to return
	Limit int `json:"limit,omitempty"`

	// Offset is the number of operations to skip
	Offset int `json:"offset,omitempty"`
}

// ListResult is a page of operations plus registry-wide counts.
type ListResult struct {
	Items []*types.Operation `json:"items"`

	// TotalCount is the number of operations matching the filter, ignoring paging
	TotalCount int `json:"total_count"`

	// ActiveCount is the number of non-terminal operations in the registry
	ActiveCount int `json:"active_count"`
}

// Registry owns Operation records and their status transitions. All
// mutators enforce the state machine; an illegal transition is a
// programming error surfaced as INVALID_TRANSITION, not a recoverable
// failure. TryResume is the correctness-critical operation: it must be a
// single conditional write, never a read-then-write pair.
type Registry interface {
	// Create records a new operation in pending status. An empty id is
	// replaced with a generated one.
	Create(ctx context.Context, id string, typ types.OperationType, metadata map[string]string, parentID string) (*types.Operation, error)

	// Start transitions pending or resuming → running and stamps StartedAt.
	Start(ctx context.Context, id string) error

	// UpdateProgress overwrites the latest progress snapshot. No status change.
	UpdateProgress(ctx context.Context, id string, snapshot types.ProgressSnapshot) error

	// Complete transitions running → completed and records the result summary.
	// Checkpoint deletion is the orchestrator's completion hook, kept out of
	// the registry so the invariant stays visible in one place.
	Complete(ctx context.Context, id string, result map[string]any) error

	// Fail transitions running (or pending/resuming, for pre-flight failures)
	// → failed, preserving the error message verbatim.
	Fail(ctx context.Context, id string, errorMessage string) error

	// Cancel transitions running → cancelled. Safe to call concurrently with
	// the worker's own terminal transition: exactly one writer wins.
	Cancel(ctx context.Context, id string, reason string) error

	// TryResume atomically tests status ∈ {cancelled, failed} and sets
	// resuming in the same step. It returns (true, nil) to the single caller
	// that won the race and (false, nil) to every concurrent loser or when
	// the operation is not in a resumable state. Unknown ids return NOT_FOUND.
	TryResume(ctx context.Context, id string) (bool, error)

	// Get returns a copy of the operation.
	Get(ctx context.Context, id string) (*types.Operation, error)

	// List returns operations matching the filter, newest first.
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// GenerateID returns a fresh operation id.
func GenerateID() string {
	return "op_" + uuid.NewString()
}

// legalTransitions maps each status to the set it may move to.
var legalTransitions = map[types.OperationStatus][]types.OperationStatus{
	types.StatusPending:   {types.StatusRunning, types.StatusFailed},
	types.StatusRunning:   {types.StatusCompleted, types.StatusFailed, types.StatusCancelled},
	types.StatusCancelled: {types.StatusResuming},
	types.StatusFailed:    {types.StatusResuming},
	types.StatusResuming:  {types.StatusRunning, types.StatusFailed},
}

func transitionLegal(from, to types.OperationStatus) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// MemoryRegistry is the in-process Registry used by worker runtimes and
// tests. One mutex guards the map; every transition is test-and-set under
// that mutex, which gives the same at-most-one-winner guarantee the GORM
// registry gets from conditional UPDATEs.
type MemoryRegistry struct {
	mu     sync.Mutex
	ops    map[string]*types.Operation
	order  []string
	logger *zap.Logger
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry(logger *zap.Logger) *MemoryRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryRegistry{
		ops:    make(map[string]*types.Operation),
		logger: logger.With(zap.String("component", "operation_registry")),
	}
}

func (r *MemoryRegistry) Create(ctx context.Context, id string, typ types.OperationType, metadata map[string]string, parentID string) (*types.Operation, error) {
	if id == "" {
		id = GenerateID()
	}

	op := &types.Operation{
		ID:        id,
		Type:      typ,
		Status:    types.StatusPending,
		ParentID:  parentID,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ops[id]; exists {
		return nil, types.NewErrorf(types.ErrConflict, "operation already exists: %s", id)
	}
	r.ops[id] = op
	r.order = append(r.order, id)

	r.logger.Info("operation created",
		zap.String("operation_id", id),
		zap.String("type", string(typ)),
		zap.String("parent_id", parentID),
	)

	return op.Clone(), nil
}

// transition applies a guarded status change under the registry mutex.
func (r *MemoryRegistry) transition(id string, to types.OperationStatus, apply func(*types.Operation)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, ok := r.ops[id]
	if !ok {
		return types.NewErrorf(types.ErrNotFound, "operation not found: %s", id)
	}
	if !transitionLegal(op.Status, to) {
		return types.NewErrorf(types.ErrInvalidTransition,
			"illegal transition %s → %s for operation %s", op.Status, to, id)
	}

	from := op.Status
	op.Status = to
	if apply != nil {
		apply(op)
	}

	r.logger.Info("operation transition",
		zap.String("operation_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

func (r *MemoryRegistry) Start(ctx context.Context, id string) error {
	now := time.Now()
	return r.transition(id, types.StatusRunning, func(op *types.Operation) {
		if op.StartedAt == nil {
			op.StartedAt = &now
		}
	})
}

func (r *MemoryRegistry) UpdateProgress(ctx context.Context, id string, snapshot types.ProgressSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, ok := r.ops[id]
	if !ok {
		return types.NewErrorf(types.ErrNotFound, "operation not found: %s", id)
	}
	snap := snapshot.Clone()
	op.Progress = &snap
	return nil
}

func (r *MemoryRegistry) Complete(ctx context.Context, id string, result map[string]any) error {
	now := time.Now()
	return r.transition(id, types.StatusCompleted, func(op *types.Operation) {
		op.ResultSummary = result
		op.ErrorMessage = ""
		op.CompletedAt = &now
	})
}

func (r *MemoryRegistry) Fail(ctx context.Context, id string, errorMessage string) error {
	now := time.Now()
	return r.transition(id, types.StatusFailed, func(op *types.Operation) {
		op.ErrorMessage = errorMessage
		op.ResultSummary = nil
		op.CompletedAt = &now
	})
}

func (r *MemoryRegistry) Cancel(ctx context.Context, id string, reason string) error {
	now := time.Now()
	return r.transition(id, types.StatusCancelled, func(op *types.Operation) {
		if reason != "" {
			if op.Metadata == nil {
				op.Metadata = make(map[string]string)
			}
			op.Metadata["cancel_reason"] = reason
		}
		op.CompletedAt = &now
	})
}

func (r *MemoryRegistry) TryResume(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, ok := r.ops[id]
	if !ok {
		return false, types.NewErrorf(types.ErrNotFound, "operation not found: %s", id)
	}
	if !op.Status.IsResumable() {
		return false, nil
	}

	op.Status = types.StatusResuming
	op.CompletedAt = nil
	op.ErrorMessage = ""

	r.logger.Info("operation resume won",
		zap.String("operation_id", id),
	)
	return true, nil
}

func (r *MemoryRegistry) Get(ctx context.Context, id string) (*types.Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, ok := r.ops[id]
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "operation not found: %s", id)
	}
	return op.Clone(), nil
}

func (r *MemoryRegistry) List(ctx context.Context, filter Filter) (*ListResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := make([]*types.Operation, 0, len(r.ops))
	active := 0
	for _, id := range r.order {
		op := r.ops[id]
		if !op.Status.IsTerminal() {
			active++
		}
		if filterMatches(filter, op) {
			matched = append(matched, op)
		}
	}

	// Newest first
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	items := make([]*types.Operation, len(matched))
	for i, op := range matched {
		items[i] = op.Clone()
	}

	return &ListResult{Items: items, TotalCount: total, ActiveCount: active}, nil
}

func filterMatches(f Filter, op *types.Operation) bool {
	if f.Type != "" && op.Type != f.Type {
		return false
	}
	if f.ParentID != "" && op.ParentID != f.ParentID {
		return false
	}
	if len(f.Status) > 0 {
		found := false
		for _, s := range f.Status {
			if op.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
