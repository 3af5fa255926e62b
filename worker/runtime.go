package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/quantflow/checkpoint"
	"github.com/BaSui01/quantflow/operation"
	"github.com/BaSui01/quantflow/types"
)

// ErrCancelled is returned by a domain function that observed its
// cancellation token and exited cleanly after persisting a checkpoint.
var ErrCancelled = errors.New("operation cancelled")

// Request carries everything a domain function needs for one execution.
type Request struct {
	// OperationID is the operation being executed
	OperationID string

	// Params are the original request parameters from operation metadata
	Params map[string]string

	// Resume is non-nil when execution continues from a checkpoint
	Resume *ResumeContext
}

// ResumeContext reconstructs where a resumed execution left off.
type ResumeContext struct {
	// LastUnit is the last completed unit index saved in the checkpoint
	LastUnit int

	// State is the restored domain snapshot
	State map[string]any

	// Artifacts are the restored binary blobs, if any were saved
	Artifacts map[string][]byte
}

// OperationFunc is the collaborator boundary: the opaque domain computation.
// It must call bridge.WriteState at least once per unit of work to remain
// observable, poll the token at unit boundaries, and return either a result
// summary, ErrCancelled, or a typed domain error.
type OperationFunc func(ctx context.Context, req Request, token *operation.CancellationToken, bridge *operation.FullStateBridge) (map[string]any, error)

// Finalizer receives the terminal outcome of an execution. The orchestrator
// implements it; completion deletes the checkpoint there, keeping that
// invariant in one visible place.
type Finalizer interface {
	Complete(ctx context.Context, operationID string, result map[string]any) error
	Fail(ctx context.Context, operationID string, errorMessage string) error
	Cancelled(ctx context.Context, operationID string, reason string) error
}

// Config configures a runtime hosting one operation kind.
type Config struct {
	// Type is the operation kind this runtime executes
	Type types.OperationType

	// EndpointURL is the callback address reported at registration
	EndpointURL string

	// SaveTimeout bounds cross-thread checkpoint saves
	SaveTimeout time.Duration
}

// Runtime hosts one operation-type's domain logic. It registers a progress
// bridge and cancellation token for every execution before the background
// task starts, so no progress update can race ahead of bridge availability.
type Runtime struct {
	cfg      Config
	workerID string
	caps     types.Capabilities

	registry operation.Registry
	store    checkpoint.Store
	fn       OperationFunc
	fin      Finalizer
	logger   *zap.Logger

	mu      sync.RWMutex
	bridges map[string]*operation.FullStateBridge
	tokens  map[string]*operation.CancellationToken

	registeredAt time.Time
	wg           sync.WaitGroup
}

// NewRuntime creates a runtime. Hardware capabilities are detected once here.
func NewRuntime(cfg Config, registry operation.Registry, store checkpoint.Store, fn OperationFunc, fin Finalizer, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 30 * time.Second
	}

	caps := DetectCapabilities()
	r := &Runtime{
		cfg:          cfg,
		workerID:     "worker_" + uuid.NewString()[:8],
		caps:         caps,
		registry:     registry,
		store:        store,
		fn:           fn,
		fin:          fin,
		logger:       logger.With(zap.String("component", "worker_runtime"), zap.String("worker_type", string(cfg.Type))),
		bridges:      make(map[string]*operation.FullStateBridge),
		tokens:       make(map[string]*operation.CancellationToken),
		registeredAt: time.Now(),
	}

	r.logger.Info("worker runtime created",
		zap.String("worker_id", r.workerID),
		zap.String("capabilities", capabilityString(caps)),
	)
	return r
}

// Info returns the self-registration record. Status reflects whether any
// execution is in flight.
func (r *Runtime) Info() types.WorkerInfo {
	r.mu.RLock()
	busy := len(r.bridges) > 0
	r.mu.RUnlock()

	status := types.WorkerIdle
	if busy {
		status = types.WorkerBusy
	}
	return types.WorkerInfo{
		ID:           r.workerID,
		Type:         r.cfg.Type,
		EndpointURL:  r.cfg.EndpointURL,
		Capabilities: r.caps,
		Status:       status,
		RegisteredAt: r.registeredAt,
		LastSeen:     time.Now(),
	}
}

// Start begins executing an already-created pending operation. The bridge
// and token are registered before the goroutine launches.
func (r *Runtime) Start(ctx context.Context, op *types.Operation) error {
	req := Request{OperationID: op.ID, Params: op.Metadata}
	return r.launch(ctx, op.ID, req)
}

// Resume continues an operation from its checkpoint. The operation must
// already be in resuming status (the caller won the TryResume race).
// Returns CHECKPOINT_NOT_FOUND when no checkpoint exists.
func (r *Runtime) Resume(ctx context.Context, op *types.Operation) error {
	cp, err := r.store.Load(ctx, op.ID, true)
	if err != nil {
		return err
	}

	req := Request{
		OperationID: op.ID,
		Params:      op.Metadata,
		Resume: &ResumeContext{
			LastUnit:  cp.Unit(),
			State:     cp.State,
			Artifacts: cp.Artifacts,
		},
	}

	r.logger.Info("resuming from checkpoint",
		zap.String("operation_id", op.ID),
		zap.Int("last_unit", cp.Unit()),
		zap.String("checkpoint_type", string(cp.Type)),
	)
	return r.launch(ctx, op.ID, req)
}

func (r *Runtime) launch(ctx context.Context, operationID string, req Request) error {
	token := operation.NewCancellationToken(operationID)
	bridge := operation.NewFullStateBridge()

	r.mu.Lock()
	if _, exists := r.bridges[operationID]; exists {
		r.mu.Unlock()
		return types.NewErrorf(types.ErrConflict, "operation already executing: %s", operationID)
	}
	r.bridges[operationID] = bridge
	r.tokens[operationID] = token
	r.mu.Unlock()

	if err := r.registry.Start(ctx, operationID); err != nil {
		r.drop(operationID)
		return err
	}

	r.wg.Add(1)
	go r.run(req, token, bridge)
	return nil
}

func (r *Runtime) run(req Request, token *operation.CancellationToken, bridge *operation.FullStateBridge) {
	defer r.wg.Done()
	defer r.drop(req.OperationID)

	ctx := context.Background()
	result, err := r.fn(ctx, req, token, bridge)

	switch {
	case errors.Is(err, ErrCancelled) || (err == nil && token.Cancelled()):
		r.logger.Info("operation cancelled by worker",
			zap.String("operation_id", req.OperationID),
			zap.String("reason", token.Reason()),
		)
		if ferr := r.fin.Cancelled(ctx, req.OperationID, token.Reason()); ferr != nil {
			r.logger.Warn("cancellation finalize failed", zap.String("operation_id", req.OperationID), zap.Error(ferr))
		}

	case err != nil:
		r.logger.Error("operation failed",
			zap.String("operation_id", req.OperationID),
			zap.Error(err),
		)
		if ferr := r.fin.Fail(ctx, req.OperationID, err.Error()); ferr != nil {
			r.logger.Warn("failure finalize failed", zap.String("operation_id", req.OperationID), zap.Error(ferr))
		}

	default:
		if ferr := r.fin.Complete(ctx, req.OperationID, result); ferr != nil {
			r.logger.Warn("completion finalize failed", zap.String("operation_id", req.OperationID), zap.Error(ferr))
		}
	}
}

func (r *Runtime) drop(operationID string) {
	r.mu.Lock()
	delete(r.bridges, operationID)
	delete(r.tokens, operationID)
	r.mu.Unlock()
}

// Cancel flips the cancellation token of an in-flight execution. Returns
// false when the operation is not executing here.
func (r *Runtime) Cancel(operationID, reason string) bool {
	r.mu.RLock()
	token, ok := r.tokens[operationID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	token.Cancel(reason)
	return true
}

// Bridge exposes the progress bridge of an in-flight execution for
// consumers (orchestrator relay, HTTP metrics endpoint).
func (r *Runtime) Bridge(operationID string) (*operation.FullStateBridge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bridges[operationID]
	return b, ok
}

// Executing reports whether operationID is currently running here.
func (r *Runtime) Executing(operationID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.bridges[operationID]
	return ok
}

// Wait blocks until all in-flight executions finish. Used on shutdown.
func (r *Runtime) Wait() {
	r.wg.Wait()
}
