package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/quantflow/checkpoint"
	"github.com/BaSui01/quantflow/internal/metrics"
	"github.com/BaSui01/quantflow/operation"
	"github.com/BaSui01/quantflow/types"
)

// UnitFunc performs one unit of domain work (an epoch, a bar). It should
// push its latest domain payload into the bridge so checkpoint assembly
// never has to reach into the worker's private memory.
type UnitFunc func(ctx context.Context, unit int) error

// ArtifactFunc produces the binary blobs to persist with a checkpoint at
// the given unit. Nil means the checkpoint carries state only.
type ArtifactFunc func(unit int) map[string][]byte

// Loop drives the execution-loop contract for one operation: at each unit
// boundary it checks the cancellation token, writes a progress snapshot,
// and saves a periodic checkpoint when the policy says one is due.
type Loop struct {
	OperationID string

	// StartUnit is the last completed unit; execution begins at StartUnit+1
	StartUnit int

	// TotalUnits is the final unit index, inclusive
	TotalUnits int

	Policy      *operation.CheckpointPolicy
	Store       checkpoint.Store
	Token       *operation.CancellationToken
	Bridge      *operation.FullStateBridge
	Artifacts   ArtifactFunc
	SaveTimeout time.Duration

	// Metrics records save counts, durations and state sizes; nil skips
	Metrics *metrics.Collector

	Logger *zap.Logger
}

// Run executes units until done, cancelled, or failed. On cancellation it
// persists a cancellation checkpoint with the best-known state and returns
// ErrCancelled; when no unit has completed yet there is no meaningful
// partial state and the save is skipped. On a domain error it persists a
// best-effort failure checkpoint and propagates the error unchanged.
func (l *Loop) Run(ctx context.Context, unitFn UnitFunc) error {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	for unit := l.StartUnit + 1; unit <= l.TotalUnits; unit++ {
		if l.Token.Cancelled() {
			completed := unit - 1
			if completed > 0 {
				if err := l.save(ctx, checkpoint.TypeCancellation, completed); err != nil {
					logger.Error("cancellation checkpoint failed",
						zap.String("operation_id", l.OperationID),
						zap.Error(err),
					)
					return err
				}
			}
			return ErrCancelled
		}

		if err := unitFn(ctx, unit); err != nil {
			if completed := unit - 1; completed > 0 {
				if serr := l.save(ctx, checkpoint.TypeFailure, completed); serr != nil {
					logger.Warn("failure checkpoint not saved",
						zap.String("operation_id", l.OperationID),
						zap.Error(serr),
					)
				}
			}
			return err
		}

		l.Bridge.WriteState(
			float64(unit)/float64(l.TotalUnits)*100,
			fmt.Sprintf("unit %d/%d", unit, l.TotalUnits),
			nil,
		)

		if l.Policy.ShouldCheckpoint(unit) {
			if err := l.save(ctx, checkpoint.TypePeriodic, unit); err != nil {
				return err
			}
			l.Policy.RecordCheckpoint(unit)
		}
	}

	// Final cancellation check so a request landing during the last unit
	// still persists a checkpoint instead of racing completion. When this
	// invocation ran no unit (StartUnit >= TotalUnits) there is no partial
	// state to persist.
	if l.Token.Cancelled() {
		if l.TotalUnits > l.StartUnit {
			if err := l.save(ctx, checkpoint.TypeCancellation, l.TotalUnits); err != nil {
				return err
			}
		}
		return ErrCancelled
	}

	return nil
}

// save assembles state from the bridge's full-state cache and blocks the
// calling thread with a bounded timeout, as checkpoint saves may originate
// on a worker thread distinct from the coordination loop.
func (l *Loop) save(ctx context.Context, typ checkpoint.Type, unit int) error {
	state := l.Bridge.GetFullState()
	state["unit"] = unit

	var artifacts map[string][]byte
	if l.Artifacts != nil {
		artifacts = l.Artifacts(unit)
	}

	timeout := l.SaveTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	saveCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- l.Store.Save(saveCtx, l.OperationID, typ, state, artifacts)
	}()

	select {
	case err := <-done:
		if err == nil && l.Metrics != nil {
			encoded, _ := json.Marshal(state)
			l.Metrics.RecordCheckpointSave(string(typ), time.Since(started), int64(len(encoded)))
		}
		return err
	case <-saveCtx.Done():
		return types.NewErrorf(types.ErrInternalError,
			"checkpoint save timed out after %s for %s", timeout, l.OperationID)
	}
}
