package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/quantflow/checkpoint"
	"github.com/BaSui01/quantflow/internal/metrics"
	"github.com/BaSui01/quantflow/operation"
	"github.com/BaSui01/quantflow/types"
	"github.com/BaSui01/quantflow/worker"
)

// =============================================================================
// 🧪 编排器测试基座
// =============================================================================

type testHarness struct {
	orch     *Orchestrator
	registry operation.Registry
	store    checkpoint.Store
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	registry := operation.NewMemoryRegistry(nil)
	store := checkpoint.NewMemoryStore(nil)
	orch := New(Config{
		ProgressPollInterval: 10 * time.Millisecond,
	}, registry, store, NewMemoryWorkerRegistry(), nil, nil)
	return &testHarness{orch: orch, registry: registry, store: store}
}

func (h *testHarness) addRuntime(t *testing.T, typ types.OperationType, fn worker.OperationFunc) *worker.Runtime {
	t.Helper()
	rt := worker.NewRuntime(worker.Config{Type: typ}, h.registry, h.store, fn, h.orch, nil)
	require.NoError(t, h.orch.RegisterRuntime(context.Background(), rt))
	return rt
}

func waitForStatus(t *testing.T, registry operation.Registry, id string, want types.OperationStatus) *types.Operation {
	t.Helper()
	var op *types.Operation
	require.Eventually(t, func() bool {
		var err error
		op, err = registry.Get(context.Background(), id)
		return err == nil && op.Status == want
	}, 3*time.Second, 5*time.Millisecond, "operation %s never reached %s", id, want)
	return op
}

// 固定步数的最小域函数：每步上报进度，单元边界检查取消令牌,
// 取消时先存取消检查点再退出。
func countingFunc(store checkpoint.Store, units int) worker.OperationFunc {
	return func(ctx context.Context, req worker.Request, token *operation.CancellationToken, bridge *operation.FullStateBridge) (map[string]any, error) {
		start := 0
		if req.Resume != nil {
			start = req.Resume.LastUnit
		}
		for unit := start + 1; unit <= units; unit++ {
			if token.Cancelled() {
				_ = store.Save(ctx, req.OperationID, checkpoint.TypeCancellation, map[string]any{"unit": unit - 1}, nil)
				return nil, worker.ErrCancelled
			}
			bridge.WriteState(float64(unit)/float64(units)*100, fmt.Sprintf("unit %d/%d", unit, units), nil)
			_ = store.Save(ctx, req.OperationID, checkpoint.TypePeriodic, map[string]any{"unit": unit}, nil)
			time.Sleep(time.Millisecond)
		}
		return map[string]any{"units": units}, nil
	}
}

// blockingFunc 在收到放行信号前停在第一个单元边界。
func blockingFunc(store checkpoint.Store, release <-chan struct{}) worker.OperationFunc {
	return func(ctx context.Context, req worker.Request, token *operation.CancellationToken, bridge *operation.FullStateBridge) (map[string]any, error) {
		bridge.WriteState(50, "unit 1/2", nil)
		_ = store.Save(ctx, req.OperationID, checkpoint.TypePeriodic, map[string]any{"unit": 1}, nil)
		for {
			select {
			case <-release:
				return map[string]any{"units": 2}, nil
			case <-time.After(time.Millisecond):
				if token.Cancelled() {
					_ = store.Save(ctx, req.OperationID, checkpoint.TypeCancellation, map[string]any{"unit": 1}, nil)
					return nil, worker.ErrCancelled
				}
			}
		}
	}
}

// =============================================================================
// 🧪 生命周期
// =============================================================================

func TestOrchestrator_StartToCompletion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addRuntime(t, types.OperationTraining, countingFunc(h.store, 5))

	op, err := h.orch.StartOperation(ctx, "op-1", types.OperationTraining, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "op-1", op.ID)

	done := waitForStatus(t, h.registry, "op-1", types.StatusCompleted)
	assert.NotNil(t, done.CompletedAt)
	assert.EqualValues(t, 5, done.ResultSummary["units"])

	// 完成后检查点必须不可见
	exists, err := h.store.Exists(ctx, "op-1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestOrchestrator_NoRuntimeAvailable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.orch.StartOperation(ctx, "op-1", types.OperationTraining, nil, "")
	require.Error(t, err)
	assert.Equal(t, types.ErrWorkerUnavailable, types.GetErrorCode(err))

	op, err := h.registry.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, op.Status, "pre-flight failure lands the operation in failed")
}

func TestOrchestrator_DuplicateStart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	release := make(chan struct{})
	defer close(release)
	h.addRuntime(t, types.OperationTraining, blockingFunc(h.store, release))

	_, err := h.orch.StartOperation(ctx, "op-1", types.OperationTraining, nil, "")
	require.NoError(t, err)

	_, err = h.orch.StartOperation(ctx, "op-1", types.OperationTraining, nil, "")
	assert.True(t, types.IsConflict(err))
}

func TestOrchestrator_CancelPreservesCheckpoint(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	release := make(chan struct{})
	h.addRuntime(t, types.OperationTraining, blockingFunc(h.store, release))

	_, err := h.orch.StartOperation(ctx, "op-1", types.OperationTraining, nil, "")
	require.NoError(t, err)
	waitForStatus(t, h.registry, "op-1", types.StatusRunning)

	require.NoError(t, h.orch.Cancel(ctx, "op-1", "user requested"))
	waitForStatus(t, h.registry, "op-1", types.StatusCancelled)

	cp, err := h.store.Load(ctx, "op-1", false)
	require.NoError(t, err, "cancellation leaves a resumable checkpoint behind")
	assert.Equal(t, checkpoint.TypeCancellation, cp.Type)
	assert.Equal(t, 1, cp.Unit())
}

func TestOrchestrator_CancelNonRunning(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addRuntime(t, types.OperationTraining, countingFunc(h.store, 2))

	_, err := h.orch.StartOperation(ctx, "op-1", types.OperationTraining, nil, "")
	require.NoError(t, err)
	waitForStatus(t, h.registry, "op-1", types.StatusCompleted)

	err = h.orch.Cancel(ctx, "op-1", "too late")
	assert.Equal(t, types.ErrInvalidTransition, types.GetErrorCode(err))
}

func TestOrchestrator_ResumeAfterCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	release := make(chan struct{})
	h.addRuntime(t, types.OperationTraining, blockingFunc(h.store, release))

	_, err := h.orch.StartOperation(ctx, "op-1", types.OperationTraining, nil, "")
	require.NoError(t, err)
	waitForStatus(t, h.registry, "op-1", types.StatusRunning)
	require.NoError(t, h.orch.Cancel(ctx, "op-1", "pause"))
	waitForStatus(t, h.registry, "op-1", types.StatusCancelled)

	// 放行后恢复：从检查点继续并完成
	close(release)
	_, err = h.orch.Resume(ctx, "op-1")
	require.NoError(t, err)

	done := waitForStatus(t, h.registry, "op-1", types.StatusCompleted)
	assert.EqualValues(t, 2, done.ResultSummary["units"])
}

func TestOrchestrator_ResumeConflicts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	release := make(chan struct{})
	defer close(release)
	h.addRuntime(t, types.OperationTraining, blockingFunc(h.store, release))

	_, err := h.orch.StartOperation(ctx, "op-1", types.OperationTraining, nil, "")
	require.NoError(t, err)
	waitForStatus(t, h.registry, "op-1", types.StatusRunning)

	t.Run("running operation is not resumable", func(t *testing.T) {
		_, err := h.orch.Resume(ctx, "op-1")
		assert.True(t, types.IsConflict(err))
	})

	t.Run("unknown operation", func(t *testing.T) {
		_, err := h.orch.Resume(ctx, "ghost")
		assert.True(t, types.IsNotFound(err))
	})
}

func TestOrchestrator_ResumeWithoutCheckpoint(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addRuntime(t, types.OperationTraining, countingFunc(h.store, 2))

	// 直接在注册表造一个 failed 操作，不经过 Worker，也就没有检查点
	_, err := h.registry.Create(ctx, "op-1", types.OperationTraining, nil, "")
	require.NoError(t, err)
	require.NoError(t, h.registry.Fail(ctx, "op-1", "boom"))

	_, err = h.orch.Resume(ctx, "op-1")
	require.Error(t, err)
	assert.Equal(t, types.ErrCheckpointNotFound, types.GetErrorCode(err))

	op, err := h.registry.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, op.Status, "failed dispatch returns the operation to failed")
}

// =============================================================================
// 🧪 对账
// =============================================================================

func TestOrchestrator_ReconcileOrphans(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	release := make(chan struct{})
	defer close(release)
	h.addRuntime(t, types.OperationTraining, blockingFunc(h.store, release))

	// 在飞操作：对账不得动它
	_, err := h.orch.StartOperation(ctx, "op-live", types.OperationTraining, nil, "")
	require.NoError(t, err)
	waitForStatus(t, h.registry, "op-live", types.StatusRunning)

	// 孤儿：注册表里 running 但没有任何运行时在执行（进程重启残留）
	_, err = h.registry.Create(ctx, "op-orphan", types.OperationTraining, nil, "")
	require.NoError(t, err)
	require.NoError(t, h.registry.Start(ctx, "op-orphan"))

	h.orch.Reconcile(ctx)

	orphan, err := h.registry.Get(ctx, "op-orphan")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, orphan.Status)
	assert.Contains(t, orphan.ErrorMessage, "worker lost")

	live, err := h.registry.Get(ctx, "op-live")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, live.Status, "executing operations survive reconciliation")
}

func TestOrchestrator_ProgressRelay(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addRuntime(t, types.OperationTraining, countingFunc(h.store, 20))

	_, err := h.orch.StartOperation(ctx, "op-1", types.OperationTraining, nil, "")
	require.NoError(t, err)

	// 中继把桥上的进度搬进注册表
	require.Eventually(t, func() bool {
		op, err := h.registry.Get(ctx, "op-1")
		return err == nil && op.Progress != nil && op.Progress.Percentage > 0
	}, 3*time.Second, 5*time.Millisecond)

	waitForStatus(t, h.registry, "op-1", types.StatusCompleted)
}

func TestOrchestrator_InstantCompletionClearsDispatch(t *testing.T) {
	ctx := context.Background()
	registry := operation.NewMemoryRegistry(nil)
	store := checkpoint.NewMemoryStore(nil)
	promReg := prometheus.NewRegistry()
	orch := New(Config{ProgressPollInterval: 10 * time.Millisecond},
		registry, store, NewMemoryWorkerRegistry(),
		metrics.NewCollector("quantflow", promReg, nil), nil)

	instant := func(ctx context.Context, req worker.Request, token *operation.CancellationToken, bridge *operation.FullStateBridge) (map[string]any, error) {
		return map[string]any{"units": 0}, nil
	}
	rt := worker.NewRuntime(worker.Config{Type: types.OperationTraining}, registry, store, instant, orch, nil)
	require.NoError(t, orch.RegisterRuntime(ctx, rt))

	_, err := orch.StartOperation(ctx, "op-1", types.OperationTraining, nil, "")
	require.NoError(t, err)
	waitForStatus(t, registry, "op-1", types.StatusCompleted)

	// 终态回调可能早于 StartOperation 返回：在飞记录必须被清空，
	// 终态指标必须落账
	require.Eventually(t, func() bool {
		orch.mu.RLock()
		pending := len(orch.dispatched)
		orch.mu.RUnlock()
		return pending == 0 && completedOperations(promReg) == 1.0
	}, 3*time.Second, 5*time.Millisecond)
}

func completedOperations(reg *prometheus.Registry) float64 {
	families, err := reg.Gather()
	if err != nil {
		return -1
	}
	for _, f := range families {
		if f.GetName() != "quantflow_operations_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "status" && l.GetValue() == "completed" {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
