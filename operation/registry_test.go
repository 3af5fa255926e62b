package operation

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/quantflow/types"
)

// =============================================================================
// 🧪 MemoryRegistry 测试
// =============================================================================

func newTestRegistry(t *testing.T) *MemoryRegistry {
	t.Helper()
	return NewMemoryRegistry(zap.NewNop())
}

func createRunning(t *testing.T, r Registry, id string) {
	t.Helper()
	ctx := context.Background()
	_, err := r.Create(ctx, id, types.OperationTraining, map[string]string{"epochs": "10"}, "")
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx, id))
}

func TestMemoryRegistry_Lifecycle(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	op, err := r.Create(ctx, "", types.OperationTraining, map[string]string{"k": "v"}, "")
	require.NoError(t, err)
	assert.NotEmpty(t, op.ID)
	assert.Equal(t, types.StatusPending, op.Status)
	assert.Nil(t, op.StartedAt)

	require.NoError(t, r.Start(ctx, op.ID))
	got, err := r.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	require.NoError(t, r.Complete(ctx, op.ID, map[string]any{"score": 0.9}))
	got, err = r.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.Equal(t, 0.9, got.ResultSummary["score"])
	require.NotNil(t, got.CompletedAt)
}

func TestMemoryRegistry_DuplicateCreate(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	_, err := r.Create(ctx, "op-1", types.OperationTraining, nil, "")
	require.NoError(t, err)
	_, err = r.Create(ctx, "op-1", types.OperationTraining, nil, "")
	assert.True(t, types.IsConflict(err))
}

func TestMemoryRegistry_IllegalTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("complete before start", func(t *testing.T) {
		r := newTestRegistry(t)
		_, err := r.Create(ctx, "op-1", types.OperationTraining, nil, "")
		require.NoError(t, err)

		err = r.Complete(ctx, "op-1", nil)
		assert.Equal(t, types.ErrInvalidTransition, types.GetErrorCode(err))
	})

	t.Run("cancel after complete", func(t *testing.T) {
		r := newTestRegistry(t)
		createRunning(t, r, "op-2")
		require.NoError(t, r.Complete(ctx, "op-2", nil))

		err := r.Cancel(ctx, "op-2", "too late")
		assert.Equal(t, types.ErrInvalidTransition, types.GetErrorCode(err))
	})

	t.Run("start unknown operation", func(t *testing.T) {
		r := newTestRegistry(t)
		err := r.Start(ctx, "missing")
		assert.True(t, types.IsNotFound(err))
	})
}

func TestMemoryRegistry_FailPreservesMessage(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	createRunning(t, r, "op-1")

	require.NoError(t, r.Fail(ctx, "op-1", "no usable training data"))
	got, err := r.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, "no usable training data", got.ErrorMessage)
}

func TestMemoryRegistry_CancelRecordsReason(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	createRunning(t, r, "op-1")

	require.NoError(t, r.Cancel(ctx, "op-1", "operator request"))
	got, err := r.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, got.Status)
	assert.Equal(t, "operator request", got.Metadata["cancel_reason"])
}

func TestMemoryRegistry_TryResume(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown id returns not found", func(t *testing.T) {
		r := newTestRegistry(t)
		_, err := r.TryResume(ctx, "missing")
		assert.True(t, types.IsNotFound(err))
	})

	t.Run("running operation is not resumable", func(t *testing.T) {
		r := newTestRegistry(t)
		createRunning(t, r, "op-1")
		won, err := r.TryResume(ctx, "op-1")
		require.NoError(t, err)
		assert.False(t, won)
	})

	t.Run("cancelled operation resumes once", func(t *testing.T) {
		r := newTestRegistry(t)
		createRunning(t, r, "op-1")
		require.NoError(t, r.Cancel(ctx, "op-1", ""))

		won, err := r.TryResume(ctx, "op-1")
		require.NoError(t, err)
		assert.True(t, won)

		got, err := r.Get(ctx, "op-1")
		require.NoError(t, err)
		assert.Equal(t, types.StatusResuming, got.Status)
		assert.Empty(t, got.ErrorMessage)
		assert.Nil(t, got.CompletedAt)

		// 第二次必然失败
		won, err = r.TryResume(ctx, "op-1")
		require.NoError(t, err)
		assert.False(t, won)
	})

	t.Run("resuming can restart", func(t *testing.T) {
		r := newTestRegistry(t)
		createRunning(t, r, "op-1")
		require.NoError(t, r.Fail(ctx, "op-1", "boom"))

		won, err := r.TryResume(ctx, "op-1")
		require.NoError(t, err)
		require.True(t, won)
		require.NoError(t, r.Start(ctx, "op-1"))

		got, err := r.Get(ctx, "op-1")
		require.NoError(t, err)
		assert.Equal(t, types.StatusRunning, got.Status)
	})
}

// 恢复互斥：N 个并发调用者恰好一个胜出。
func TestMemoryRegistry_TryResume_ExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	createRunning(t, r, "op-1")
	require.NoError(t, r.Cancel(ctx, "op-1", ""))

	const callers = 50
	var wg sync.WaitGroup
	results := make([]bool, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			won, err := r.TryResume(ctx, "op-1")
			assert.NoError(t, err)
			results[i] = won
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, won := range results {
		if won {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one caller must win the resume race")
}

func TestMemoryRegistry_List(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	for _, id := range []string{"a", "b", "c", "d"} {
		_, err := r.Create(ctx, id, types.OperationTraining, nil, "")
		require.NoError(t, err)
	}
	_, err := r.Create(ctx, "bt", types.OperationBacktesting, nil, "a")
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx, "a"))
	require.NoError(t, r.Complete(ctx, "a", nil))

	t.Run("filter by type", func(t *testing.T) {
		res, err := r.List(ctx, Filter{Type: types.OperationBacktesting})
		require.NoError(t, err)
		assert.Equal(t, 1, res.TotalCount)
		assert.Equal(t, "bt", res.Items[0].ID)
	})

	t.Run("filter by status", func(t *testing.T) {
		res, err := r.List(ctx, Filter{Status: []types.OperationStatus{types.StatusCompleted}})
		require.NoError(t, err)
		assert.Equal(t, 1, res.TotalCount)
	})

	t.Run("filter by parent", func(t *testing.T) {
		res, err := r.List(ctx, Filter{ParentID: "a"})
		require.NoError(t, err)
		require.Len(t, res.Items, 1)
		assert.Equal(t, "bt", res.Items[0].ID)
	})

	t.Run("paging", func(t *testing.T) {
		res, err := r.List(ctx, Filter{Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 5, res.TotalCount)
		assert.Len(t, res.Items, 2)

		res2, err := r.List(ctx, Filter{Limit: 2, Offset: 4})
		require.NoError(t, err)
		assert.Len(t, res2.Items, 1)
	})

	t.Run("active count ignores filter", func(t *testing.T) {
		res, err := r.List(ctx, Filter{Type: types.OperationBacktesting})
		require.NoError(t, err)
		assert.Equal(t, 4, res.ActiveCount)
	})
}

func TestGenerateID(t *testing.T) {
	a, b := GenerateID(), GenerateID()
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "op_")
}
