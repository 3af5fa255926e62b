package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/quantflow/checkpoint"
	"github.com/BaSui01/quantflow/operation"
	"github.com/BaSui01/quantflow/worker"
)

func testDeps(store checkpoint.Store, unitInterval, maxSeriesPoints int) DomainDeps {
	return DomainDeps{
		Store: store,
		PolicyFactory: func() *operation.CheckpointPolicy {
			return operation.NewCheckpointPolicy(unitInterval, 0)
		},
		SaveTimeout:     time.Second,
		MaxSeriesPoints: maxSeriesPoints,
	}
}

func TestBacktesterFunc_SamplesEquitySeries(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore(nil)
	fn := NewBacktesterFunc(testDeps(store, 400, 100))

	token := operation.NewCancellationToken("bt-1")
	bridge := operation.NewFullStateBridge()
	result, err := fn(ctx, worker.Request{
		OperationID: "bt-1",
		Params:      map[string]string{"bars": "1200"},
	}, token, bridge)
	require.NoError(t, err)
	assert.Equal(t, 1200, result["bars"])

	// 周期检查点落在 1200，权益序列被抽样压缩，末点保留
	cp, err := store.Load(ctx, "bt-1", false)
	require.NoError(t, err)
	series, ok := cp.State["equity_series"].([]any)
	require.True(t, ok, "checkpoint state carries the sampled equity series")
	assert.LessOrEqual(t, len(series), 101)
	assert.Greater(t, len(series), 1)
	assert.InDelta(t, cp.State["equity"].(float64), series[len(series)-1].(float64), 1e-9)
}

func TestBacktesterFunc_ResumeRestoresSeries(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore(nil)
	fn := NewBacktesterFunc(testDeps(store, 100, 50))

	bridge := operation.NewFullStateBridge()
	_, err := fn(ctx, worker.Request{
		OperationID: "bt-2",
		Params:      map[string]string{"bars": "200"},
		Resume: &worker.ResumeContext{
			LastUnit: 100,
			State: map[string]any{
				"equity":        1.02,
				"peak":          1.05,
				"wins":          60.0,
				"equity_series": []any{1.0, 1.01, 1.02},
			},
		},
	}, operation.NewCancellationToken("bt-2"), bridge)
	require.NoError(t, err)

	cp, err := store.Load(ctx, "bt-2", false)
	require.NoError(t, err)
	series := cp.State["equity_series"].([]any)
	// 恢复的序列被续接而不是重置
	assert.InDelta(t, 1.0, series[0].(float64), 1e-9)
	assert.Greater(t, len(series), 3)
}

func TestTrainerFunc_RunsToCompletion(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore(checkpoint.DefaultModelManifest())
	fn := NewTrainerFunc(testDeps(store, 10, 0))

	result, err := fn(ctx, worker.Request{
		OperationID: "tr-1",
		Params:      map[string]string{"epochs": "20"},
	}, operation.NewCancellationToken("tr-1"), operation.NewFullStateBridge())
	require.NoError(t, err)

	assert.Equal(t, 20, result["epochs"])
	assert.Less(t, result["final_loss"].(float64), result["initial_loss"].(float64))

	cp, err := store.Load(ctx, "tr-1", true)
	require.NoError(t, err)
	assert.Equal(t, 20, cp.Unit())
	assert.NotEmpty(t, cp.Artifacts["model"])
}
