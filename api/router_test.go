package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/quantflow/api/handlers"
	"github.com/BaSui01/quantflow/checkpoint"
	"github.com/BaSui01/quantflow/operation"
	"github.com/BaSui01/quantflow/orchestrator"
	"github.com/BaSui01/quantflow/types"
	"github.com/BaSui01/quantflow/worker"
)

// =============================================================================
// 🧪 HTTP API 测试：真实路由 + 真实编排器 + 内存后端
// =============================================================================

type apiHarness struct {
	server   *httptest.Server
	registry operation.Registry
	store    checkpoint.Store
	orch     *orchestrator.Orchestrator
	release  chan struct{}
}

// 训练运行时停在第一个单元边界等放行，给测试留出观察 running 态的窗口。
func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	ctx := context.Background()
	registry := operation.NewMemoryRegistry(nil)
	store := checkpoint.NewMemoryStore(nil)
	orch := orchestrator.New(orchestrator.Config{
		ProgressPollInterval: 10 * time.Millisecond,
	}, registry, store, orchestrator.NewMemoryWorkerRegistry(), nil, nil)

	release := make(chan struct{})
	fn := func(c context.Context, req worker.Request, token *operation.CancellationToken, bridge *operation.FullStateBridge) (map[string]any, error) {
		bridge.WriteState(50, "unit 1/2", nil)
		bridge.AppendMetric(types.MetricRecord{Unit: 1, Name: "loss", Value: 0.5, Timestamp: time.Now()})
		_ = store.Save(c, req.OperationID, checkpoint.TypePeriodic, map[string]any{"unit": 1}, nil)
		for {
			select {
			case <-release:
				return map[string]any{"units": 2}, nil
			case <-time.After(time.Millisecond):
				if token.Cancelled() {
					_ = store.Save(c, req.OperationID, checkpoint.TypeCancellation, map[string]any{"unit": 1}, nil)
					return nil, worker.ErrCancelled
				}
			}
		}
	}
	rt := worker.NewRuntime(worker.Config{Type: types.OperationTraining}, registry, store, fn, orch, nil)
	require.NoError(t, orch.RegisterRuntime(ctx, rt))

	mux, _ := NewRouter(RouterConfig{Version: "test"}, orch, nil)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
		rt.Wait()
	})

	return &apiHarness{server: srv, registry: registry, store: store, orch: orch, release: release}
}

type envelope struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *handlers.ErrorInfo `json:"error"`
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func (h *apiHarness) startTraining(t *testing.T, id string) {
	t.Helper()
	status, env := h.do(t, http.MethodPost, "/api/v1/operations", handlers.StartOperationRequest{
		OperationID:   id,
		OperationType: "training",
	})
	require.Equal(t, http.StatusOK, status)
	require.True(t, env.Success)
}

func (h *apiHarness) waitStatus(t *testing.T, id string, want types.OperationStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		op, err := h.registry.Get(context.Background(), id)
		return err == nil && op.Status == want
	}, 3*time.Second, 5*time.Millisecond)
}

func TestAPI_StartOperation(t *testing.T) {
	h := newAPIHarness(t)

	t.Run("valid request", func(t *testing.T) {
		status, env := h.do(t, http.MethodPost, "/api/v1/operations", handlers.StartOperationRequest{
			OperationID:   "op-1",
			OperationType: "training",
		})
		assert.Equal(t, http.StatusOK, status)
		require.True(t, env.Success)

		var data handlers.StartOperationResponse
		require.NoError(t, json.Unmarshal(env.Data, &data))
		assert.Equal(t, "op-1", data.OperationID)
		assert.Equal(t, "started", data.Status)
	})

	t.Run("duplicate id conflicts", func(t *testing.T) {
		status, env := h.do(t, http.MethodPost, "/api/v1/operations", handlers.StartOperationRequest{
			OperationID:   "op-1",
			OperationType: "training",
		})
		assert.Equal(t, http.StatusConflict, status)
		require.NotNil(t, env.Error)
		assert.Equal(t, string(types.ErrConflict), env.Error.Code)
	})

	t.Run("unknown type rejected", func(t *testing.T) {
		status, env := h.do(t, http.MethodPost, "/api/v1/operations", handlers.StartOperationRequest{
			OperationType: "mining",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, status)
		require.NotNil(t, env.Error)
		assert.Equal(t, string(types.ErrInvalidRequest), env.Error.Code)
	})

	t.Run("no runtime is unavailable and retryable", func(t *testing.T) {
		status, env := h.do(t, http.MethodPost, "/api/v1/operations", handlers.StartOperationRequest{
			OperationType: "backtesting",
		})
		assert.Equal(t, http.StatusServiceUnavailable, status)
		require.NotNil(t, env.Error)
		assert.Equal(t, string(types.ErrWorkerUnavailable), env.Error.Code)
		assert.True(t, env.Error.Retryable)
	})

	t.Run("malformed body", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, h.server.URL+"/api/v1/operations", bytes.NewReader([]byte("{not json")))
		require.NoError(t, err)
		resp, err := h.server.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})
}

func TestAPI_GetAndList(t *testing.T) {
	h := newAPIHarness(t)
	h.startTraining(t, "op-1")
	h.waitStatus(t, "op-1", types.StatusRunning)

	t.Run("get", func(t *testing.T) {
		status, env := h.do(t, http.MethodGet, "/api/v1/operations/op-1", nil)
		assert.Equal(t, http.StatusOK, status)

		var op types.Operation
		require.NoError(t, json.Unmarshal(env.Data, &op))
		assert.Equal(t, "op-1", op.ID)
		assert.Equal(t, types.StatusRunning, op.Status)
	})

	t.Run("get unknown", func(t *testing.T) {
		status, env := h.do(t, http.MethodGet, "/api/v1/operations/ghost", nil)
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, string(types.ErrNotFound), env.Error.Code)
	})

	t.Run("list with filters", func(t *testing.T) {
		status, env := h.do(t, http.MethodGet, "/api/v1/operations?type=training&status=running,resuming", nil)
		assert.Equal(t, http.StatusOK, status)

		var res operation.ListResult
		require.NoError(t, json.Unmarshal(env.Data, &res))
		require.Len(t, res.Items, 1)
		assert.Equal(t, "op-1", res.Items[0].ID)
	})
}

func TestAPI_CancelAndResume(t *testing.T) {
	h := newAPIHarness(t)
	h.startTraining(t, "op-1")
	h.waitStatus(t, "op-1", types.StatusRunning)

	t.Run("resume while running conflicts", func(t *testing.T) {
		status, env := h.do(t, http.MethodPost, "/api/v1/operations/op-1/resume", nil)
		assert.Equal(t, http.StatusConflict, status)
		assert.Equal(t, string(types.ErrConflict), env.Error.Code)
	})

	t.Run("cancel", func(t *testing.T) {
		status, _ := h.do(t, http.MethodDelete, "/api/v1/operations/op-1?reason=user+requested", nil)
		assert.Equal(t, http.StatusOK, status)
		h.waitStatus(t, "op-1", types.StatusCancelled)
	})

	t.Run("cancel again is an invalid transition", func(t *testing.T) {
		status, env := h.do(t, http.MethodDelete, "/api/v1/operations/op-1", nil)
		assert.Equal(t, http.StatusConflict, status)
		assert.Equal(t, string(types.ErrInvalidTransition), env.Error.Code)
	})

	t.Run("resume after cancel", func(t *testing.T) {
		close(h.release)
		status, _ := h.do(t, http.MethodPost, "/api/v1/operations/op-1/resume", nil)
		assert.Equal(t, http.StatusOK, status)
		h.waitStatus(t, "op-1", types.StatusCompleted)
	})

	t.Run("resume unknown", func(t *testing.T) {
		status, env := h.do(t, http.MethodPost, "/api/v1/operations/ghost/resume", nil)
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, string(types.ErrNotFound), env.Error.Code)
	})
}

func TestAPI_Metrics(t *testing.T) {
	h := newAPIHarness(t)
	h.startTraining(t, "op-1")
	h.waitStatus(t, "op-1", types.StatusRunning)

	t.Run("in flight returns records", func(t *testing.T) {
		var data handlers.MetricsResponse
		require.Eventually(t, func() bool {
			status, env := h.do(t, http.MethodGet, "/api/v1/operations/op-1/metrics?cursor=0", nil)
			if status != http.StatusOK {
				return false
			}
			require.NoError(t, json.Unmarshal(env.Data, &data))
			return len(data.Records) > 0
		}, 3*time.Second, 10*time.Millisecond)

		assert.Equal(t, "loss", data.Records[0].Name)
		assert.Equal(t, len(data.Records), data.NextCursor)

		// 同一游标的下一页为空
		status, env := h.do(t, http.MethodGet, fmt.Sprintf("/api/v1/operations/op-1/metrics?cursor=%d", data.NextCursor), nil)
		assert.Equal(t, http.StatusOK, status)
		var next handlers.MetricsResponse
		require.NoError(t, json.Unmarshal(env.Data, &next))
		assert.Empty(t, next.Records)
	})

	t.Run("finished operation returns empty page", func(t *testing.T) {
		close(h.release)
		h.waitStatus(t, "op-1", types.StatusCompleted)

		status, env := h.do(t, http.MethodGet, "/api/v1/operations/op-1/metrics?cursor=0", nil)
		assert.Equal(t, http.StatusOK, status)
		var data handlers.MetricsResponse
		require.NoError(t, json.Unmarshal(env.Data, &data))
		assert.Empty(t, data.Records)
		assert.Equal(t, 0, data.NextCursor)
	})

	t.Run("unknown operation", func(t *testing.T) {
		status, _ := h.do(t, http.MethodGet, "/api/v1/operations/ghost/metrics", nil)
		assert.Equal(t, http.StatusNotFound, status)
	})
}

func TestAPI_Workers(t *testing.T) {
	h := newAPIHarness(t)

	status, _ := h.do(t, http.MethodPost, "/api/v1/workers/register", types.WorkerInfo{
		ID:   "w-ext",
		Type: types.OperationBacktesting,
	})
	assert.Equal(t, http.StatusOK, status)

	t.Run("register requires id and type", func(t *testing.T) {
		status, env := h.do(t, http.MethodPost, "/api/v1/workers/register", types.WorkerInfo{ID: "w-bad"})
		assert.Equal(t, http.StatusUnprocessableEntity, status)
		require.NotNil(t, env.Error)
	})

	t.Run("heartbeat", func(t *testing.T) {
		status, _ := h.do(t, http.MethodPost, "/api/v1/workers/w-ext/heartbeat", nil)
		assert.Equal(t, http.StatusOK, status)

		status, env := h.do(t, http.MethodPost, "/api/v1/workers/ghost/heartbeat", nil)
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, string(types.ErrNotFound), env.Error.Code)
	})

	t.Run("list includes registered runtimes", func(t *testing.T) {
		status, env := h.do(t, http.MethodGet, "/api/v1/workers", nil)
		assert.Equal(t, http.StatusOK, status)

		var data struct {
			Workers []types.WorkerInfo `json:"workers"`
			Count   int                `json:"count"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &data))
		// 进程内训练运行时 + 外部注册的回测 Worker
		assert.Equal(t, 2, data.Count)
	})
}

func TestAPI_Health(t *testing.T) {
	registry := operation.NewMemoryRegistry(nil)
	store := checkpoint.NewMemoryStore(nil)
	orch := orchestrator.New(orchestrator.Config{}, registry, store, orchestrator.NewMemoryWorkerRegistry(), nil, nil)
	mux, health := NewRouter(RouterConfig{Version: "1.2.3"}, orch, nil)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	resp, err := srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body handlers.HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "1.2.3", body.Version)

	// 任一检查失败即降级
	health.RegisterCheck(handlers.HealthCheckFunc{
		CheckName: "redis",
		Fn:        func(context.Context) error { return fmt.Errorf("connection refused") },
	})
	resp2, err := srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}
