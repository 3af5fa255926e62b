package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/quantflow/orchestrator"
	"github.com/BaSui01/quantflow/types"
)

// =============================================================================
// 👷 Worker 注册表 Handler
// =============================================================================

// WorkerHandler Worker 注册表查询/注册处理器
type WorkerHandler struct {
	workers orchestrator.WorkerRegistry
	logger  *zap.Logger
}

// NewWorkerHandler 创建 Worker 处理器
func NewWorkerHandler(workers orchestrator.WorkerRegistry, logger *zap.Logger) *WorkerHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerHandler{
		workers: workers,
		logger:  logger.With(zap.String("component", "worker_handler")),
	}
}

// HandleList GET /api/v1/workers
func (h *WorkerHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.workers.List(r.Context())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]any{"workers": list, "count": len(list)})
}

// HandleRegister POST /api/v1/workers/register
//
// 进程外 Worker 的自注册入口。注册记录是短暂的：心跳停止后由 TTL
// 过期，Worker 重启后重新注册。
func (h *WorkerHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var info types.WorkerInfo
	if err := DecodeJSONBody(w, r, &info, h.logger); err != nil {
		return
	}
	if info.ID == "" || info.Type == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "worker_id and worker_type are required").
			WithHTTPStatus(http.StatusUnprocessableEntity), h.logger)
		return
	}

	if err := h.workers.Register(r.Context(), info); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"worker_id": info.ID, "status": "registered"})
}

// HandleHeartbeat POST /api/v1/workers/{id}/heartbeat
func (h *WorkerHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.workers.Heartbeat(r.Context(), id); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"worker_id": id, "status": "alive"})
}
