package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/quantflow/operation"
	"github.com/BaSui01/quantflow/orchestrator"
	"github.com/BaSui01/quantflow/types"
)

// =============================================================================
// 🚀 操作生命周期 Handler
// =============================================================================

// OperationHandler 操作生命周期处理器
type OperationHandler struct {
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
}

// NewOperationHandler 创建操作处理器
func NewOperationHandler(orch *orchestrator.Orchestrator, logger *zap.Logger) *OperationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationHandler{
		orch:   orch,
		logger: logger.With(zap.String("component", "operation_handler")),
	}
}

// StartOperationRequest 启动操作请求
type StartOperationRequest struct {
	OperationID   string            `json:"operation_id,omitempty"`
	OperationType string            `json:"operation_type"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ParentID      string            `json:"parent_operation_id,omitempty"`
}

// StartOperationResponse 启动/恢复操作响应
type StartOperationResponse struct {
	OperationID string `json:"operation_id"`
	Status      string `json:"status"`
}

// HandleStart POST /api/v1/operations
func (h *OperationHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req StartOperationRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	typ := types.OperationType(req.OperationType)
	switch typ {
	case types.OperationTraining, types.OperationBacktesting, types.OperationAgentResearch:
	default:
		WriteError(w, types.NewErrorf(types.ErrInvalidRequest, "unknown operation_type: %q", req.OperationType).
			WithHTTPStatus(http.StatusUnprocessableEntity), h.logger)
		return
	}

	op, err := h.orch.StartOperation(r.Context(), req.OperationID, typ, req.Metadata, req.ParentID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, StartOperationResponse{OperationID: op.ID, Status: "started"})
}

// HandleResume POST /api/v1/operations/{id}/resume
func (h *OperationHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	id := operationID(r)
	op, err := h.orch.Resume(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, StartOperationResponse{OperationID: op.ID, Status: "started"})
}

// HandleCancel DELETE /api/v1/operations/{id}
func (h *OperationHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := operationID(r)
	reason := r.URL.Query().Get("reason")
	if err := h.orch.Cancel(r.Context(), id, reason); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"operation_id": id, "status": "cancelling"})
}

// HandleGet GET /api/v1/operations/{id}
func (h *OperationHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	op, err := h.orch.Registry().Get(r.Context(), operationID(r))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, op)
}

// HandleList GET /api/v1/operations
func (h *OperationHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := operation.Filter{
		Type:     types.OperationType(q.Get("type")),
		ParentID: q.Get("parent_id"),
		Limit:    intQuery(q.Get("limit"), 50),
		Offset:   intQuery(q.Get("offset"), 0),
	}
	for _, s := range strings.Split(q.Get("status"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			filter.Status = append(filter.Status, types.OperationStatus(s))
		}
	}

	res, err := h.orch.Registry().List(r.Context(), filter)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, res)
}

// MetricsResponse 游标式指标日志响应
type MetricsResponse struct {
	OperationID string               `json:"operation_id"`
	Records     []types.MetricRecord `json:"records"`
	NextCursor  int                  `json:"next_cursor"`
}

// HandleMetrics GET /api/v1/operations/{id}/metrics?cursor=N
//
// 指标日志只在执行期间存在于进度桥中：同一游标重复拉取只得到新增
// 记录，执行结束后返回空页与原游标。
func (h *OperationHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	id := operationID(r)
	cursor := intQuery(r.URL.Query().Get("cursor"), 0)

	bridge, ok := h.orch.Bridge(id)
	if !ok {
		// 不在飞：确认操作存在后返回空页
		if _, err := h.orch.Registry().Get(r.Context(), id); err != nil {
			WriteError(w, err, h.logger)
			return
		}
		WriteSuccess(w, MetricsResponse{OperationID: id, Records: []types.MetricRecord{}, NextCursor: cursor})
		return
	}

	records, next := bridge.ReadMetrics(cursor)
	WriteSuccess(w, MetricsResponse{OperationID: id, Records: records, NextCursor: next})
}

// operationID 提取路径参数 {id}。
func operationID(r *http.Request) string {
	return r.PathValue("id")
}

func intQuery(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
