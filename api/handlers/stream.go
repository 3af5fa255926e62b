package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/quantflow/orchestrator"
	"github.com/BaSui01/quantflow/types"
)

// =============================================================================
// 📡 WebSocket 进度流 Handler
// =============================================================================

// StreamHandler 将在飞操作的进度桥推送为 WebSocket 消息流。
// 推送仍是拉模型：处理器按节奏读桥，Worker 线程写进度的成本不变。
type StreamHandler struct {
	orch         *orchestrator.Orchestrator
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewStreamHandler 创建进度流处理器
func NewStreamHandler(orch *orchestrator.Orchestrator, pollInterval time.Duration, logger *zap.Logger) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &StreamHandler{
		orch:         orch,
		pollInterval: pollInterval,
		logger:       logger.With(zap.String("component", "stream_handler")),
	}
}

// StreamEvent 单条推送消息
type StreamEvent struct {
	OperationID string                  `json:"operation_id"`
	Status      types.OperationStatus   `json:"status"`
	Progress    *types.ProgressSnapshot `json:"progress,omitempty"`
	Metrics     []types.MetricRecord    `json:"metrics,omitempty"`
	Final       bool                    `json:"final"`
}

// HandleStream GET /api/v1/operations/{id}/stream
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	id := operationID(r)
	if _, err := h.orch.Registry().Get(r.Context(), id); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.String("operation_id", id), zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	ctx := r.Context()
	h.logger.Info("progress stream opened", zap.String("operation_id", id))

	if err := h.stream(ctx, conn, id); err != nil && ctx.Err() == nil {
		h.logger.Debug("progress stream ended", zap.String("operation_id", id), zap.Error(err))
		return
	}
	conn.Close(websocket.StatusNormalClosure, "operation finished")
}

func (h *StreamHandler) stream(ctx context.Context, conn *websocket.Conn, id string) error {
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	cursor := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		op, err := h.orch.Registry().Get(ctx, id)
		if err != nil {
			return err
		}

		event := StreamEvent{
			OperationID: id,
			Status:      op.Status,
			Progress:    op.Progress,
			Final:       op.Status.IsTerminal(),
		}
		if bridge, ok := h.orch.Bridge(id); ok {
			snap := bridge.ReadState()
			if !snap.UpdatedAt.IsZero() {
				event.Progress = &snap
			}
			event.Metrics, cursor = bridge.ReadMetrics(cursor)
		}

		if err := writeEvent(ctx, conn, event); err != nil {
			return err
		}
		if event.Final {
			return nil
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
