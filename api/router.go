// Package api 组装 HTTP 路由。
package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/quantflow/api/handlers"
	"github.com/BaSui01/quantflow/orchestrator"
)

// RouterConfig 路由装配参数。
type RouterConfig struct {
	// Version 报告在 /health 里的构建版本
	Version string

	// StreamPollInterval WebSocket 推送节奏
	StreamPollInterval time.Duration

	// Gatherer 为 nil 时不暴露 /metrics
	Gatherer prometheus.Gatherer
}

// NewRouter 构建全部路由，并返回健康处理器供调用方注册依赖检查。
func NewRouter(cfg RouterConfig, orch *orchestrator.Orchestrator, logger *zap.Logger) (*http.ServeMux, *handlers.HealthHandler) {
	ops := handlers.NewOperationHandler(orch, logger)
	workers := handlers.NewWorkerHandler(orch.Workers(), logger)
	stream := handlers.NewStreamHandler(orch, cfg.StreamPollInterval, logger)
	health := handlers.NewHealthHandler(cfg.Version, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/operations", ops.HandleStart)
	mux.HandleFunc("GET /api/v1/operations", ops.HandleList)
	mux.HandleFunc("GET /api/v1/operations/{id}", ops.HandleGet)
	mux.HandleFunc("GET /api/v1/operations/{id}/metrics", ops.HandleMetrics)
	mux.HandleFunc("GET /api/v1/operations/{id}/stream", stream.HandleStream)
	mux.HandleFunc("POST /api/v1/operations/{id}/resume", ops.HandleResume)
	mux.HandleFunc("DELETE /api/v1/operations/{id}", ops.HandleCancel)

	mux.HandleFunc("GET /api/v1/workers", workers.HandleList)
	mux.HandleFunc("POST /api/v1/workers/register", workers.HandleRegister)
	mux.HandleFunc("POST /api/v1/workers/{id}/heartbeat", workers.HandleHeartbeat)

	mux.HandleFunc("GET /health", health.HandleHealth)
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	return mux, health
}
