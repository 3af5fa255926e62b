// =============================================================================
// QuantFlow 服务装配
// =============================================================================

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/quantflow/api"
	"github.com/BaSui01/quantflow/checkpoint"
	"github.com/BaSui01/quantflow/config"
	"github.com/BaSui01/quantflow/internal/metrics"
	"github.com/BaSui01/quantflow/internal/server"
	"github.com/BaSui01/quantflow/internal/telemetry"
	"github.com/BaSui01/quantflow/operation"
	"github.com/BaSui01/quantflow/orchestrator"
	"github.com/BaSui01/quantflow/research"
	"github.com/BaSui01/quantflow/types"
	"github.com/BaSui01/quantflow/worker"
)

// Server 聚合全部运行组件。
type Server struct {
	cfg   *config.Config
	logger *zap.Logger

	otel    *telemetry.Providers
	redisCl *redis.Client

	orch     *orchestrator.Orchestrator
	runtimes []*worker.Runtime
	httpMgr  *server.Manager

	cancelRun context.CancelFunc
}

// NewServer 依配置装配注册表、检查点仓库、协调器、Worker 运行时与路由。
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers, db *gorm.DB) (*Server, error) {
	registry, err := operation.NewGormRegistry(db, logger)
	if err != nil {
		return nil, fmt.Errorf("init operation registry: %w", err)
	}

	store, err := checkpoint.NewGormStore(db, checkpoint.StoreConfig{
		ArtifactDir: cfg.Checkpoint.ArtifactDir,
		Manifest:    checkpoint.DefaultModelManifest(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init checkpoint store: %w", err)
	}

	s := &Server{cfg: cfg, logger: logger, otel: otelProviders}

	var workers orchestrator.WorkerRegistry
	if cfg.Redis.Enabled {
		s.redisCl = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.redisCl.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		workers = orchestrator.NewRedisWorkerRegistry(s.redisCl, cfg.Redis.RegistrationTTL, logger)
	} else {
		workers = orchestrator.NewMemoryWorkerRegistry()
	}

	promRegistry := prometheus.NewRegistry()
	collector := metrics.NewCollector("quantflow", promRegistry, logger)

	s.orch = orchestrator.New(orchestrator.Config{
		ProgressPollInterval: cfg.Worker.ProgressPollInterval,
		HeartbeatInterval:    cfg.Worker.HeartbeatInterval,
		ReconcileInterval:    cfg.Worker.HeartbeatTimeout,
	}, registry, store, workers, collector, logger)

	// 内建 Worker 运行时：训练、回测、研究工作流
	wcfg := func(typ types.OperationType) worker.Config {
		return worker.Config{
			Type:        typ,
			EndpointURL: cfg.Worker.EndpointURL,
			SaveTimeout: cfg.Checkpoint.SaveTimeout,
		}
	}
	policyFactory := func() *operation.CheckpointPolicy {
		return operation.NewCheckpointPolicy(cfg.Checkpoint.UnitInterval, cfg.Checkpoint.WallInterval)
	}

	deps := DomainDeps{
		Store:           store,
		PolicyFactory:   policyFactory,
		Metrics:         collector,
		SaveTimeout:     cfg.Checkpoint.SaveTimeout,
		MaxSeriesPoints: cfg.Checkpoint.MaxSeriesPoints,
		Logger:          logger,
	}
	trainer := NewTrainerFunc(deps)
	backtester := NewBacktesterFunc(deps)

	trainRT := worker.NewRuntime(wcfg(types.OperationTraining), registry, store, trainer, s.orch, logger)
	backtestRT := worker.NewRuntime(wcfg(types.OperationBacktesting), registry, store, backtester, s.orch, logger)

	workflow := research.NewWorkflow(s.orch, store, cfg.Gates,
		templateDesigner{}, templateAssessor{},
		research.NewCostAccountant("", 0), collector, logger)
	researchRT := worker.NewRuntime(wcfg(types.OperationAgentResearch), registry, store, workflow.Run, s.orch, logger)

	s.runtimes = []*worker.Runtime{trainRT, backtestRT, researchRT}
	for _, rt := range s.runtimes {
		if err := s.orch.RegisterRuntime(context.Background(), rt); err != nil {
			return nil, fmt.Errorf("register runtime: %w", err)
		}
	}
	collector.SetWorkersRegistered(len(s.runtimes))

	mux, health := api.NewRouter(api.RouterConfig{
		Version:            Version,
		StreamPollInterval: cfg.Worker.ProgressPollInterval,
		Gatherer:           promRegistry,
	}, s.orch, logger)

	health.RegisterCheck(api.DatabaseCheck(db))
	if s.redisCl != nil {
		health.RegisterCheck(api.RedisCheck(s.redisCl))
	}

	s.httpMgr = server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	return s, nil
}

// Start 启动 HTTP 服务与协调器后台循环。
func (s *Server) Start() error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelRun = cancel
	go func() {
		if err := s.orch.Run(runCtx); err != nil && runCtx.Err() == nil {
			s.logger.Error("orchestrator loops exited", zap.Error(err))
		}
	}()

	return s.httpMgr.Start()
}

// WaitForShutdown 阻塞至终止信号，然后按序收尾：停 HTTP、取消后台
// 循环、等 Worker 执行落盘取消检查点、关外部连接。
func (s *Server) WaitForShutdown() {
	s.httpMgr.WaitForShutdown()

	if s.cancelRun != nil {
		s.cancelRun()
	}
	for _, rt := range s.runtimes {
		rt.Wait()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.otel.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	if s.redisCl != nil {
		if err := s.redisCl.Close(); err != nil {
			s.logger.Warn("redis close failed", zap.Error(err))
		}
	}
}
