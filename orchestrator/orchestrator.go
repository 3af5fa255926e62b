package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/BaSui01/quantflow/checkpoint"
	"github.com/BaSui01/quantflow/internal/metrics"
	"github.com/BaSui01/quantflow/operation"
	"github.com/BaSui01/quantflow/types"
	"github.com/BaSui01/quantflow/worker"
)

// Config 协调器运行参数。
type Config struct {
	// ProgressPollInterval 进度中继的拉取节奏
	ProgressPollInterval time.Duration

	// HeartbeatInterval 本地运行时向 Worker 注册表续期的节奏
	HeartbeatInterval time.Duration

	// ReconcileInterval 孤儿操作对账扫描的节奏
	ReconcileInterval time.Duration
}

func (c *Config) withDefaults() {
	if c.ProgressPollInterval <= 0 {
		c.ProgressPollInterval = 2 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 30 * time.Second
	}
}

// tracer 挂在全局 TracerProvider 上，telemetry 关闭时为 noop。
var tracer trace.Tracer = otel.Tracer("quantflow/orchestrator")

// dispatchRecord 记录一次在飞执行的归属与起始时间。
type dispatchRecord struct {
	runtime   *worker.Runtime
	startedAt time.Time
}

// Orchestrator 是生命周期协调器。它实现 worker.Finalizer：
// 成功完成在提交终态后同步删除检查点，失败与取消则保留检查点。
type Orchestrator struct {
	cfg      Config
	registry operation.Registry
	store    checkpoint.Store
	workers  WorkerRegistry
	metrics  *metrics.Collector
	logger   *zap.Logger

	mu         sync.RWMutex
	runtimes   map[types.OperationType]*worker.Runtime
	dispatched map[string]dispatchRecord
}

// New 创建协调器。metrics 可为 nil（测试场景）。
func New(cfg Config, registry operation.Registry, store checkpoint.Store, workers WorkerRegistry, collector *metrics.Collector, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.withDefaults()
	return &Orchestrator{
		cfg:        cfg,
		registry:   registry,
		store:      store,
		workers:    workers,
		metrics:    collector,
		logger:     logger.With(zap.String("component", "orchestrator")),
		runtimes:   make(map[types.OperationType]*worker.Runtime),
		dispatched: make(map[string]dispatchRecord),
	}
}

// RegisterRuntime 接入一个本地 Worker 运行时并写入注册表。
func (o *Orchestrator) RegisterRuntime(ctx context.Context, rt *worker.Runtime) error {
	info := rt.Info()

	o.mu.Lock()
	o.runtimes[info.Type] = rt
	o.mu.Unlock()

	if err := o.workers.Register(ctx, info); err != nil {
		return err
	}
	o.logger.Info("worker runtime registered",
		zap.String("worker_id", info.ID),
		zap.String("worker_type", string(info.Type)),
	)
	return nil
}

// Registry 暴露底层操作注册表供 HTTP 层查询。
func (o *Orchestrator) Registry() operation.Registry {
	return o.registry
}

// Workers 暴露 Worker 注册表供 HTTP 层查询。
func (o *Orchestrator) Workers() WorkerRegistry {
	return o.workers
}

// Bridge 返回在飞操作的进度桥，供指标端点与 WebSocket 流直读。
func (o *Orchestrator) Bridge(operationID string) (*operation.FullStateBridge, bool) {
	o.mu.RLock()
	rec, ok := o.dispatched[operationID]
	o.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return rec.runtime.Bridge(operationID)
}

// StartOperation 创建操作并立即分发到匹配的运行时。
// 无可用运行时返回 WORKER_UNAVAILABLE，操作保持 pending 被标记失败。
func (o *Orchestrator) StartOperation(ctx context.Context, id string, typ types.OperationType, metadata map[string]string, parentID string) (*types.Operation, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.StartOperation",
		trace.WithAttributes(
			attribute.String("operation.id", id),
			attribute.String("operation.type", string(typ)),
		))
	defer span.End()

	op, err := o.registry.Create(ctx, id, typ, metadata, parentID)
	if err != nil {
		return nil, err
	}

	rt, err := o.matchRuntime(typ, metadata)
	if err != nil {
		// 预检失败：pending → failed，调用方拿到明确错误
		if ferr := o.registry.Fail(ctx, op.ID, err.Error()); ferr != nil {
			o.logger.Warn("pre-flight fail transition rejected", zap.String("operation_id", op.ID), zap.Error(ferr))
		}
		return nil, err
	}

	if err := o.dispatch(ctx, rt, op, false); err != nil {
		return nil, err
	}
	return op, nil
}

// Resume 恢复一个已取消或失败的操作。恢复互斥由注册表的单次条件写
// 保证：并发请求中恰好一个胜出，其余收到 CONFLICT。
func (o *Orchestrator) Resume(ctx context.Context, id string) (*types.Operation, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Resume",
		trace.WithAttributes(attribute.String("operation.id", id)))
	defer span.End()

	won, err := o.registry.TryResume(ctx, id)
	if err != nil {
		return nil, err
	}
	if !won {
		if o.metrics != nil {
			o.metrics.RecordResumeConflict()
		}
		return nil, types.NewErrorf(types.ErrConflict, "operation not resumable or resume already in flight: %s", id)
	}

	op, err := o.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	rt, err := o.matchRuntime(op.Type, op.Metadata)
	if err != nil {
		// 赢得恢复但无处执行：resuming → failed，检查点保留
		if ferr := o.registry.Fail(ctx, id, err.Error()); ferr != nil {
			o.logger.Warn("resume pre-flight fail rejected", zap.String("operation_id", id), zap.Error(ferr))
		}
		return nil, err
	}

	if err := o.dispatch(ctx, rt, op, true); err != nil {
		if ferr := o.registry.Fail(ctx, id, err.Error()); ferr != nil {
			o.logger.Warn("resume dispatch fail rejected", zap.String("operation_id", id), zap.Error(ferr))
		}
		return nil, err
	}
	return op, nil
}

// Cancel 请求协作式取消。在飞操作翻转其令牌，由 Worker 在单元边界
// 保存取消检查点后归档；不在飞但仍 running 的孤儿直接落库取消。
func (o *Orchestrator) Cancel(ctx context.Context, id, reason string) error {
	op, err := o.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	if op.Status != types.StatusRunning {
		return types.NewErrorf(types.ErrInvalidTransition,
			"operation %s is %s, only running operations can be cancelled", id, op.Status)
	}

	o.mu.RLock()
	rec, executing := o.dispatched[id]
	o.mu.RUnlock()

	if executing && rec.runtime.Cancel(id, reason) {
		o.logger.Info("cancellation requested",
			zap.String("operation_id", id),
			zap.String("reason", reason),
		)
		return nil
	}
	return o.registry.Cancel(ctx, id, reason)
}

// matchRuntime 依类型与能力要求挑选运行时。
func (o *Orchestrator) matchRuntime(typ types.OperationType, metadata map[string]string) (*worker.Runtime, error) {
	o.mu.RLock()
	rt, ok := o.runtimes[typ]
	o.mu.RUnlock()
	if !ok {
		return nil, types.NewErrorf(types.ErrWorkerUnavailable, "no worker registered for type %s", typ).
			WithRetryable(true)
	}
	if metadata["require_gpu"] == "true" && !rt.Info().Capabilities.GPU {
		return nil, types.NewErrorf(types.ErrWorkerUnavailable, "no gpu-capable worker for type %s", typ).
			WithRetryable(true)
	}
	return rt, nil
}

// dispatch 启动或恢复执行并挂起进度中继。在飞记录必须先于启动登记：
// 瞬时完成的操作会在 Start 返回前触发终态回调，届时记录必须可见。
func (o *Orchestrator) dispatch(ctx context.Context, rt *worker.Runtime, op *types.Operation, resume bool) error {
	o.mu.Lock()
	o.dispatched[op.ID] = dispatchRecord{runtime: rt, startedAt: time.Now()}
	o.mu.Unlock()

	var err error
	if resume {
		err = rt.Resume(ctx, op)
	} else {
		err = rt.Start(ctx, op)
	}
	if err != nil {
		o.mu.Lock()
		delete(o.dispatched, op.ID)
		o.mu.Unlock()
		return err
	}

	go o.relayProgress(op.ID, rt)
	return nil
}

// relayProgress 以限速节奏从进度桥拉取快照写回注册表。执行结束后
// 做最后一次拉取，保证终态前的最终进度不丢。
func (o *Orchestrator) relayProgress(operationID string, rt *worker.Runtime) {
	ctx := context.Background()
	limiter := rate.NewLimiter(rate.Every(o.cfg.ProgressPollInterval), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		running := rt.Executing(operationID)
		o.pullOnce(ctx, operationID, rt)
		if !running {
			return
		}
	}
}

func (o *Orchestrator) pullOnce(ctx context.Context, operationID string, rt *worker.Runtime) {
	bridge, ok := rt.Bridge(operationID)
	if !ok {
		return
	}
	snap := bridge.ReadState()
	if snap.UpdatedAt.IsZero() {
		return
	}
	if err := o.registry.UpdateProgress(ctx, operationID, snap); err != nil && !types.IsNotFound(err) {
		o.logger.Debug("progress relay write failed",
			zap.String("operation_id", operationID),
			zap.Error(err),
		)
	}
}

// ============================================================
// ✅ worker.Finalizer 实现
// ============================================================

// Complete 提交完成并删除检查点。删除发生在终态提交之后，
// 因此已完成的操作绝不可观察到残留检查点。
func (o *Orchestrator) Complete(ctx context.Context, operationID string, result map[string]any) error {
	if err := o.registry.Complete(ctx, operationID, result); err != nil {
		return err
	}

	deleted, err := o.store.Delete(ctx, operationID)
	if err != nil {
		// 终态已提交，删除失败只能留给对账；记录即可
		o.logger.Error("checkpoint delete after completion failed",
			zap.String("operation_id", operationID),
			zap.Error(err),
		)
	} else if deleted {
		o.logger.Info("checkpoint deleted on completion", zap.String("operation_id", operationID))
	}

	o.finishDispatch(operationID, "completed")
	return nil
}

// Fail 提交失败。检查点保留以供恢复。
func (o *Orchestrator) Fail(ctx context.Context, operationID string, errorMessage string) error {
	if err := o.registry.Fail(ctx, operationID, errorMessage); err != nil {
		return err
	}
	o.finishDispatch(operationID, "failed")
	return nil
}

// Cancelled 提交取消。API 路径可能已先落库取消，此处容忍非法迁移。
func (o *Orchestrator) Cancelled(ctx context.Context, operationID string, reason string) error {
	err := o.registry.Cancel(ctx, operationID, reason)
	if err != nil && types.GetErrorCode(err) == types.ErrInvalidTransition {
		err = nil
	}
	o.finishDispatch(operationID, "cancelled")
	return err
}

func (o *Orchestrator) finishDispatch(operationID, status string) {
	o.mu.Lock()
	rec, ok := o.dispatched[operationID]
	delete(o.dispatched, operationID)
	o.mu.Unlock()

	if o.metrics != nil && ok {
		opType := string(rec.runtime.Info().Type)
		o.metrics.RecordOperation(opType, status, time.Since(rec.startedAt))
	}
}

// ============================================================
// 🔄 后台循环
// ============================================================

// Run 驱动心跳与对账循环直至 ctx 取消。
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return o.heartbeatLoop(ctx) })
	g.Go(func() error { return o.reconcileLoop(ctx) })

	return g.Wait()
}

// heartbeatLoop 周期性重注册本地运行时（续期 TTL 并刷新忙闲状态）。
func (o *Orchestrator) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.mu.RLock()
			rts := make([]*worker.Runtime, 0, len(o.runtimes))
			for _, rt := range o.runtimes {
				rts = append(rts, rt)
			}
			o.mu.RUnlock()

			for _, rt := range rts {
				if err := o.workers.Register(ctx, rt.Info()); err != nil {
					o.logger.Warn("worker heartbeat failed", zap.Error(err))
				}
			}
			if o.metrics != nil {
				if list, err := o.workers.List(ctx); err == nil {
					o.metrics.SetWorkersRegistered(len(list))
				}
			}
		}
	}
}

// reconcileLoop 周期性执行孤儿对账。
func (o *Orchestrator) reconcileLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.Reconcile(ctx)
		}
	}
}

// Reconcile 将无人认领的 running/resuming 操作标记失败。这捕获两类孤儿：
// 进程崩溃重启后残留的 running 行，以及分发后 Worker 失联的操作。
// 检查点原样保留，调用方可随后恢复。
func (o *Orchestrator) Reconcile(ctx context.Context) {
	res, err := o.registry.List(ctx, operation.Filter{
		Status: []types.OperationStatus{types.StatusRunning, types.StatusResuming},
	})
	if err != nil {
		o.logger.Warn("reconcile list failed", zap.Error(err))
		return
	}

	for _, op := range res.Items {
		o.mu.RLock()
		rec, executing := o.dispatched[op.ID]
		o.mu.RUnlock()

		if executing && rec.runtime.Executing(op.ID) {
			continue
		}
		if executing {
			// 终结器正在归档途中，下一轮再看
			continue
		}

		err := o.registry.Fail(ctx, op.ID, "worker lost: operation orphaned, checkpoint preserved")
		if err != nil {
			if types.GetErrorCode(err) != types.ErrInvalidTransition {
				o.logger.Warn("reconcile fail transition rejected",
					zap.String("operation_id", op.ID),
					zap.Error(err),
				)
			}
			continue
		}
		o.logger.Warn("orphaned operation failed by reconciler",
			zap.String("operation_id", op.ID),
			zap.String("type", string(op.Type)),
		)
		if o.metrics != nil {
			o.metrics.RecordOperation(string(op.Type), "failed", 0)
		}
	}
}
