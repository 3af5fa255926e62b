package research

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/quantflow/checkpoint"
	"github.com/BaSui01/quantflow/config"
	"github.com/BaSui01/quantflow/internal/metrics"
	"github.com/BaSui01/quantflow/operation"
	"github.com/BaSui01/quantflow/orchestrator"
	"github.com/BaSui01/quantflow/types"
	"github.com/BaSui01/quantflow/worker"
)

// Phase 工作流阶段。
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseDesigning   Phase = "designing"
	PhaseTraining    Phase = "training"
	PhaseBacktesting Phase = "backtesting"
	PhaseAssessing   Phase = "assessing"
	PhaseDone        Phase = "done"
)

// Designer 是策略设计协作方（LLM 驱动，外部实现）。
type Designer interface {
	// DesignStrategy 依触发参数产出一个策略，返回策略名、策略文件路径
	// 与生成文本（用于 token 计费）。
	DesignStrategy(ctx context.Context, params map[string]string) (name, path, text string, err error)
}

// Assessor 是结果评估协作方（LLM 驱动,外部实现）。
type Assessor interface {
	// Assess 综合训练与回测结果产出文字评估。
	Assess(ctx context.Context, strategyName string, training, backtest map[string]any) (string, error)
}

// state 是父工作流检查点中的全部可恢复状态。
type state struct {
	Phase        Phase             `json:"phase"`
	StrategyName string            `json:"strategy_name,omitempty"`
	StrategyPath string            `json:"strategy_path,omitempty"`
	TrainingOpID string            `json:"training_op_id,omitempty"`
	BacktestOpID string            `json:"backtest_op_id,omitempty"`
	TokensUsed   int               `json:"tokens_used"`
	CostUSD      float64           `json:"cost_usd"`
	Params       map[string]string `json:"params,omitempty"`
}

func (s *state) toMap() map[string]any {
	return map[string]any{
		"phase":          string(s.Phase),
		"strategy_name":  s.StrategyName,
		"strategy_path":  s.StrategyPath,
		"training_op_id": s.TrainingOpID,
		"backtest_op_id": s.BacktestOpID,
		"tokens_used":    s.TokensUsed,
		"cost_usd":       s.CostUSD,
		"params":         s.Params,
	}
}

func stateFromMap(m map[string]any) state {
	st := state{Phase: PhaseIdle}
	if v, ok := m["phase"].(string); ok && v != "" {
		st.Phase = Phase(v)
	}
	if v, ok := m["strategy_name"].(string); ok {
		st.StrategyName = v
	}
	if v, ok := m["strategy_path"].(string); ok {
		st.StrategyPath = v
	}
	if v, ok := m["training_op_id"].(string); ok {
		st.TrainingOpID = v
	}
	if v, ok := m["backtest_op_id"].(string); ok {
		st.BacktestOpID = v
	}
	st.TokensUsed = int(floatField(m, "tokens_used"))
	st.CostUSD = floatField(m, "cost_usd")
	if v, ok := m["params"].(map[string]any); ok {
		st.Params = make(map[string]string, len(v))
		for k, raw := range v {
			if s, ok := raw.(string); ok {
				st.Params[k] = s
			}
		}
	}
	return st
}

// Workflow 驱动固定阶段序列的研究循环。它以 worker.OperationFunc 的
// 形式挂载到 agent_research 运行时：Run 即该域函数。
type Workflow struct {
	orch         *orchestrator.Orchestrator
	store        checkpoint.Store
	gates        config.GatesConfig
	designer     Designer
	assessor     Assessor
	accountant   *CostAccountant
	collector    *metrics.Collector
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewWorkflow 创建研究工作流。collector 可为 nil。
func NewWorkflow(orch *orchestrator.Orchestrator, store checkpoint.Store, gates config.GatesConfig, designer Designer, assessor Assessor, accountant *CostAccountant, collector *metrics.Collector, logger *zap.Logger) *Workflow {
	if logger == nil {
		logger = zap.NewNop()
	}
	if accountant == nil {
		accountant = NewCostAccountant("", 0)
	}
	return &Workflow{
		orch:         orch,
		store:        store,
		gates:        gates,
		designer:     designer,
		assessor:     assessor,
		accountant:   accountant,
		collector:    collector,
		pollInterval: 200 * time.Millisecond,
		logger:       logger.With(zap.String("component", "research_workflow")),
	}
}

// Run 是 agent_research 类型的域函数。恢复时从检查点记录的阶段
// 起点重新进入；阶段内部的续跑由该阶段子操作自己的检查点承担。
func (w *Workflow) Run(ctx context.Context, req worker.Request, token *operation.CancellationToken, bridge *operation.FullStateBridge) (map[string]any, error) {
	st := state{Phase: PhaseIdle, Params: req.Params}
	resumed := false
	if req.Resume != nil {
		st = stateFromMap(req.Resume.State)
		if st.Params == nil {
			st.Params = req.Params
		}
		w.accountant.Restore(st.TokensUsed, st.CostUSD)
		resumed = true
		w.logger.Info("workflow resuming",
			zap.String("operation_id", req.OperationID),
			zap.String("phase", string(st.Phase)),
		)
	}

	var assessment string

	for st.Phase != PhaseDone {
		if token.Cancelled() {
			w.saveCheckpoint(ctx, req.OperationID, checkpoint.TypeCancellation, &st)
			return nil, worker.ErrCancelled
		}

		next, err := w.runPhase(ctx, req.OperationID, &st, bridge, token, resumed, &assessment)
		resumed = false
		if err != nil {
			return nil, err
		}
		st.Phase = next
	}

	bridge.WriteState(100, "research cycle complete", nil)
	tokens, cost := w.accountant.Totals()
	return map[string]any{
		"strategy_name":  st.StrategyName,
		"strategy_path":  st.StrategyPath,
		"training_op_id": st.TrainingOpID,
		"backtest_op_id": st.BacktestOpID,
		"tokens_used":    tokens,
		"cost_usd":       cost,
		"assessment":     assessment,
	}, nil
}

// runPhase 执行一个阶段并返回下一阶段。进入阶段时先落检查点，
// 使取消/崩溃后的恢复回到本阶段起点。
func (w *Workflow) runPhase(ctx context.Context, opID string, st *state, bridge *operation.FullStateBridge, token *operation.CancellationToken, resumed bool, assessment *string) (Phase, error) {
	switch st.Phase {
	case PhaseIdle:
		return PhaseDesigning, nil

	case PhaseDesigning:
		w.enterPhase(ctx, opID, st, bridge, 10, "designing strategy")
		name, path, text, err := w.designer.DesignStrategy(ctx, st.Params)
		if err != nil {
			return "", types.NewErrorf(types.ErrWorkerFailed, "strategy design failed: %v", err).
				WithPhase(string(PhaseDesigning)).WithCause(err)
		}
		st.StrategyName = name
		st.StrategyPath = path
		w.accountant.Record(text)
		st.TokensUsed, st.CostUSD = w.accountant.Totals()
		return PhaseTraining, nil

	case PhaseTraining:
		w.enterPhase(ctx, opID, st, bridge, 30, "training model")
		result, err := w.runChild(ctx, opID, st, &st.TrainingOpID, types.OperationTraining, token, resumed)
		if err != nil {
			return "", err
		}
		gate := CheckTrainingGate(trainingMetricsFromResult(result), w.gates)
		if w.collector != nil {
			w.collector.RecordGate("training", gate.Passed)
		}
		if !gate.Passed {
			return "", types.NewErrorf(types.ErrGateFailed, "training gate failed: %s", gate.Reason).
				WithPhase(string(PhaseTraining))
		}
		return PhaseBacktesting, nil

	case PhaseBacktesting:
		w.enterPhase(ctx, opID, st, bridge, 60, "running backtest")
		result, err := w.runChild(ctx, opID, st, &st.BacktestOpID, types.OperationBacktesting, token, resumed)
		if err != nil {
			return "", err
		}
		gate := CheckBacktestGate(backtestMetricsFromResult(result), w.gates)
		if w.collector != nil {
			w.collector.RecordGate("backtest", gate.Passed)
		}
		if !gate.Passed {
			return "", types.NewErrorf(types.ErrGateFailed, "backtest gate failed: %s", gate.Reason).
				WithPhase(string(PhaseBacktesting))
		}
		return PhaseAssessing, nil

	case PhaseAssessing:
		w.enterPhase(ctx, opID, st, bridge, 85, "assessing results")
		training, backtest := w.childResults(ctx, st)
		text, err := w.assessor.Assess(ctx, st.StrategyName, training, backtest)
		if err != nil {
			return "", types.NewErrorf(types.ErrWorkerFailed, "assessment failed: %v", err).
				WithPhase(string(PhaseAssessing)).WithCause(err)
		}
		*assessment = text
		w.accountant.Record(text)
		st.TokensUsed, st.CostUSD = w.accountant.Totals()
		return PhaseDone, nil

	default:
		return "", types.NewErrorf(types.ErrInternalError, "unknown workflow phase: %s", st.Phase)
	}
}

// enterPhase 进入阶段：先落周期检查点再执行，保证取消/崩溃后
// 恢复回到本阶段起点。
func (w *Workflow) enterPhase(ctx context.Context, opID string, st *state, bridge *operation.FullStateBridge, pct float64, message string) {
	w.saveCheckpoint(ctx, opID, checkpoint.TypePeriodic, st)
	bridge.WriteState(pct, message, map[string]any{"phase": string(st.Phase)})
	bridge.SetFullState(st.toMap())
	w.logger.Info("workflow phase entered",
		zap.String("operation_id", opID),
		zap.String("phase", string(st.Phase)),
	)
}

func (w *Workflow) saveCheckpoint(ctx context.Context, opID string, typ checkpoint.Type, st *state) {
	if err := w.store.Save(ctx, opID, typ, st.toMap(), nil); err != nil {
		w.logger.Warn("workflow checkpoint save failed",
			zap.String("operation_id", opID),
			zap.Error(err),
		)
	}
}

// runChild 启动（或在恢复路径上续跑）一个阶段子操作并等待其终态。
// 子操作失败上浮为 WORKER_FAILED 并点名阶段；等待途中父级被取消则
// 级联取消子操作并落取消检查点。
func (w *Workflow) runChild(ctx context.Context, parentID string, st *state, childID *string, typ types.OperationType, token *operation.CancellationToken, resumed bool) (map[string]any, error) {
	registry := w.orch.Registry()

	if resumed && *childID != "" {
		prev, err := registry.Get(ctx, *childID)
		switch {
		case err == nil && prev.Status == types.StatusCompleted:
			return prev.ResultSummary, nil
		case err == nil && prev.Status.IsResumable():
			if _, rerr := w.orch.Resume(ctx, *childID); rerr != nil {
				// 子检查点不可用则从零重跑本阶段
				w.logger.Warn("child resume failed, restarting phase",
					zap.String("child_id", *childID),
					zap.Error(rerr),
				)
				*childID = ""
			}
		default:
			*childID = ""
		}
	}

	if *childID == "" {
		op, err := w.orch.StartOperation(ctx, "", typ, st.Params, parentID)
		if err != nil {
			return nil, types.NewErrorf(types.ErrWorkerFailed, "%s phase dispatch failed: %v", st.Phase, err).
				WithPhase(string(st.Phase)).WithCause(err)
		}
		*childID = op.ID
		w.saveCheckpoint(ctx, parentID, checkpoint.TypePeriodic, st)
	}

	return w.waitForChild(ctx, parentID, st, *childID, token)
}

func (w *Workflow) waitForChild(ctx context.Context, parentID string, st *state, childID string, token *operation.CancellationToken) (map[string]any, error) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	registry := w.orch.Registry()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		if token.Cancelled() {
			if err := w.orch.Cancel(ctx, childID, "parent workflow cancelled"); err != nil && !types.IsNotFound(err) {
				w.logger.Warn("cascade cancel failed", zap.String("child_id", childID), zap.Error(err))
			}
			w.saveCheckpoint(ctx, parentID, checkpoint.TypeCancellation, st)
			return nil, worker.ErrCancelled
		}

		op, err := registry.Get(ctx, childID)
		if err != nil {
			return nil, err
		}
		switch op.Status {
		case types.StatusCompleted:
			return op.ResultSummary, nil
		case types.StatusFailed:
			return nil, types.NewErrorf(types.ErrWorkerFailed, "%s phase failed: %s", st.Phase, op.ErrorMessage).
				WithPhase(string(st.Phase))
		case types.StatusCancelled:
			w.saveCheckpoint(ctx, parentID, checkpoint.TypeCancellation, st)
			return nil, worker.ErrCancelled
		}
	}
}

// childResults 拉取两个阶段子操作的结果摘要供评估使用。
func (w *Workflow) childResults(ctx context.Context, st *state) (training, backtest map[string]any) {
	registry := w.orch.Registry()
	if op, err := registry.Get(ctx, st.TrainingOpID); err == nil {
		training = op.ResultSummary
	}
	if op, err := registry.Get(ctx, st.BacktestOpID); err == nil {
		backtest = op.ResultSummary
	}
	return training, backtest
}
