// =============================================================================
// 内建域函数：模拟训练 / 回测
// =============================================================================
// 真实部署中域函数由量化侧注入（模型训练、组合回测的数值内容不属于
// 编排层）。内建实现跑一个确定性的模拟循环，走完整的执行循环契约：
// 单元边界查令牌、写进度、按策略落检查点，可独立演示与验收编排层。
// =============================================================================

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/quantflow/checkpoint"
	"github.com/BaSui01/quantflow/internal/metrics"
	"github.com/BaSui01/quantflow/operation"
	"github.com/BaSui01/quantflow/types"
	"github.com/BaSui01/quantflow/worker"
)

// DomainDeps 域函数的公共依赖。
type DomainDeps struct {
	Store         checkpoint.Store
	PolicyFactory func() *operation.CheckpointPolicy
	Metrics       *metrics.Collector
	SaveTimeout   time.Duration

	// MaxSeriesPoints 落入检查点状态的序列抽样上限
	MaxSeriesPoints int

	Logger *zap.Logger
}

func paramInt(params map[string]string, key string, def int) int {
	if raw, ok := params[key]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// NewTrainerFunc 构造模拟训练域函数：损失指数衰减，每个 epoch 为一个
// 单元，检查点携带模型与优化器工件。
func NewTrainerFunc(deps DomainDeps) worker.OperationFunc {
	return func(ctx context.Context, req worker.Request, token *operation.CancellationToken, bridge *operation.FullStateBridge) (map[string]any, error) {
		epochs := paramInt(req.Params, "epochs", 50)

		startUnit := 0
		initialLoss := 1.0
		if req.Resume != nil {
			startUnit = req.Resume.LastUnit
			if v, ok := req.Resume.State["initial_loss"].(float64); ok && v > 0 {
				initialLoss = v
			}
		}

		var loss, accuracy float64
		step := func(_ context.Context, unit int) error {
			loss = initialLoss * math.Exp(-0.05*float64(unit))
			accuracy = 1 - loss/2
			bridge.AppendMetric(metricAt(unit, "loss", loss))
			bridge.AppendMetric(metricAt(unit, "accuracy", accuracy))
			bridge.SetFullState(map[string]any{
				"initial_loss": initialLoss,
				"final_loss":   loss,
				"accuracy":     accuracy,
			})
			return nil
		}

		loop := &worker.Loop{
			OperationID: req.OperationID,
			StartUnit:   startUnit,
			TotalUnits:  epochs,
			Policy:      deps.PolicyFactory(),
			Store:       deps.Store,
			Token:       token,
			Bridge:      bridge,
			Artifacts:   trainingArtifacts(req.OperationID),
			SaveTimeout: deps.SaveTimeout,
			Metrics:     deps.Metrics,
			Logger:      deps.Logger,
		}
		if err := loop.Run(ctx, step); err != nil {
			return nil, err
		}

		return map[string]any{
			"epochs":       epochs,
			"initial_loss": initialLoss,
			"final_loss":   loss,
			"accuracy":     accuracy,
		}, nil
	}
}

// NewBacktesterFunc 构造模拟回测域函数：逐 bar 模拟权益曲线，
// 检查点仅携带状态，权益序列按 MaxSeriesPoints 抽样落盘。
func NewBacktesterFunc(deps DomainDeps) worker.OperationFunc {
	return func(ctx context.Context, req worker.Request, token *operation.CancellationToken, bridge *operation.FullStateBridge) (map[string]any, error) {
		bars := paramInt(req.Params, "bars", 500)

		startUnit := 0
		equity := 1.0
		peak := 1.0
		wins := 0
		var series []float64
		if req.Resume != nil {
			startUnit = req.Resume.LastUnit
			if v, ok := req.Resume.State["equity"].(float64); ok && v > 0 {
				equity = v
			}
			if v, ok := req.Resume.State["peak"].(float64); ok && v > 0 {
				peak = v
			}
			if v, ok := req.Resume.State["wins"].(float64); ok {
				wins = int(v)
			}
			if raw, ok := req.Resume.State["equity_series"].([]any); ok {
				for _, p := range raw {
					if f, ok := p.(float64); ok {
						series = append(series, f)
					}
				}
			}
		}

		maxDrawdown := 0.0
		step := func(_ context.Context, unit int) error {
			// 确定性伪随机收益，恢复后同一 bar 产出同一结果
			ret := 0.002 * math.Sin(float64(unit)*0.7)
			if ret > 0 {
				wins++
			}
			equity *= 1 + ret
			if equity > peak {
				peak = equity
			}
			if dd := (peak - equity) / peak; dd > maxDrawdown {
				maxDrawdown = dd
			}
			series = append(series, equity)
			bridge.AppendMetric(metricAt(unit, "equity", equity))
			bridge.SetFullState(map[string]any{
				"equity":        equity,
				"peak":          peak,
				"wins":          wins,
				"equity_series": checkpoint.Sample(series, checkpoint.SampleStride(len(series), deps.MaxSeriesPoints)),
			})
			return nil
		}

		loop := &worker.Loop{
			OperationID: req.OperationID,
			StartUnit:   startUnit,
			TotalUnits:  bars,
			Policy:      deps.PolicyFactory(),
			Store:       deps.Store,
			Token:       token,
			Bridge:      bridge,
			SaveTimeout: deps.SaveTimeout,
			Metrics:     deps.Metrics,
			Logger:      deps.Logger,
		}
		if err := loop.Run(ctx, step); err != nil {
			return nil, err
		}

		winRate := float64(wins) / float64(bars)
		return map[string]any{
			"bars":         bars,
			"final_equity": equity,
			"win_rate":     winRate,
			"max_drawdown": maxDrawdown,
			"sharpe_ratio": (equity - 1) / math.Max(maxDrawdown, 0.01),
		}, nil
	}
}

func metricAt(unit int, name string, value float64) types.MetricRecord {
	return types.MetricRecord{Unit: unit, Name: name, Value: value, Timestamp: time.Now()}
}

// trainingArtifacts 生成模拟模型/优化器工件（满足默认清单）。
func trainingArtifacts(opID string) worker.ArtifactFunc {
	return func(unit int) map[string][]byte {
		blob, _ := json.Marshal(map[string]any{"operation_id": opID, "unit": unit})
		return map[string][]byte{
			"model":     blob,
			"optimizer": blob,
		}
	}
}

// =============================================================================
// 🧪 模板化设计 / 评估协作方
// =============================================================================
// 无外部 LLM 时的占位实现：产出确定性的策略描述与评估文本。

type templateDesigner struct{}

func (templateDesigner) DesignStrategy(_ context.Context, params map[string]string) (string, string, string, error) {
	name := params["strategy_name"]
	if name == "" {
		name = "momentum_v1"
	}
	text := fmt.Sprintf("strategy %s: momentum crossover on daily bars with volatility sizing", name)
	return name, "strategies/" + name + ".yaml", text, nil
}

type templateAssessor struct{}

func (templateAssessor) Assess(_ context.Context, strategyName string, training, backtest map[string]any) (string, error) {
	return fmt.Sprintf("strategy %s passed all gates; training %v; backtest %v",
		strategyName, training, backtest), nil
}
