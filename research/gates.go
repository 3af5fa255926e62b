package research

import (
	"fmt"

	"github.com/BaSui01/quantflow/config"
)

// GateResult 是一道门的裁决。纯计算结果，从不独立持久化。
type GateResult struct {
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// TrainingMetrics 训练阶段汇总指标。
type TrainingMetrics struct {
	Accuracy    float64 `json:"accuracy"`
	FinalLoss   float64 `json:"final_loss"`
	InitialLoss float64 `json:"initial_loss"`
}

// BacktestMetrics 回测阶段汇总指标。
type BacktestMetrics struct {
	WinRate     float64 `json:"win_rate"`
	MaxDrawdown float64 `json:"max_drawdown"`
	SharpeRatio float64 `json:"sharpe_ratio"`
}

// CheckTrainingGate 检查训练结果是否值得进入回测。
// 有序检查，首个失败即裁决；恰好等于阈值算通过。
// initial_loss <= 0 时跳过降幅检查（无基线可比）。
func CheckTrainingGate(m TrainingMetrics, cfg config.GatesConfig) GateResult {
	if m.Accuracy < cfg.MinAccuracy {
		return GateResult{
			Passed: false,
			Reason: fmt.Sprintf("accuracy %.4f below minimum %.4f", m.Accuracy, cfg.MinAccuracy),
		}
	}
	if m.FinalLoss > cfg.MaxLoss {
		return GateResult{
			Passed: false,
			Reason: fmt.Sprintf("final loss %.4f above maximum %.4f", m.FinalLoss, cfg.MaxLoss),
		}
	}
	if m.InitialLoss > 0 {
		decrease := (m.InitialLoss - m.FinalLoss) / m.InitialLoss
		if decrease < cfg.MinLossDecrease {
			return GateResult{
				Passed: false,
				Reason: fmt.Sprintf("loss decrease %.4f below minimum %.4f", decrease, cfg.MinLossDecrease),
			}
		}
	}
	return GateResult{Passed: true}
}

// CheckBacktestGate 检查回测结果是否值得进入评估。
func CheckBacktestGate(m BacktestMetrics, cfg config.GatesConfig) GateResult {
	if m.WinRate < cfg.MinWinRate {
		return GateResult{
			Passed: false,
			Reason: fmt.Sprintf("win rate %.4f below minimum %.4f", m.WinRate, cfg.MinWinRate),
		}
	}
	if m.MaxDrawdown > cfg.MaxDrawdownThreshold {
		return GateResult{
			Passed: false,
			Reason: fmt.Sprintf("max drawdown %.4f above threshold %.4f", m.MaxDrawdown, cfg.MaxDrawdownThreshold),
		}
	}
	if m.SharpeRatio < cfg.MinSharpe {
		return GateResult{
			Passed: false,
			Reason: fmt.Sprintf("sharpe ratio %.4f below minimum %.4f", m.SharpeRatio, cfg.MinSharpe),
		}
	}
	return GateResult{Passed: true}
}

// trainingMetricsFromResult 容错地从结果摘要提取训练指标。
func trainingMetricsFromResult(result map[string]any) TrainingMetrics {
	return TrainingMetrics{
		Accuracy:    floatField(result, "accuracy"),
		FinalLoss:   floatField(result, "final_loss"),
		InitialLoss: floatField(result, "initial_loss"),
	}
}

// backtestMetricsFromResult 容错地从结果摘要提取回测指标。
func backtestMetricsFromResult(result map[string]any) BacktestMetrics {
	return BacktestMetrics{
		WinRate:     floatField(result, "win_rate"),
		MaxDrawdown: floatField(result, "max_drawdown"),
		SharpeRatio: floatField(result, "sharpe_ratio"),
	}
}

func floatField(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
