package leverage

import (
	"context"

	"go.uber.org/zap"

	"trades-risk/internal/metrics"
	"trades-risk/internal/monitor"
	"trades-risk/internal/position"
)

// MarginUsage 计算 Σ(size×leverage)/wallet，超过阈值时记录告警。
func (g *Governor) MarginUsage(ctx context.Context, positions []position.Position, walletBalance float64) position.WalletSnapshot {
	cfg := g.cfg.Current().Leverage
	snap := position.NewWalletSnapshot(walletBalance, positions, g.now().UTC())

	metrics.SetWalletBalance(walletBalance)
	metrics.SetExposureRatio(snap.ExposureRatio)

	if walletBalance > 0 && snap.ExposureRatio > cfg.MarginWarnMultiple {
		g.logger.Warn("保证金占用超过阈值",
			zap.Float64("exposure", snap.Exposure),
			zap.Float64("wallet", walletBalance),
			zap.Float64("ratio", snap.ExposureRatio),
			zap.Float64("threshold", cfg.MarginWarnMultiple),
		)
		monitor.Emit(ctx, g.recorder, g.logger, monitor.Event{
			Type:     monitor.EventMarginWarning,
			Severity: monitor.SeverityWarn,
			Payload: monitor.MarginWarningPayload{
				Exposure:  snap.Exposure,
				Wallet:    walletBalance,
				Ratio:     snap.ExposureRatio,
				Threshold: cfg.MarginWarnMultiple,
			},
		})
	}
	return snap
}

// LiquidationBuffer 估算持仓浮亏占保证金的比例，浮亏超过保证金的固定比例时告警。
// 返回亏损比例（盈利时为 0）与是否告警。
func (g *Governor) LiquidationBuffer(ctx context.Context, pos position.Position, price float64) (float64, bool) {
	cfg := g.cfg.Current().Leverage

	pnl := pos.UnrealizedPnL(price)
	margin := pos.Size
	if pos.RemainingFraction > 0 && pos.RemainingFraction <= 1 {
		margin *= pos.RemainingFraction
	}
	if pnl >= 0 || margin <= 0 {
		return 0, false
	}

	lossFraction := -pnl / margin
	if lossFraction <= cfg.LiquidationWarnFraction {
		return lossFraction, false
	}

	g.logger.Warn("强平缓冲不足",
		zap.String("position_id", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.Float64("price", price),
		zap.Float64("unrealized_pnl", pnl),
		zap.Float64("margin", margin),
		zap.Float64("loss_fraction", lossFraction),
	)
	monitor.Emit(ctx, g.recorder, g.logger, monitor.Event{
		Type:     monitor.EventLiquidationWarning,
		Severity: monitor.SeverityHigh,
		Symbol:   pos.Symbol,
		Payload: monitor.LiquidationWarningPayload{
			PositionID:    pos.ID,
			UnrealizedPnL: pnl,
			Margin:        margin,
			LossFraction:  lossFraction,
		},
	})
	return lossFraction, true
}
