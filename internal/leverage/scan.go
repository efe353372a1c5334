package leverage

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trades-risk/internal/execution"
	"trades-risk/internal/metrics"
	"trades-risk/internal/monitor"
	"trades-risk/internal/position"
)

// 巡检跳过阶段与强平原因。
const (
	StageWallet       = "wallet"
	StagePrice        = "price"
	StageStopBackfill = "stop_backfill"
	StageClose        = "close"
	StagePersist      = "persist"

	CloseMaxHold      = "max_hold"
	CloseStopCrossed  = "stop_crossed"
	CloseTrailingStop = "trailing_stop"
)

// Skip 记录巡检中被跳过的持仓或步骤。
type Skip struct {
	PositionID string
	Symbol     string
	Stage      string
	Err        error
}

// ForcedClose 记录巡检中发起的强制平仓。
type ForcedClose struct {
	PositionID string
	Symbol     string
	Price      float64
	Reason     string
}

// ScanReport 汇总一次巡检结果。
type ScanReport struct {
	Positions  int
	Wallet     float64
	WalletOK   bool
	Snapshot   position.WalletSnapshot
	Backfilled int
	Ratcheted  int
	Persisted  int
	Warnings   int
	Closed     []ForcedClose
	Skipped    []Skip
}

// Scan 对全部未平仓持仓执行一次巡检：补齐止损、上移追踪止损、超时强平、
// 触及止损强平。单个持仓的外部调用失败只记录并跳过，不中断巡检；
// 止损变更在整轮结束后一次性落库。
func (g *Governor) Scan(ctx context.Context) (ScanReport, error) {
	var report ScanReport
	if g.positions == nil {
		return report, fmt.Errorf("leverage: 未配置持仓存储")
	}

	cfg := g.cfg.Current().Leverage
	now := g.now().UTC()

	positions, err := g.positions.ListOpen(ctx)
	if err != nil {
		return report, fmt.Errorf("leverage: 读取持仓失败: %w", err)
	}
	report.Positions = len(positions)

	if g.wallet != nil {
		balance, werr := g.wallet.WalletBalance(ctx)
		if werr == nil && finite(balance) && balance > 0 {
			report.Wallet = balance
			report.WalletOK = true
		} else {
			if werr == nil {
				werr = fmt.Errorf("钱包余额非法 %v", balance)
			}
			g.skip(ctx, &report, position.Position{}, StageWallet, werr)
		}
	}

	if report.WalletOK {
		report.Snapshot = g.MarginUsage(ctx, positions, report.Wallet)
		if report.Snapshot.ExposureRatio > cfg.MarginWarnMultiple {
			report.Warnings++
		}
		if g.equity != nil {
			g.equity.Observe(now, report.Wallet)
		}
	}

	prices, priceErrs := g.prefetchPrices(ctx, positions, cfg.PriceFetchConcurrency)

	updates := make([]position.Update, 0)
	for _, pos := range positions {
		price, ok := prices[pos.Symbol]
		if !ok {
			g.skip(ctx, &report, pos, StagePrice, priceErrs[pos.Symbol])
			continue
		}

		var update position.Update

		if pos.StopLoss == 0 {
			if report.WalletOK {
				stop, serr := computeStopLoss(cfg, pos.EntryPrice, report.Wallet, pos.Notional(), pos.Leverage, pos.Direction)
				if serr != nil {
					g.skip(ctx, &report, pos, StageStopBackfill, serr)
				} else {
					pos.StopLoss = stop
					update.StopLoss = &stop
					report.Backfilled++
					g.logger.Info("补齐缺失止损",
						zap.String("position_id", pos.ID),
						zap.String("symbol", pos.Symbol),
						zap.Float64("stop_loss", stop),
					)
					monitor.Emit(ctx, g.recorder, g.logger, monitor.Event{
						Type:     monitor.EventStopBackfill,
						Severity: monitor.SeverityWarn,
						Symbol:   pos.Symbol,
						Payload:  monitor.StopBackfillPayload{PositionID: pos.ID, StopLoss: stop, Wallet: report.Wallet},
					})
				}
			} else {
				g.skip(ctx, &report, pos, StageStopBackfill, fmt.Errorf("钱包余额不可用"))
			}
		}

		if _, warn := g.LiquidationBuffer(ctx, pos, price); warn {
			report.Warnings++
		}

		if trail, ok := maybeUpdateTrailingStop(cfg, pos, price); ok {
			previous := pos.TrailingStop
			pos.TrailingStop = &trail
			update.TrailingStop = &trail
			report.Ratcheted++
			metrics.IncTrailingUpdate()
			g.logger.Info("追踪止损上移",
				zap.String("position_id", pos.ID),
				zap.String("symbol", pos.Symbol),
				zap.Float64("price", price),
				zap.Float64("trailing_stop", trail),
			)
			monitor.Emit(ctx, g.recorder, g.logger, monitor.Event{
				Type:    monitor.EventTrailingUpdate,
				Symbol:  pos.Symbol,
				Payload: monitor.TrailingUpdatePayload{PositionID: pos.ID, Previous: previous, Next: trail, Price: price},
			})
		}

		if update.StopLoss != nil || update.TrailingStop != nil {
			update.ID = pos.ID
			updates = append(updates, update)
		}

		hours := pos.HoursOpen(now)
		switch {
		case hours >= cfg.MaxHoldHours:
			g.forceClose(ctx, &report, pos, price, hours, CloseMaxHold)
		case pos.StopCrossed(price):
			reason := CloseStopCrossed
			if pos.TrailingStop != nil && pos.EffectiveStop() == *pos.TrailingStop {
				reason = CloseTrailingStop
			}
			g.forceClose(ctx, &report, pos, price, hours, reason)
		}
	}

	if len(updates) > 0 {
		n, perr := g.positions.ApplyUpdates(ctx, updates)
		if perr != nil {
			g.skip(ctx, &report, position.Position{}, StagePersist, perr)
			return report, fmt.Errorf("leverage: 止损变更落库失败: %w", perr)
		}
		report.Persisted = n
	}

	g.logger.Info("杠杆巡检完成",
		zap.Int("positions", report.Positions),
		zap.Bool("wallet_ok", report.WalletOK),
		zap.Float64("exposure_ratio", report.Snapshot.ExposureRatio),
		zap.Int("backfilled", report.Backfilled),
		zap.Int("ratcheted", report.Ratcheted),
		zap.Int("persisted", report.Persisted),
		zap.Int("closed", len(report.Closed)),
		zap.Int("skipped", len(report.Skipped)),
	)
	return report, nil
}

func (g *Governor) prefetchPrices(ctx context.Context, positions []position.Position, limit int) (map[string]float64, map[string]error) {
	prices := make(map[string]float64)
	errs := make(map[string]error)
	if g.prices == nil {
		for _, pos := range positions {
			errs[pos.Symbol] = fmt.Errorf("未配置价格源")
		}
		return prices, errs
	}

	symbols := make(map[string]struct{})
	for _, pos := range positions {
		symbols[pos.Symbol] = struct{}{}
	}

	var mu sync.Mutex
	group, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		group.SetLimit(limit)
	}

	for symbol := range symbols {
		symbol := symbol
		group.Go(func() error {
			price, err := g.prices.LatestPrice(gctx, symbol)
			if err == nil && (!finite(price) || price <= 0) {
				err = fmt.Errorf("价格非法 %v", price)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[symbol] = err
				return nil
			}
			prices[symbol] = price
			return nil
		})
	}
	_ = group.Wait()

	return prices, errs
}

func (g *Governor) forceClose(ctx context.Context, report *ScanReport, pos position.Position, price, hours float64, reason string) {
	if g.closer == nil {
		g.skip(ctx, report, pos, StageClose, fmt.Errorf("未配置平仓执行器"))
		return
	}

	if _, err := g.closer.ClosePosition(ctx, execution.CloseRequest{Position: pos, Price: price, Reason: reason}); err != nil {
		g.skip(ctx, report, pos, StageClose, err)
		return
	}

	report.Closed = append(report.Closed, ForcedClose{PositionID: pos.ID, Symbol: pos.Symbol, Price: price, Reason: reason})
	metrics.IncForcedClose(reason)
	g.logger.Warn("巡检强制平仓",
		zap.String("position_id", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.String("direction", string(pos.Direction)),
		zap.Float64("price", price),
		zap.Float64("stop_loss", pos.EffectiveStop()),
		zap.Float64("hours_open", hours),
		zap.String("reason", reason),
	)
	monitor.Emit(ctx, g.recorder, g.logger, monitor.Event{
		Type:     monitor.EventForcedClose,
		Severity: monitor.SeverityHigh,
		Symbol:   pos.Symbol,
		Payload: monitor.ForcedClosePayload{
			PositionID: pos.ID,
			Direction:  string(pos.Direction),
			Price:      price,
			StopLoss:   pos.EffectiveStop(),
			HoursOpen:  hours,
			Reason:     reason,
		},
	})
}

func (g *Governor) skip(ctx context.Context, report *ScanReport, pos position.Position, stage string, err error) {
	if err == nil {
		err = fmt.Errorf("unknown")
	}
	report.Skipped = append(report.Skipped, Skip{PositionID: pos.ID, Symbol: pos.Symbol, Stage: stage, Err: err})
	metrics.IncGovernorSkip(stage)
	g.logger.Warn("巡检跳过",
		zap.String("position_id", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.String("stage", stage),
		zap.Error(err),
	)
	monitor.Emit(ctx, g.recorder, g.logger, monitor.Event{
		Type:     monitor.EventGovernorSkip,
		Severity: monitor.SeverityWarn,
		Symbol:   pos.Symbol,
		Payload:  monitor.GovernorSkipPayload{PositionID: pos.ID, Stage: stage, Error: err.Error()},
	})
}
