package backtest

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"trades-risk/internal/exit"
)

// ActionPathEnd 表示路径结束时按最后一个 tick 的 ROI 平掉剩余仓位。
const ActionPathEnd exit.Action = "path_end"

// PathResult 为单条路径的回放结果。
type PathResult struct {
	ID       string
	Symbol   string
	Regime   string
	Fills    []Fill
	Realized float64
	MAE      float64
	MFE      float64
}

// Result 汇总回放结果。
type Result struct {
	Metrics      Metrics
	EquityCurve  []float64
	ReturnSeries []float64
	Trades       int
	FinalEquity  float64
	Paths        []PathResult
	Actions      map[exit.Action]int
}

// Engine 逐条路径驱动出场状态机，评估一组出场参数。
type Engine struct {
	cfg       Config
	provider  PathProvider
	simulator *Simulator
	logger    *zap.Logger
}

// NewEngine 构建回放引擎。
func NewEngine(cfg Config, provider PathProvider, logger *zap.Logger) (*Engine, error) {
	if provider == nil {
		return nil, fmt.Errorf("backtest: provider 不能为空")
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, fmt.Errorf("backtest: 出场参数非法: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg = cfg.normalize()
	return &Engine{
		cfg:       cfg,
		provider:  provider,
		simulator: NewSimulator(cfg.InitialEquity, cfg.RiskFraction),
		logger:    logger,
	}, nil
}

// Run 执行完整回放流程。
func (e *Engine) Run(ctx context.Context) (Result, error) {
	result := Result{Actions: make(map[exit.Action]int)}
	for {
		path, ok, err := e.provider.Next(ctx)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			break
		}
		if len(path.Ticks) == 0 {
			e.logger.Warn("路径为空，跳过", zap.String("path_id", path.ID))
			continue
		}

		pr := e.replay(ctx, path)
		for _, f := range pr.Fills {
			result.Actions[f.Action]++
		}
		e.simulator.Settle(pr.Realized)
		result.Paths = append(result.Paths, pr)
	}

	realizedROIs := make([]float64, 0, len(result.Paths))
	for _, pr := range result.Paths {
		realizedROIs = append(realizedROIs, pr.Realized)
	}

	result.Metrics = calculateMetrics(e.simulator.EquityHistory(), e.simulator.ReturnHistory(), realizedROIs)
	result.EquityCurve = e.simulator.EquityHistory()
	result.ReturnSeries = e.simulator.ReturnHistory()
	result.Trades = e.simulator.TradeCount()
	result.FinalEquity = e.simulator.Equity()

	e.logger.Info("出场策略回放完成",
		zap.Int("paths", len(result.Paths)),
		zap.Float64("total_return", result.Metrics.TotalReturn),
		zap.Float64("win_rate", result.Metrics.WinRate),
		zap.Float64("max_drawdown", result.Metrics.MaxDrawdown),
	)
	return result, nil
}

func (e *Engine) replay(ctx context.Context, path Path) PathResult {
	mgr := exit.NewManager(path.ID, path.Symbol, path.Regime, e.cfg.Params, time.Time{}, nil, e.logger)

	pr := PathResult{ID: path.ID, Symbol: path.Symbol, Regime: path.Regime}
	remaining := 1.0
	var last exit.Tick
	for _, t := range path.Ticks {
		t.SizeRemaining = remaining
		last = t

		d := mgr.Update(ctx, t)
		if d.Action == exit.ActionHold {
			continue
		}
		size := math.Min(d.SizeFraction, remaining)
		pr.Fills = append(pr.Fills, Fill{Action: d.Action, SizeFraction: size, ROI: t.ROI, MinutesOpen: t.MinutesOpen})
		remaining -= size
		if remaining <= sizeEpsilon {
			remaining = 0
			break
		}
	}

	if remaining > 0 {
		pr.Fills = append(pr.Fills, Fill{Action: ActionPathEnd, SizeFraction: remaining, ROI: last.ROI, MinutesOpen: last.MinutesOpen})
	}
	pr.Realized = realized(pr.Fills)
	pr.MAE, pr.MFE = mgr.Excursions()
	return pr
}
