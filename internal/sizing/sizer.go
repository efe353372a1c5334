package sizing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"go.uber.org/zap"

	"trades-risk/internal/config"
	"trades-risk/internal/metrics"
	"trades-risk/internal/monitor"
)

// ErrInvalidBankroll 表示资金规模为非有限值、零或负数，此时仓位为零。
var ErrInvalidBankroll = errors.New("sizing: 资金规模非法")

// Mode 区分现货与合约仓位计算。
type Mode string

const (
	ModeSpot    Mode = "spot"
	ModeFutures Mode = "futures"
)

// Status 表示仓位计算结果状态。
type Status string

const (
	StatusOK           Status = "ok"
	StatusClamped      Status = "clamped"
	StatusInvalidInput Status = "invalid_input"
)

const (
	clampBudget    = "budget"
	clampPolicyMax = "policy_max"
)

// BudgetSource 提供策略维度的保证金预算。
type BudgetSource interface {
	StrategyMarginBudget(ctx context.Context, strategy, regime string) (float64, error)
}

// SpotRequest 为现货仓位计算输入。
type SpotRequest struct {
	Symbol     string
	Bankroll   float64
	CurrentVol float64
}

// FuturesRequest 为合约仓位计算输入。
type FuturesRequest struct {
	Symbol     string
	Strategy   string
	Regime     string
	Bankroll   float64
	CurrentVol float64
	Leverage   float64
}

// Decision 汇总一次仓位计算的全部中间量，只写日志不持久化。
type Decision struct {
	Mode                Mode
	Status              Status
	WinRate             float64
	Payoff              float64
	KellyRaw            float64
	KellyFraction       float64
	VolatilityWeight    float64
	PerformanceThrottle float64
	Sharpe              float64
	Sortino             float64
	Multiplier          float64
	Requested           float64
	Final               float64
	Margin              float64
	Notional            float64
	Leverage            float64
	ClampReason         string
	HighSeverity        bool
}

// Sizer 根据凯利比例、波动率与近期表现计算仓位。
type Sizer struct {
	cfg      config.Source
	outcomes *OutcomeWindow
	perf     *PerformanceWindow
	budgets  BudgetSource
	recorder monitor.Recorder
	logger   *zap.Logger
}

// NewSizer 创建 Sizer。budgets 可为空，此时合约仓位不做预算裁剪。
func NewSizer(cfg config.Source, outcomes *OutcomeWindow, perf *PerformanceWindow, budgets BudgetSource, recorder monitor.Recorder, logger *zap.Logger) *Sizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sizer{
		cfg:      cfg,
		outcomes: outcomes,
		perf:     perf,
		budgets:  budgets,
		recorder: recorder,
		logger:   logger,
	}
}

// Outcomes 返回交易结果窗口。
func (s *Sizer) Outcomes() *OutcomeWindow {
	return s.outcomes
}

// Performance 返回小时盈亏窗口。
func (s *Sizer) Performance() *PerformanceWindow {
	return s.perf
}

// SizeSpot 计算现货仓位：半凯利限制在 [min, max_spot]，按最小仓位托底后裁剪到策略上下限。
func (s *Sizer) SizeSpot(ctx context.Context, req SpotRequest) (Decision, error) {
	kcfg := s.cfg.Current().Kelly

	decision := Decision{Mode: ModeSpot, Leverage: 1}
	if err := s.guardBankroll(ctx, req.Symbol, ModeSpot, req.Bankroll); err != nil {
		decision.Status = StatusInvalidInput
		return decision, err
	}

	s.fillMultiplier(&decision, kcfg, kcfg.MaxSpotFraction, req.CurrentVol)

	requested := req.Bankroll * decision.Multiplier
	if requested < kcfg.MinSpotSize {
		requested = kcfg.MinSpotSize
	}
	decision.Requested = requested

	final := math.Max(requested, kcfg.PolicyMinSize)
	if final > kcfg.PolicyMaxSize {
		s.recordClamp(ctx, req.Symbol, ModeSpot, "", "", clampPolicyMax, final, kcfg.PolicyMaxSize, kcfg.HighSeverityCut)
		final = kcfg.PolicyMaxSize
		decision.ClampReason = clampPolicyMax
	}

	decision.Final = final
	decision.Margin = final
	decision.Notional = final
	return s.finish(ctx, req.Symbol, decision, kcfg)
}

// SizeFutures 计算合约保证金：半凯利限制在 [min, max_futures]，不做最小仓位托底，
// 先按策略预算裁剪再按策略上下限裁剪，名义价值 = 保证金 × min(杠杆, 上限) × 强平缓冲系数。
func (s *Sizer) SizeFutures(ctx context.Context, req FuturesRequest) (Decision, error) {
	cfg := s.cfg.Current()
	kcfg := cfg.Kelly

	decision := Decision{Mode: ModeFutures}
	if err := s.guardBankroll(ctx, req.Symbol, ModeFutures, req.Bankroll); err != nil {
		decision.Status = StatusInvalidInput
		return decision, err
	}

	s.fillMultiplier(&decision, kcfg, kcfg.MaxFuturesFraction, req.CurrentVol)

	requested := req.Bankroll * decision.Multiplier
	decision.Requested = requested
	margin := requested

	floor := kcfg.PolicyMinSize
	if budget, ok := s.budget(ctx, req, kcfg); ok {
		if margin > budget {
			s.recordClamp(ctx, req.Symbol, ModeFutures, req.Strategy, req.Regime, clampBudget, margin, budget, kcfg.HighSeverityCut)
			margin = budget
			decision.ClampReason = clampBudget
		}
		// 策略下限不能把保证金抬到预算之上。
		floor = math.Min(floor, budget)
	}

	margin = math.Max(margin, floor)
	if margin > kcfg.PolicyMaxSize {
		s.recordClamp(ctx, req.Symbol, ModeFutures, req.Strategy, req.Regime, clampPolicyMax, margin, kcfg.PolicyMaxSize, kcfg.HighSeverityCut)
		margin = kcfg.PolicyMaxSize
		decision.ClampReason = clampPolicyMax
	}

	leverage := req.Leverage
	if !finite(leverage) || leverage < 1 {
		leverage = 1
	}
	if cfg.Leverage.HardCap > 0 && leverage > cfg.Leverage.HardCap {
		leverage = cfg.Leverage.HardCap
	}

	decision.Leverage = leverage
	decision.Final = margin
	decision.Margin = margin
	decision.Notional = margin * leverage * kcfg.LiquidationDamping
	return s.finish(ctx, req.Symbol, decision, kcfg)
}

func (s *Sizer) guardBankroll(ctx context.Context, symbol string, mode Mode, bankroll float64) error {
	if finite(bankroll) && bankroll > 0 {
		return nil
	}

	metrics.IncSizingDecision(string(mode), string(StatusInvalidInput))
	s.logger.Error("资金规模非法，返回零仓位",
		zap.String("symbol", symbol),
		zap.String("mode", string(mode)),
		zap.Float64("bankroll", bankroll),
	)
	monitor.Emit(ctx, s.recorder, s.logger, monitor.Event{
		Type:     monitor.EventSizingInvalid,
		Severity: monitor.SeverityHigh,
		Symbol:   symbol,
		Payload: monitor.SizingInvalidPayload{
			Mode:     string(mode),
			Bankroll: strconv.FormatFloat(bankroll, 'g', -1, 64),
			Reason:   "bankroll must be finite and positive",
		},
	})
	return fmt.Errorf("%w: %v", ErrInvalidBankroll, bankroll)
}

func (s *Sizer) fillMultiplier(d *Decision, kcfg config.KellyConfig, maxFraction, currentVol float64) {
	p, b := s.outcomes.Stats()
	d.WinRate = p
	d.Payoff = b
	d.KellyRaw = KellyFraction(p, b)
	d.KellyFraction = clamp(d.KellyRaw*kcfg.KellyMultiplier, kcfg.MinFraction, maxFraction)
	d.VolatilityWeight = VolatilityWeight(kcfg.VolReference, currentVol, kcfg.VolWeightMin, kcfg.VolWeightMax)

	sharpe, sortino, samples := s.perf.Ratios()
	d.Sharpe = sharpe
	d.Sortino = sortino
	d.PerformanceThrottle = Throttle(sharpe, sortino, samples, kcfg.PerformanceMinHours)
	d.Multiplier = d.KellyFraction * d.VolatilityWeight * d.PerformanceThrottle
}

func (s *Sizer) budget(ctx context.Context, req FuturesRequest, kcfg config.KellyConfig) (float64, bool) {
	if s.budgets == nil {
		return 0, false
	}
	budget, err := s.budgets.StrategyMarginBudget(ctx, req.Strategy, req.Regime)
	if err == nil && finite(budget) && budget >= 0 {
		return budget, true
	}
	if err == nil {
		err = fmt.Errorf("预算值非法 %v", budget)
	}
	s.logger.Warn("获取策略保证金预算失败，按策略上限放行",
		zap.String("symbol", req.Symbol),
		zap.String("strategy", req.Strategy),
		zap.String("regime", req.Regime),
		zap.Float64("fallback", kcfg.PolicyMaxSize),
		zap.Error(err),
	)
	return kcfg.PolicyMaxSize, true
}

func (s *Sizer) recordClamp(ctx context.Context, symbol string, mode Mode, strategy, regime, reason string, before, after, highCut float64) {
	reduction := 0.0
	if before > 0 {
		reduction = (before - after) / before
	}
	high := reduction > highCut
	severity := monitor.SeverityWarn
	if high {
		severity = monitor.SeverityHigh
	}

	metrics.IncSizingClamp(reason, string(severity))
	s.logger.Warn("仓位被上限裁剪",
		zap.String("symbol", symbol),
		zap.String("mode", string(mode)),
		zap.String("reason", reason),
		zap.Float64("before", before),
		zap.Float64("after", after),
		zap.Float64("reduction_pct", reduction),
		zap.Bool("high_severity", high),
	)
	monitor.Emit(ctx, s.recorder, s.logger, monitor.Event{
		Type:     monitor.EventSizingClamp,
		Severity: severity,
		Symbol:   symbol,
		Payload: monitor.SizingClampPayload{
			Mode:         string(mode),
			Strategy:     strategy,
			Regime:       regime,
			Reason:       reason,
			Before:       before,
			After:        after,
			ReductionPct: reduction,
			HighSeverity: high,
		},
	})
}

func (s *Sizer) finish(ctx context.Context, symbol string, d Decision, kcfg config.KellyConfig) (Decision, error) {
	if !finite(d.Final) || !finite(d.Notional) {
		d.Status = StatusInvalidInput
		d.Final, d.Margin, d.Notional = 0, 0, 0
		metrics.IncSizingDecision(string(d.Mode), string(d.Status))
		return d, fmt.Errorf("sizing: %s 计算结果非有限值", symbol)
	}

	d.Status = StatusOK
	if d.ClampReason != "" {
		d.Status = StatusClamped
		if d.Requested > 0 {
			d.HighSeverity = (d.Requested-d.Final)/d.Requested > kcfg.HighSeverityCut
		}
	}

	metrics.IncSizingDecision(string(d.Mode), string(d.Status))
	s.logger.Info("仓位计算完成",
		zap.String("symbol", symbol),
		zap.String("mode", string(d.Mode)),
		zap.String("status", string(d.Status)),
		zap.Float64("win_rate", d.WinRate),
		zap.Float64("payoff", d.Payoff),
		zap.Float64("kelly_raw", d.KellyRaw),
		zap.Float64("kelly_fraction", d.KellyFraction),
		zap.Float64("vol_weight", d.VolatilityWeight),
		zap.Float64("throttle", d.PerformanceThrottle),
		zap.Float64("requested", d.Requested),
		zap.Float64("final", d.Final),
		zap.Float64("notional", d.Notional),
	)
	return d, nil
}
