package leverage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"trades-risk/internal/config"
	"trades-risk/internal/execution"
	"trades-risk/internal/metrics"
	"trades-risk/internal/monitor"
	"trades-risk/internal/position"
)

// 杠杆决策原因。
const (
	ReasonLadder                = "ladder"
	ReasonInsufficientConfirm   = "insufficient_confirmations"
	ReasonNonPositiveExpectancy = "non_positive_expectancy"
	ReasonSizeExceedsWallet     = "size_exceeds_wallet_fraction"
	ReasonInvalidWallet         = "invalid_wallet"
)

// ErrInvalidInput 表示止损计算输入非法。
var ErrInvalidInput = errors.New("leverage: 输入非法")

// PriceSource 提供最新价格。
type PriceSource interface {
	LatestPrice(ctx context.Context, symbol string) (float64, error)
}

// WalletSource 提供钱包余额。
type WalletSource interface {
	WalletBalance(ctx context.Context) (float64, error)
}

// EquityObserver 接收巡检时观测到的账户权益。
type EquityObserver interface {
	Observe(ts time.Time, equity float64)
}

// Signal 为开仓信号中与杠杆相关的部分。
type Signal struct {
	Symbol            string
	ROIStrength       float64
	Confirmations     int
	RequestedSize     float64
	RequestedLeverage float64
}

// Decision 为杠杆选择结果。
type Decision struct {
	Leverage   float64
	Ladder     float64
	CapitalCap float64
	HardCap    float64
	Reason     string
}

// Dependencies 汇总 Governor 的外部依赖。
type Dependencies struct {
	Config    config.Source
	Positions position.Store
	Prices    PriceSource
	Wallet    WalletSource
	Closer    execution.Closer
	Recorder  monitor.Recorder
	Equity    EquityObserver
	Logger    *zap.Logger
}

// Governor 负责杠杆选择、止损计算、追踪止损与周期巡检。
type Governor struct {
	cfg       config.Source
	positions position.Store
	prices    PriceSource
	wallet    WalletSource
	closer    execution.Closer
	recorder  monitor.Recorder
	equity    EquityObserver
	logger    *zap.Logger
	now       func() time.Time
}

// NewGovernor 创建 Governor。
func NewGovernor(deps Dependencies) (*Governor, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("leverage: 配置不能为空")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Governor{
		cfg:       deps.Config,
		positions: deps.Positions,
		prices:    deps.Prices,
		wallet:    deps.Wallet,
		closer:    deps.Closer,
		recorder:  deps.Recorder,
		equity:    deps.Equity,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// ChooseLeverage 按信号强度沿阶梯提升杠杆。需要足够的确认数与正期望，
// 请求仓位超过钱包比例时回落到 1 倍，最终不超过硬上限与资金上限中的较小者。
func (g *Governor) ChooseLeverage(sig Signal, walletBalance, expectancy float64) Decision {
	cfg := g.cfg.Current().Leverage

	d := Decision{Leverage: 1, Ladder: 1, HardCap: cfg.HardCap, CapitalCap: 1}

	switch {
	case !finite(walletBalance) || walletBalance <= 0:
		d.Reason = ReasonInvalidWallet
	case sig.Confirmations < cfg.MinConfirmations:
		d.Reason = ReasonInsufficientConfirm
	case !finite(expectancy) || expectancy <= 0:
		d.Reason = ReasonNonPositiveExpectancy
	default:
		d.Reason = ReasonLadder
		if finite(sig.ROIStrength) {
			for i, threshold := range cfg.LadderROI {
				if sig.ROIStrength >= threshold && i < len(cfg.LadderLeverage) {
					d.Ladder = cfg.LadderLeverage[i]
				}
			}
		}
		d.Leverage = d.Ladder
		if sig.RequestedLeverage >= 1 && sig.RequestedLeverage < d.Leverage {
			d.Leverage = sig.RequestedLeverage
		}
	}

	if d.Reason != ReasonInvalidWallet && sig.RequestedSize > 0 {
		d.CapitalCap = math.Max(1, math.Floor(walletBalance*cfg.MaxNotionalWalletMultiple/sig.RequestedSize))
		if sig.RequestedSize > cfg.MaxSizeWalletFraction*walletBalance {
			d.Leverage = 1
			d.Reason = ReasonSizeExceedsWallet
		}
	} else if d.Reason != ReasonInvalidWallet {
		d.CapitalCap = cfg.HardCap
	}

	d.Leverage = math.Max(1, math.Min(d.Leverage, math.Min(cfg.HardCap, d.CapitalCap)))

	metrics.ObserveLeverage(d.Leverage)
	g.logger.Info("杠杆选择完成",
		zap.String("symbol", sig.Symbol),
		zap.Float64("roi_strength", sig.ROIStrength),
		zap.Int("confirmations", sig.Confirmations),
		zap.Float64("expectancy", expectancy),
		zap.Float64("ladder", d.Ladder),
		zap.Float64("capital_cap", d.CapitalCap),
		zap.Float64("leverage", d.Leverage),
		zap.String("reason", d.Reason),
	)
	return d
}

// ComputeStopLoss 将钱包余额的固定比例作为最大可承受亏损，按合约数量 notional/entry
// 换算为价格距离，放置在入场价亏损一侧。距离不超过入场价的固定比例，
// 且不超过按杠杆估算的强平距离的九成。
func (g *Governor) ComputeStopLoss(entry, walletBalance, notional, leverage float64, side position.Direction) (float64, error) {
	cfg := g.cfg.Current().Leverage
	return computeStopLoss(cfg, entry, walletBalance, notional, leverage, side)
}

func computeStopLoss(cfg config.LeverageConfig, entry, walletBalance, notional, leverage float64, side position.Direction) (float64, error) {
	if !finite(entry) || entry <= 0 {
		return 0, fmt.Errorf("%w: entry=%v", ErrInvalidInput, entry)
	}
	if !finite(walletBalance) || walletBalance <= 0 {
		return 0, fmt.Errorf("%w: wallet=%v", ErrInvalidInput, walletBalance)
	}
	if !finite(notional) || notional <= 0 {
		return 0, fmt.Errorf("%w: notional=%v", ErrInvalidInput, notional)
	}
	if side != position.Long && side != position.Short {
		return 0, fmt.Errorf("%w: side=%q", ErrInvalidInput, side)
	}

	maxLoss := walletBalance * cfg.StopLossWalletFraction
	quantity := notional / entry
	distance := maxLoss / quantity

	maxPct := cfg.StopLossMaxPct
	if finite(leverage) && leverage > 1 {
		maxPct = math.Min(maxPct, 0.9/leverage)
	}
	distance = math.Min(distance, entry*maxPct)

	if side == position.Short {
		return entry + distance, nil
	}
	return entry - distance, nil
}

// MaybeUpdateTrailingStop 在浮盈超过启动阈值后按固定步长锁定利润，
// 仅当新值比现有追踪止损更具保护性时返回 true。
func (g *Governor) MaybeUpdateTrailingStop(pos position.Position, price float64) (float64, bool) {
	cfg := g.cfg.Current().Leverage
	return maybeUpdateTrailingStop(cfg, pos, price)
}

func maybeUpdateTrailingStop(cfg config.LeverageConfig, pos position.Position, price float64) (float64, bool) {
	if !finite(price) || price <= 0 || pos.EntryPrice <= 0 || cfg.TrailStepPct <= 0 {
		return 0, false
	}

	move := pos.ROI(price)
	if move <= cfg.TrailStartPct {
		return 0, false
	}

	steps := math.Floor(move/cfg.TrailStepPct + 1e-9)
	locked := math.Max(0, steps*cfg.TrailStepPct-cfg.TrailStepPct)

	candidate := pos.EntryPrice * (1 + locked)
	if pos.Direction == position.Short {
		candidate = pos.EntryPrice * (1 - locked)
	}

	if pos.TrailingStop != nil && !position.MoreProtective(pos.Direction, candidate, *pos.TrailingStop) {
		return 0, false
	}
	return candidate, true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
