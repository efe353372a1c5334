package position

import (
	"math"
	"strings"
	"time"
)

// Direction 表示持仓方向。
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// ParseDirection 解析方向字符串，兼容 buy/sell。
func ParseDirection(v string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "long", "buy":
		return Long, true
	case "short", "sell":
		return Short, true
	default:
		return "", false
	}
}

// Status 表示持仓状态。
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Position 为持仓记录。Size 为保证金金额，名义价值为 Size × Leverage；
// StopLoss 为 0 表示尚未设置止损。
type Position struct {
	ID                string
	Symbol            string
	Strategy          string
	Direction         Direction
	EntryPrice        float64
	Size              float64
	Leverage          float64
	StopLoss          float64
	TrailingStop      *float64
	Regime            string
	RemainingFraction float64
	Status            Status
	OpenedAt          time.Time
	ClosedAt          *time.Time
	ClosePrice        float64
	RealizedPnL       float64
	CloseReason       string
}

// Notional 返回名义价值。
func (p Position) Notional() float64 {
	lev := p.Leverage
	if lev <= 0 {
		lev = 1
	}
	return p.Size * lev
}

// Quantity 返回合约数量 notional/entry。
func (p Position) Quantity() float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return p.Notional() / p.EntryPrice
}

// ROI 返回相对入场价的收益率，按方向取符号。
func (p Position) ROI(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	move := (price - p.EntryPrice) / p.EntryPrice
	if p.Direction == Short {
		return -move
	}
	return move
}

// UnrealizedPnL 估算当前价格下的浮动盈亏。
func (p Position) UnrealizedPnL(price float64) float64 {
	return p.ROI(price) * p.Notional() * p.remaining()
}

// RealizedROI 返回已实现盈亏相对名义价值的比例。
func (p Position) RealizedROI() float64 {
	notional := p.Notional()
	if notional <= 0 {
		return 0
	}
	return p.RealizedPnL / notional
}

// HoursOpen 返回持仓时长（小时）。
func (p Position) HoursOpen(now time.Time) float64 {
	if p.OpenedAt.IsZero() {
		return 0
	}
	return now.Sub(p.OpenedAt).Hours()
}

// EffectiveStop 返回止损与追踪止损中更具保护性的一个，均未设置时返回 0。
func (p Position) EffectiveStop() float64 {
	stop := p.StopLoss
	if p.TrailingStop == nil {
		return stop
	}
	trail := *p.TrailingStop
	if stop == 0 || MoreProtective(p.Direction, trail, stop) {
		return trail
	}
	return stop
}

// StopCrossed 判断价格是否已触及有效止损。
func (p Position) StopCrossed(price float64) bool {
	stop := p.EffectiveStop()
	if stop <= 0 {
		return false
	}
	if p.Direction == Short {
		return price >= stop
	}
	return price <= stop
}

// MoreProtective 判断 candidate 是否比 current 更具保护性：多头更高，空头更低。
func MoreProtective(dir Direction, candidate, current float64) bool {
	if dir == Short {
		return candidate < current
	}
	return candidate > current
}

func (p Position) remaining() float64 {
	if p.RemainingFraction <= 0 || p.RemainingFraction > 1 || math.IsNaN(p.RemainingFraction) {
		return 1
	}
	return p.RemainingFraction
}

// WalletSnapshot 为账户余额与总敞口快照。
type WalletSnapshot struct {
	Balance       float64
	Exposure      float64
	ExposureRatio float64
	Timestamp     time.Time
}

// NewWalletSnapshot 汇总未平仓持仓的 Σ size×leverage。
func NewWalletSnapshot(balance float64, positions []Position, now time.Time) WalletSnapshot {
	snap := WalletSnapshot{Balance: balance, Timestamp: now}
	for _, p := range positions {
		if p.Status == StatusClosed {
			continue
		}
		snap.Exposure += p.Notional()
	}
	if balance > 0 {
		snap.ExposureRatio = snap.Exposure / balance
	}
	return snap
}
