package sizing

import "math"

const (
	// DefaultFraction 为输入非法时返回的保守仓位比例。
	DefaultFraction = 0.01
	// maxWinRate 限制胜率上限，避免 q 趋近 0 时凯利公式退化。
	maxWinRate = 0.99
)

// KellyFraction 计算凯利比例 f = (b·p − q)/b，结果位于 [0,1]。
// p ≤ 0、b ≤ 0 或输入非有限值时返回 DefaultFraction。
func KellyFraction(p, b float64) float64 {
	if !finite(p) || !finite(b) || p <= 0 || b <= 0 {
		return DefaultFraction
	}
	if p > maxWinRate {
		p = maxWinRate
	}
	q := 1 - p
	f := (b*p - q) / b
	return clamp(f, 0, 1)
}

// VolatilityWeight 返回 clamp(reference/current, lo, hi)；当前波动非法时返回 1。
func VolatilityWeight(reference, current, lo, hi float64) float64 {
	if !finite(reference) || !finite(current) || reference <= 0 || current <= 0 {
		return 1.0
	}
	return clamp(reference/current, lo, hi)
}

// Throttle 根据近期 Sharpe/Sortino 返回仓位乘数；样本不足时不做调整。
func Throttle(sharpe, sortino float64, samples, minSamples int) float64 {
	if samples < minSamples {
		return 1.0
	}
	switch {
	case sharpe < 0.2 || sortino < 0.2:
		return 0.70
	case sharpe < 0.4 || sortino < 0.4:
		return 0.85
	case sharpe > 0.8 && sortino > 0.8:
		return 1.10
	default:
		return 1.0
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
