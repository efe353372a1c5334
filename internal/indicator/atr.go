package indicator

import (
	"fmt"
	"math"

	talib "github.com/markcheno/go-talib"

	"trades-risk/internal/exchange"
)

// ATRResult 保存 ATR 指标。Relative 为 ATR 相对最新收盘价的比例，即以 ROI 表示的波动距离。
type ATRResult struct {
	Absolute float64
	Relative float64
	Close    float64
}

// ComputeATR 使用 talib 计算指定周期的 ATR。
func ComputeATR(candles []exchange.Candle, period int) (ATRResult, error) {
	if period <= 1 {
		return ATRResult{}, fmt.Errorf("indicator: ATR 周期非法 %d", period)
	}
	if len(candles) <= period {
		return ATRResult{}, fmt.Errorf("indicator: K线数量不足，需要 %d 根，实际 %d 根", period+1, len(candles))
	}

	series := NewSeries(candles)
	atr := talib.Atr(series.High, series.Low, series.Close, period)

	abs := Last(atr)
	lastClose := Last(series.Close)
	if math.IsNaN(abs) || math.IsInf(abs, 0) || abs < 0 || lastClose <= 0 {
		return ATRResult{}, fmt.Errorf("indicator: ATR 结果无效 atr=%.8f close=%.8f", abs, lastClose)
	}

	return ATRResult{
		Absolute: abs,
		Relative: SafeDivide(abs, lastClose),
		Close:    lastClose,
	}, nil
}

// RealizedVolatility 返回最近 window 个对数收益率的样本标准差；样本不足两个时返回 0。
func RealizedVolatility(candles []exchange.Candle, window int) float64 {
	closes := NewSeries(candles).Close
	returns := LogReturns(closes)
	if window > 0 && len(returns) > window {
		returns = returns[len(returns)-window:]
	}
	if len(returns) < 2 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)
	return math.Sqrt(variance)
}
