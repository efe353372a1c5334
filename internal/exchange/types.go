package exchange

import "time"

const (
	// Timeframe1m 用于近似最新成交价。
	Timeframe1m = "1m"
	// Timeframe15m 为默认 ATR 周期。
	Timeframe15m = "15m"
)

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}
