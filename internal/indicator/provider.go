package indicator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"trades-risk/internal/exchange"
)

// CandleSource 抽象K线来源，exchange.Client 实现该接口。
type CandleSource interface {
	FetchCandles(ctx context.Context, symbol, timeframe string, limit int64) ([]exchange.Candle, error)
}

// Volatility 为单个交易对的波动快照。
type Volatility struct {
	ATR       ATRResult
	Realized  float64
	UpdatedAt time.Time
}

type volEntry struct {
	value     Volatility
	expiresAt time.Time
}

// ATRProvider 按交易对缓存 ATR 与实现波动率，并合并并发的重复拉取。
type ATRProvider struct {
	source    CandleSource
	timeframe string
	period    int
	ttl       time.Duration
	logger    *zap.Logger
	now       func() time.Time

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]volEntry
}

// NewATRProvider 创建 ATRProvider。
func NewATRProvider(source CandleSource, timeframe string, period int, ttl time.Duration, logger *zap.Logger) *ATRProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeframe == "" {
		timeframe = exchange.Timeframe15m
	}
	if period <= 1 {
		period = 14
	}
	return &ATRProvider{
		source:    source,
		timeframe: timeframe,
		period:    period,
		ttl:       ttl,
		logger:    logger,
		now:       time.Now,
		cache:     make(map[string]volEntry),
	}
}

// ATRROI 返回以 ROI 表示的 ATR。
func (p *ATRProvider) ATRROI(ctx context.Context, symbol string) (float64, error) {
	vol, err := p.Snapshot(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return vol.ATR.Relative, nil
}

// RealizedVolatility 返回近期实现波动率，供仓位计算的波动权重使用。
func (p *ATRProvider) RealizedVolatility(ctx context.Context, symbol string) (float64, error) {
	vol, err := p.Snapshot(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return vol.Realized, nil
}

// Snapshot 返回缓存中的波动快照，过期时重新拉取K线。
func (p *ATRProvider) Snapshot(ctx context.Context, symbol string) (Volatility, error) {
	now := p.now()

	p.mu.Lock()
	if entry, ok := p.cache[symbol]; ok && now.Before(entry.expiresAt) {
		p.mu.Unlock()
		return entry.value, nil
	}
	p.mu.Unlock()

	result, err, _ := p.group.Do(symbol, func() (interface{}, error) {
		return p.load(ctx, symbol)
	})
	if err != nil {
		return Volatility{}, err
	}
	return result.(Volatility), nil
}

func (p *ATRProvider) load(ctx context.Context, symbol string) (Volatility, error) {
	limit := int64(p.period * 4)
	candles, err := p.source.FetchCandles(ctx, symbol, p.timeframe, limit)
	if err != nil {
		return Volatility{}, fmt.Errorf("indicator: 获取 %s K线失败: %w", symbol, err)
	}

	atr, err := ComputeATR(candles, p.period)
	if err != nil {
		return Volatility{}, err
	}

	now := p.now()
	vol := Volatility{
		ATR:       atr,
		Realized:  RealizedVolatility(candles, p.period*2),
		UpdatedAt: now,
	}

	p.mu.Lock()
	p.cache[symbol] = volEntry{value: vol, expiresAt: now.Add(p.ttl)}
	p.mu.Unlock()

	p.logger.Debug("波动快照已刷新",
		zap.String("symbol", symbol),
		zap.Float64("atr_roi", atr.Relative),
		zap.Float64("realized_vol", vol.Realized),
	)
	return vol, nil
}
