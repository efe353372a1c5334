package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"trades-risk/internal/config"
	"trades-risk/internal/metrics"
)

// Client 是价格、K线与余额查询的统一网关，所有调用经过同一重试策略。
type Client struct {
	cfg      config.ExchangeConfig
	logger   *zap.Logger
	exchange *ccxt.Binanceusdm

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewClient 构造 Binance USDⓈ-M 客户端。
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		},
	}
	for key, value := range map[string]string{"apiKey": cfg.APIKey, "secret": cfg.APISecret, "password": cfg.APIPass} {
		if value != "" {
			userConfig[key] = value
		}
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &Client{
		cfg:      cfg,
		logger:   logger.With(zap.String("exchange", cfg.Name)),
		exchange: ex,
	}, nil
}

// Raw 返回底层 ccxt 客户端，供平仓执行器下单。
func (c *Client) Raw() *ccxt.Binanceusdm {
	return c.exchange
}

// FetchCandles 获取指定交易对与周期的K线数据。
func (c *Client) FetchCandles(ctx context.Context, symbol, timeframe string, limit int64) ([]Candle, error) {
	if limit <= 0 {
		limit = 1
	}

	var raw []ccxt.OHLCV
	err := c.do(ctx, "fetch_ohlcv_"+timeframe, func() error {
		if err := c.ensureMarketsLoaded(); err != nil {
			return err
		}
		result, err := c.exchange.FetchOHLCV(
			symbol,
			ccxt.WithFetchOHLCVTimeframe(timeframe),
			ccxt.WithFetchOHLCVLimit(limit),
		)
		raw = result
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("exchange: %s K线获取失败: %w", symbol, err)
	}

	candles := make([]Candle, 0, len(raw))
	for _, item := range raw {
		candles = append(candles, Candle{
			Timestamp: time.UnixMilli(item.Timestamp).UTC(),
			Open:      item.Open,
			High:      item.High,
			Low:       item.Low,
			Close:     item.Close,
			Volume:    item.Volume,
		})
	}
	return candles, nil
}

// LatestPrice 以最近一根 1 分钟K线的收盘价作为当前价格。
func (c *Client) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	candles, err := c.FetchCandles(ctx, symbol, Timeframe1m, 1)
	if err != nil {
		return 0, err
	}
	if len(candles) == 0 {
		return 0, fmt.Errorf("%w: %s 无K线数据", ErrUnavailable, symbol)
	}

	price := candles[len(candles)-1].Close
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return 0, fmt.Errorf("%w: %s 价格无效 %.8f", ErrUnavailable, symbol, price)
	}
	return price, nil
}

// FetchBalance 查询账户余额。
func (c *Client) FetchBalance(ctx context.Context) (ccxt.Balances, error) {
	var balances ccxt.Balances
	err := c.do(ctx, "fetch_balance", func() error {
		result, err := c.exchange.FetchBalance()
		balances = result
		return err
	})
	return balances, err
}

func (c *Client) ensureMarketsLoaded() error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}
	if _, err := c.exchange.LoadMarkets(); err != nil {
		return err
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载")
	return nil
}

// backoff 为指数退避，等待时间在 [min, max] 内翻倍。
type backoff struct {
	next        time.Duration
	max         time.Duration
	maxAttempts int
}

func newBackoff(cfg config.RetryConfig) backoff {
	b := backoff{next: cfg.MinDelay, max: cfg.MaxDelay, maxAttempts: cfg.MaxAttempts}
	if b.next <= 0 {
		b.next = 500 * time.Millisecond
	}
	if b.max <= 0 {
		b.max = 5 * time.Second
	}
	if b.next > b.max {
		b.next = b.max
	}
	if b.maxAttempts <= 0 {
		b.maxAttempts = 1
	}
	return b
}

func (b *backoff) wait() time.Duration {
	w := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return w
}

// do 执行 fn，可重试错误按退避等待后重试；维护状态与不可重试错误立即返回。
func (c *Client) do(ctx context.Context, operation string, fn func() error) error {
	b := newBackoff(c.cfg.Retry)
	start := time.Now()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			metrics.ObserveExchangeCall(operation, "canceled", time.Since(start).Seconds())
			return err
		}

		err := fn()
		if err == nil {
			metrics.ObserveExchangeCall(operation, "ok", time.Since(start).Seconds())
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", time.Since(start)),
				)
			}
			return nil
		}

		normalized, retry := classifyError(err)
		switch {
		case errors.Is(normalized, ErrMaintenance):
			metrics.ObserveExchangeCall(operation, "maintenance", time.Since(start).Seconds())
			c.logger.Warn("交易所维护中", zap.String("operation", operation), zap.Error(normalized))
			return normalized
		case !retry || attempt >= b.maxAttempts:
			metrics.ObserveExchangeCall(operation, "error", time.Since(start).Seconds())
			c.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", time.Since(start)),
				zap.Error(normalized),
			)
			return normalized
		}

		wait := b.wait()
		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalized),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.ObserveExchangeCall(operation, "canceled", time.Since(start).Seconds())
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// classifyError 归一化错误并判断是否可重试。
func classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		if ccxtErr.Type == ccxt.OnMaintenanceErrType {
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		}
		return err, IsRetryable(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}
	return err, false
}
