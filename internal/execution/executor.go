package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trades-risk/internal/exchange"
	"trades-risk/internal/position"
)

type orderClient interface {
	CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error)
}

// Options 控制下单参数。
type Options struct {
	Simulation      bool
	Slippage        float64
	AmountPrecision int32
}

// Executor 以 reduce-only 市价单平仓，并在成交后更新持仓存储。
// 模拟模式或未配置下单客户端时只更新持仓存储。
type Executor struct {
	client    orderClient
	positions position.Store
	logger    *zap.Logger
	maxRetry  int
	opts      Options
}

// NewExecutor 创建执行器。
func NewExecutor(client orderClient, positions position.Store, opts Options, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.AmountPrecision <= 0 {
		opts.AmountPrecision = 6
	}
	return &Executor{
		client:    client,
		positions: positions,
		logger:    logger,
		maxRetry:  3,
		opts:      opts,
	}
}

// ClosePosition 平掉持仓剩余部分。
func (e *Executor) ClosePosition(ctx context.Context, req CloseRequest) (Result, error) {
	result := Result{
		ExecutionTime: time.Now().UTC(),
		Simulated:     e.simulated(),
		Notes:         make([]string, 0),
	}

	order, err := buildCloseOrder(req, e.opts)
	if err != nil {
		return result, err
	}
	result.Order = order

	if !result.Simulated {
		if err := e.submitOrder(ctx, order); err != nil {
			result.Notes = append(result.Notes, fmt.Sprintf("下单失败: %v", err))
			return result, err
		}
	}

	pnl := req.Position.UnrealizedPnL(req.Price)
	if err := e.positions.MarkClosed(ctx, req.Position.ID, position.CloseRecord{
		Price:       req.Price,
		RealizedPnL: pnl,
		Reason:      req.Reason,
		ClosedAt:    result.ExecutionTime,
	}); err != nil {
		result.Notes = append(result.Notes, fmt.Sprintf("持仓落库失败: %v", err))
		return result, err
	}

	result.Executed = true
	result.RealizedPnL = pnl
	e.logger.Info("持仓已平仓",
		zap.String("position_id", req.Position.ID),
		zap.String("symbol", req.Position.Symbol),
		zap.String("side", string(order.Side)),
		zap.Float64("amount", order.Amount),
		zap.Float64("price", req.Price),
		zap.Float64("realized_pnl", pnl),
		zap.String("reason", req.Reason),
		zap.Bool("simulated", result.Simulated),
	)
	return result, nil
}

func (e *Executor) simulated() bool {
	return e.opts.Simulation || e.client == nil
}

func (e *Executor) submitOrder(ctx context.Context, order OrderRequest) error {
	var err error
	for attempt := 1; attempt <= e.maxRetry; attempt++ {
		var opts []ccxt.CreateMarketOrderOptions
		if len(order.Params) > 0 {
			opts = append(opts, ccxt.WithCreateMarketOrderParams(order.Params))
		}
		_, err = e.client.CreateMarketOrder(order.Symbol, string(order.Side), order.Amount, opts...)
		if err == nil {
			return nil
		}

		if !exchange.IsRetryable(err) {
			return err
		}

		wait := time.Duration(attempt) * time.Second
		e.logger.Warn("平仓下单失败，准备重试",
			zap.String("symbol", order.Symbol),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("execution: 重试后仍下单失败: %w", err)
}

func closeSide(dir position.Direction) OrderSide {
	if dir == position.Short {
		return OrderSideBuy
	}
	return OrderSideSell
}

func formatSlippage(value float64) string {
	return fmt.Sprintf("%.6f", value)
}

func buildCloseOrder(req CloseRequest, opts Options) (OrderRequest, error) {
	pos := req.Position
	if pos.ID == "" {
		return OrderRequest{}, errors.New("execution: 持仓 ID 为空")
	}
	if req.Price <= 0 {
		return OrderRequest{}, errors.New("execution: 市场价格无效")
	}

	remaining := pos.RemainingFraction
	if remaining <= 0 || remaining > 1 {
		remaining = 1
	}
	amount := decimal.NewFromFloat(pos.Quantity() * remaining).Truncate(opts.AmountPrecision)
	if !amount.IsPositive() {
		return OrderRequest{}, fmt.Errorf("execution: 计算平仓数量无效 amount=%s", amount.String())
	}

	params := map[string]interface{}{
		"reduceOnly": true,
	}
	if opts.Slippage > 0 {
		params["slippage"] = formatSlippage(opts.Slippage)
	}

	return OrderRequest{
		Symbol:     pos.Symbol,
		Side:       closeSide(pos.Direction),
		Amount:     amount.InexactFloat64(),
		Price:      req.Price,
		ReduceOnly: true,
		Params:     params,
	}, nil
}
