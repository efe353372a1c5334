package execution

import (
	"context"
	"time"

	"trades-risk/internal/position"
)

// OrderSide 表示下单方向。
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// CloseRequest 描述一次平仓请求。
type CloseRequest struct {
	Position position.Position
	Price    float64
	Reason   string
}

// OrderRequest 抽象具体委托。
type OrderRequest struct {
	Symbol     string
	Side       OrderSide
	Amount     float64
	Price      float64
	ReduceOnly bool
	Params     map[string]interface{}
}

// Result 为执行结果摘要。
type Result struct {
	Order         OrderRequest
	Executed      bool
	Simulated     bool
	RealizedPnL   float64
	ExecutionTime time.Time
	Notes         []string
}

// Closer 为平仓执行接口，真实下单与模拟平仓共用。
type Closer interface {
	ClosePosition(ctx context.Context, req CloseRequest) (Result, error)
}

var _ Closer = (*Executor)(nil)
