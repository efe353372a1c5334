package execution

import (
	"context"
	"errors"
	"strings"
	"testing"

	ccxt "github.com/ccxt/ccxt/go/v4"

	"trades-risk/internal/position"
	"trades-risk/internal/store"
)

func TestBuildCloseOrder_ReduceOnlyOppositeSide(t *testing.T) {
	req := CloseRequest{
		Position: position.Position{ID: "p1", Symbol: "BTC/USDT:USDT", Direction: position.Long, EntryPrice: 30000, Size: 100, Leverage: 3, RemainingFraction: 0.5},
		Price:    31000,
		Reason:   "stop",
	}

	order, err := buildCloseOrder(req, Options{Slippage: 0.01, AmountPrecision: 4})
	if err != nil {
		t.Fatalf("buildCloseOrder returned error: %v", err)
	}
	if order.Side != OrderSideSell {
		t.Errorf("expected sell to close long, got %s", order.Side)
	}
	// 300 / 30000 * 0.5 = 0.005
	if diff := abs(order.Amount - 0.005); diff > 1e-12 {
		t.Errorf("unexpected amount %.10f", order.Amount)
	}
	if order.Params["reduceOnly"] != true {
		t.Errorf("expected reduceOnly param, got %v", order.Params)
	}
	if val := order.Params["slippage"]; val != formatSlippage(0.01) {
		t.Errorf("expected slippage param, got %v", val)
	}

	req.Position.Direction = position.Short
	order, err = buildCloseOrder(req, Options{AmountPrecision: 4})
	if err != nil {
		t.Fatalf("buildCloseOrder returned error: %v", err)
	}
	if order.Side != OrderSideBuy {
		t.Errorf("expected buy to close short, got %s", order.Side)
	}
}

func TestBuildCloseOrder_Errors(t *testing.T) {
	req := CloseRequest{Position: position.Position{ID: "p1", EntryPrice: 30000, Size: 1, Leverage: 1}, Price: 0}
	if _, err := buildCloseOrder(req, Options{AmountPrecision: 6}); err == nil || !strings.Contains(err.Error(), "市场价格无效") {
		t.Fatalf("expected price error, got %v", err)
	}

	req.Price = 30000
	if _, err := buildCloseOrder(req, Options{AmountPrecision: 2}); err == nil || !strings.Contains(err.Error(), "平仓数量无效") {
		t.Fatalf("expected truncated amount error, got %v", err)
	}
}

func TestExecutorClosePosition_SubmitsAndMarksClosed(t *testing.T) {
	positions := newPositionStore(t)
	ctx := context.Background()
	pos, err := positions.Open(ctx, position.Position{ID: "p1", Symbol: "ETH/USDT:USDT", Direction: position.Long, EntryPrice: 2000, Size: 100, Leverage: 2})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	mockClient := &mockOrderClient{}
	exec := NewExecutor(mockClient, positions, Options{Slippage: 0.01}, nil)
	result, err := exec.ClosePosition(ctx, CloseRequest{Position: pos, Price: 2100, Reason: "max_hold"})
	if err != nil {
		t.Fatalf("ClosePosition returned error: %v", err)
	}
	if !result.Executed || result.Simulated {
		t.Fatalf("expected live execution, got %+v", result)
	}
	if len(mockClient.calls) != 1 || mockClient.calls[0] != "CreateMarketOrder" {
		t.Fatalf("unexpected calls %v", mockClient.calls)
	}
	// 名义 200，涨幅 5%
	if diff := abs(result.RealizedPnL - 10); diff > 1e-9 {
		t.Errorf("unexpected pnl %.6f", result.RealizedPnL)
	}

	stored, err := positions.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != position.StatusClosed || stored.CloseReason != "max_hold" {
		t.Errorf("position not closed: %+v", stored)
	}

	if _, err := exec.ClosePosition(ctx, CloseRequest{Position: pos, Price: 2100, Reason: "again"}); !errors.Is(err, position.ErrAlreadyClosed) {
		t.Errorf("expected ErrAlreadyClosed, got %v", err)
	}
}

func TestExecutorClosePosition_SimulationSkipsOrders(t *testing.T) {
	positions := newPositionStore(t)
	ctx := context.Background()
	pos, err := positions.Open(ctx, position.Position{ID: "p2", Symbol: "ETH/USDT:USDT", Direction: position.Short, EntryPrice: 2000, Size: 100, Leverage: 1})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	mockClient := &mockOrderClient{}
	exec := NewExecutor(mockClient, positions, Options{Simulation: true}, nil)
	result, err := exec.ClosePosition(ctx, CloseRequest{Position: pos, Price: 2100, Reason: "stop"})
	if err != nil {
		t.Fatalf("ClosePosition returned error: %v", err)
	}
	if !result.Simulated || len(mockClient.calls) != 0 {
		t.Fatalf("expected simulated close without orders, got %+v calls=%v", result, mockClient.calls)
	}
	if result.RealizedPnL >= 0 {
		t.Errorf("short closed higher should lose, got %.6f", result.RealizedPnL)
	}
}

func TestExecutorClosePosition_NonRetryableError(t *testing.T) {
	positions := newPositionStore(t)
	ctx := context.Background()
	pos, err := positions.Open(ctx, position.Position{ID: "p3", Symbol: "ETH/USDT:USDT", Direction: position.Long, EntryPrice: 2000, Size: 100, Leverage: 1})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	mockClient := &mockOrderClient{err: errors.New("insufficient margin")}
	exec := NewExecutor(mockClient, positions, Options{}, nil)
	if _, err := exec.ClosePosition(ctx, CloseRequest{Position: pos, Price: 2000, Reason: "stop"}); err == nil {
		t.Fatalf("expected error")
	}
	if len(mockClient.calls) != 1 {
		t.Errorf("non retryable error should not retry, calls=%d", len(mockClient.calls))
	}

	stored, _ := positions.Get(ctx, "p3")
	if stored.Status != position.StatusOpen {
		t.Errorf("failed order must leave position open")
	}
}

func newPositionStore(t *testing.T) *position.SQLiteStore {
	t.Helper()
	st, err := store.NewMemory()
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	positions, err := position.NewSQLiteStore(st, nil)
	if err != nil {
		t.Fatalf("position store: %v", err)
	}
	return positions
}

type mockOrderClient struct {
	calls []string
	err   error
}

func (m *mockOrderClient) CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error) {
	m.calls = append(m.calls, "CreateMarketOrder")
	return ccxt.Order{}, m.err
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
