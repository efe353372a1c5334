package backtest

import (
	"math"

	"trades-risk/internal/exit"
)

const sizeEpsilon = 1e-9

// Fill 为回放中的一次平仓。
type Fill struct {
	Action       exit.Action
	SizeFraction float64
	ROI          float64
	MinutesOpen  float64
}

// Simulator 将每条路径的已实现 ROI 按固定净值比例记入账户权益。
type Simulator struct {
	riskFraction float64
	equity       float64

	equityHistory []float64
	returnHistory []float64
	tradeCount    int
}

func NewSimulator(initialEquity, riskFraction float64) *Simulator {
	if initialEquity <= 0 {
		initialEquity = 10000
	}
	return &Simulator{
		riskFraction:  riskFraction,
		equity:        initialEquity,
		equityHistory: []float64{initialEquity},
	}
}

// Settle 记入一条路径的已实现 ROI。
func (s *Simulator) Settle(realizedROI float64) {
	if math.IsNaN(realizedROI) || math.IsInf(realizedROI, 0) {
		return
	}
	prevEquity := s.equity
	pnl := prevEquity * s.riskFraction * realizedROI
	s.equity = prevEquity + pnl
	if prevEquity != 0 {
		s.returnHistory = append(s.returnHistory, pnl/prevEquity)
	}
	s.equityHistory = append(s.equityHistory, s.equity)
	s.tradeCount++
}

func (s *Simulator) Equity() float64 {
	return s.equity
}

func (s *Simulator) TradeCount() int {
	return s.tradeCount
}

func (s *Simulator) EquityHistory() []float64 {
	return append([]float64(nil), s.equityHistory...)
}

func (s *Simulator) ReturnHistory() []float64 {
	return append([]float64(nil), s.returnHistory...)
}

// realized 返回按平仓比例加权的 ROI。
func realized(fills []Fill) float64 {
	total := 0.0
	for _, f := range fills {
		total += f.SizeFraction * f.ROI
	}
	return total
}
