package tuner

import (
	"math"
	"sort"

	"trades-risk/internal/exit"
)

// Stats 为单个交易对在回看窗口内的出场统计。比率以持仓数为分母。
type Stats struct {
	Symbol         string
	Positions      int
	Decisions      int
	TP1Rate        float64
	TP2Rate        float64
	TrailRate      float64
	StopRate       float64
	TimeStopRate   float64
	AvgATR         float64
	AvgMFE         float64
	AvgMAE         float64
	ProfitableRate float64
}

// Map 返回便于写入日志与事件的统计字典。
func (s Stats) Map() map[string]float64 {
	return map[string]float64{
		"positions":       float64(s.Positions),
		"decisions":       float64(s.Decisions),
		"tp1_rate":        s.TP1Rate,
		"tp2_rate":        s.TP2Rate,
		"trail_rate":      s.TrailRate,
		"stop_rate":       s.StopRate,
		"time_stop_rate":  s.TimeStopRate,
		"avg_atr":         s.AvgATR,
		"avg_mfe":         s.AvgMFE,
		"avg_mae":         s.AvgMAE,
		"profitable_rate": s.ProfitableRate,
	}
}

type positionAgg struct {
	types    map[exit.ExitType]bool
	mfe      float64
	mae      float64
	lastROI  float64
	closed   bool
	closeROI float64
}

// ComputeStats 按交易对汇总出场事件，结果按交易对排序。
func ComputeStats(events []exit.ExitEvent) []Stats {
	bySymbol := make(map[string]map[string]*positionAgg)
	decisions := make(map[string]int)
	atrSum := make(map[string]float64)
	atrN := make(map[string]int)

	for _, ev := range events {
		positions, ok := bySymbol[ev.Symbol]
		if !ok {
			positions = make(map[string]*positionAgg)
			bySymbol[ev.Symbol] = positions
		}
		agg, ok := positions[ev.PositionID]
		if !ok {
			agg = &positionAgg{types: make(map[exit.ExitType]bool), mfe: ev.MFE, mae: ev.MAE}
			positions[ev.PositionID] = agg
		}
		agg.mfe = math.Max(agg.mfe, ev.MFE)
		agg.mae = math.Min(agg.mae, ev.MAE)
		agg.lastROI = ev.ROI

		if ev.ExitType == exit.ExitClosed {
			agg.closed = true
			agg.closeROI = ev.ROI
			continue
		}
		agg.types[ev.ExitType] = true
		decisions[ev.Symbol]++
		if ev.ATRROI > 0 && !math.IsInf(ev.ATRROI, 0) {
			atrSum[ev.Symbol] += ev.ATRROI
			atrN[ev.Symbol]++
		}
	}

	out := make([]Stats, 0, len(bySymbol))
	for symbol, positions := range bySymbol {
		s := Stats{Symbol: symbol, Positions: len(positions), Decisions: decisions[symbol]}
		var tp1, tp2, trail, stop, timeStop, profitable int
		var mfeSum, maeSum float64
		for _, agg := range positions {
			if agg.types[exit.ExitTP1] {
				tp1++
			}
			if agg.types[exit.ExitTP2] {
				tp2++
			}
			if agg.types[exit.ExitTrailing] {
				trail++
			}
			if agg.types[exit.ExitStop] {
				stop++
			}
			if agg.types[exit.ExitTimeStop] {
				timeStop++
			}
			roi := agg.lastROI
			if agg.closed {
				roi = agg.closeROI
			}
			if roi > 0 {
				profitable++
			}
			mfeSum += agg.mfe
			maeSum += agg.mae
		}

		n := float64(s.Positions)
		s.TP1Rate = float64(tp1) / n
		s.TP2Rate = float64(tp2) / n
		s.TrailRate = float64(trail) / n
		s.StopRate = float64(stop) / n
		s.TimeStopRate = float64(timeStop) / n
		s.ProfitableRate = float64(profitable) / n
		s.AvgMFE = mfeSum / n
		s.AvgMAE = maeSum / n
		if atrN[symbol] > 0 {
			s.AvgATR = atrSum[symbol] / float64(atrN[symbol])
		}
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
