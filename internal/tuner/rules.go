package tuner

import (
	"math"

	"trades-risk/internal/exit"
)

// 规则名称。
const (
	RuleTP2Reduce     = "tp1_often_tp2_rare"
	RuleTP1Raise      = "stops_dominate"
	RuleTrailWiden    = "high_volatility"
	RuleTrailTighten  = "low_volatility"
	RuleStopLoosen    = "stops_frequent_deep_mae"
	RuleStopTighten   = "stops_rare_shallow_mae"
	RuleMinHoldExtend = "time_stops_frequent"
)

// 参数字段名，与策略文件中的键一致。
const (
	FieldTP1ROI         = "tp1_roi"
	FieldTP2ROI         = "tp2_roi"
	FieldTrailATRMult   = "trail_atr_mult"
	FieldStopLossROI    = "stop_loss_roi"
	FieldMinHoldMinutes = "min_hold_minutes"
)

const changeEpsilon = 1e-12

// Change 为单条规则对单个参数的修改。
type Change struct {
	Field  string
	Rule   string
	Before float64
	After  float64
}

// Apply 按固定顺序对参数施加有界微调，每条规则单次变化不超过 10%。
func Apply(p exit.Params, s Stats) (exit.Params, []Change) {
	var changes []Change
	record := func(field, rule string, dst *float64, next float64) {
		if math.IsNaN(next) || math.IsInf(next, 0) || math.Abs(next-*dst) <= changeEpsilon {
			return
		}
		changes = append(changes, Change{Field: field, Rule: rule, Before: *dst, After: next})
		*dst = next
	}

	if s.TP1Rate > 0.35 && s.TP2Rate < 0.10 {
		floor := math.Max(p.TP1ROI*1.2, 0.004)
		if next := math.Max(p.TP2ROI*0.9, floor); next < p.TP2ROI {
			record(FieldTP2ROI, RuleTP2Reduce, &p.TP2ROI, next)
		}
	}

	if s.StopRate+s.TimeStopRate > 0.50 {
		ceiling := math.Min(p.TP2ROI*0.8, 0.02)
		if next := math.Min(p.TP1ROI*1.1, ceiling); next > p.TP1ROI {
			record(FieldTP1ROI, RuleTP1Raise, &p.TP1ROI, next)
		}
	}

	switch {
	case s.AvgATR > 0.006:
		if next := math.Min(p.TrailATRMult+0.1, 3.0); next > p.TrailATRMult {
			record(FieldTrailATRMult, RuleTrailWiden, &p.TrailATRMult, next)
		}
	case s.AvgATR > 0 && s.AvgATR < 0.002:
		if next := math.Max(p.TrailATRMult-0.1, 0.5); next < p.TrailATRMult {
			record(FieldTrailATRMult, RuleTrailTighten, &p.TrailATRMult, next)
		}
	}

	sl := math.Abs(p.StopLossROI)
	mae := math.Abs(s.AvgMAE)
	switch {
	case s.StopRate > 0.30 && mae >= sl:
		if next := math.Max(p.StopLossROI*1.1, -0.03); next < p.StopLossROI {
			record(FieldStopLossROI, RuleStopLoosen, &p.StopLossROI, next)
		}
	case s.StopRate < 0.10 && mae < 0.5*sl:
		if next := math.Min(p.StopLossROI*0.9, -0.003); next > p.StopLossROI {
			record(FieldStopLossROI, RuleStopTighten, &p.StopLossROI, next)
		}
	}

	if s.TimeStopRate > 0.25 {
		next := math.Min(p.MinHoldMinutes+5, 120)
		next = math.Min(next, p.TimeStopMinutes-1)
		if next > p.MinHoldMinutes {
			record(FieldMinHoldMinutes, RuleMinHoldExtend, &p.MinHoldMinutes, next)
		}
	}

	return p, changes
}

// setField 把调优结果写入交易对覆盖。
func setField(o *exit.Override, field string, v float64) {
	switch field {
	case FieldTP1ROI:
		o.TP1ROI = exit.Float(v)
	case FieldTP2ROI:
		o.TP2ROI = exit.Float(v)
	case FieldTrailATRMult:
		o.TrailATRMult = exit.Float(v)
	case FieldStopLossROI:
		o.StopLossROI = exit.Float(v)
	case FieldMinHoldMinutes:
		o.MinHoldMinutes = exit.Float(v)
	}
}
