package exit

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/multierr"

	"trades-risk/internal/config"
)

// Params 为完全解析后的出场参数，构造 Manager 后不再变化。
type Params struct {
	TP1ROI          float64 `json:"tp1_roi" yaml:"tp1_roi"`
	TP2ROI          float64 `json:"tp2_roi" yaml:"tp2_roi"`
	TP1Size         float64 `json:"tp1_size" yaml:"tp1_size"`
	TP2Size         float64 `json:"tp2_size" yaml:"tp2_size"`
	RunnerSize      float64 `json:"runner_size" yaml:"runner_size"`
	TrailATRMult    float64 `json:"trail_atr_mult" yaml:"trail_atr_mult"`
	StopLossROI     float64 `json:"stop_loss_roi" yaml:"stop_loss_roi"`
	MinHoldMinutes  float64 `json:"min_hold_minutes" yaml:"min_hold_minutes"`
	TimeStopMinutes float64 `json:"time_stop_minutes" yaml:"time_stop_minutes"`
}

// DefaultParams 从配置构造全局默认参数。
func DefaultParams(cfg config.ExitConfig) Params {
	return Params{
		TP1ROI:          cfg.TP1ROI,
		TP2ROI:          cfg.TP2ROI,
		TP1Size:         cfg.TP1Size,
		TP2Size:         cfg.TP2Size,
		RunnerSize:      cfg.RunnerSize,
		TrailATRMult:    cfg.TrailATRMult,
		StopLossROI:     cfg.StopLossROI,
		MinHoldMinutes:  cfg.MinHoldMinutes,
		TimeStopMinutes: cfg.TimeStopMinutes,
	}
}

// Validate 校验参数组合。
func (p Params) Validate() error {
	var err error
	for name, v := range map[string]float64{
		"tp1_roi": p.TP1ROI, "tp2_roi": p.TP2ROI, "tp1_size": p.TP1Size, "tp2_size": p.TP2Size,
		"runner_size": p.RunnerSize, "trail_atr_mult": p.TrailATRMult, "stop_loss_roi": p.StopLossROI,
		"min_hold_minutes": p.MinHoldMinutes, "time_stop_minutes": p.TimeStopMinutes,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			err = multierr.Append(err, fmt.Errorf("%s 必须为有限值", name))
		}
	}
	if p.TP1ROI <= 0 || p.TP2ROI <= p.TP1ROI {
		err = multierr.Append(err, errors.New("需要 0 < tp1_roi < tp2_roi"))
	}
	if p.StopLossROI >= 0 {
		err = multierr.Append(err, errors.New("stop_loss_roi 必须为负"))
	}
	if p.TP1Size <= 0 || p.TP2Size < 0 || p.RunnerSize < 0 || p.TP1Size+p.TP2Size+p.RunnerSize > 1+1e-9 {
		err = multierr.Append(err, errors.New("tp1_size/tp2_size/runner_size 之和不能超过 1"))
	}
	if p.TrailATRMult <= 0 {
		err = multierr.Append(err, errors.New("trail_atr_mult 必须为正"))
	}
	if p.MinHoldMinutes < 0 || p.TimeStopMinutes <= p.MinHoldMinutes {
		err = multierr.Append(err, errors.New("需要 0 <= min_hold_minutes < time_stop_minutes"))
	}
	return err
}

// Override 为部分覆盖，nil 字段表示沿用上一层。
type Override struct {
	TP1ROI          *float64 `json:"tp1_roi,omitempty" yaml:"tp1_roi,omitempty"`
	TP2ROI          *float64 `json:"tp2_roi,omitempty" yaml:"tp2_roi,omitempty"`
	TP1Size         *float64 `json:"tp1_size,omitempty" yaml:"tp1_size,omitempty"`
	TP2Size         *float64 `json:"tp2_size,omitempty" yaml:"tp2_size,omitempty"`
	RunnerSize      *float64 `json:"runner_size,omitempty" yaml:"runner_size,omitempty"`
	TrailATRMult    *float64 `json:"trail_atr_mult,omitempty" yaml:"trail_atr_mult,omitempty"`
	StopLossROI     *float64 `json:"stop_loss_roi,omitempty" yaml:"stop_loss_roi,omitempty"`
	MinHoldMinutes  *float64 `json:"min_hold_minutes,omitempty" yaml:"min_hold_minutes,omitempty"`
	TimeStopMinutes *float64 `json:"time_stop_minutes,omitempty" yaml:"time_stop_minutes,omitempty"`
}

func (o Override) apply(p Params) Params {
	set := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	set(&p.TP1ROI, o.TP1ROI)
	set(&p.TP2ROI, o.TP2ROI)
	set(&p.TP1Size, o.TP1Size)
	set(&p.TP2Size, o.TP2Size)
	set(&p.RunnerSize, o.RunnerSize)
	set(&p.TrailATRMult, o.TrailATRMult)
	set(&p.StopLossROI, o.StopLossROI)
	set(&p.MinHoldMinutes, o.MinHoldMinutes)
	set(&p.TimeStopMinutes, o.TimeStopMinutes)
	return p
}

// IsZero 判断覆盖是否为空。
func (o Override) IsZero() bool {
	return o == Override{}
}

func (o Override) clone() Override {
	cp := func(v *float64) *float64 {
		if v == nil {
			return nil
		}
		x := *v
		return &x
	}
	return Override{
		TP1ROI:          cp(o.TP1ROI),
		TP2ROI:          cp(o.TP2ROI),
		TP1Size:         cp(o.TP1Size),
		TP2Size:         cp(o.TP2Size),
		RunnerSize:      cp(o.RunnerSize),
		TrailATRMult:    cp(o.TrailATRMult),
		StopLossROI:     cp(o.StopLossROI),
		MinHoldMinutes:  cp(o.MinHoldMinutes),
		TimeStopMinutes: cp(o.TimeStopMinutes),
	}
}

// SymbolPolicy 为单个交易对的覆盖，Regimes 按市场状态再覆盖一层。
type SymbolPolicy struct {
	Override `yaml:",inline"`
	Regimes  map[string]Override `json:"regimes,omitempty" yaml:"regimes,omitempty"`
}

// Clone 深拷贝。
func (s SymbolPolicy) Clone() SymbolPolicy {
	out := SymbolPolicy{Override: s.Override.clone()}
	if len(s.Regimes) > 0 {
		out.Regimes = make(map[string]Override, len(s.Regimes))
		for k, v := range s.Regimes {
			out.Regimes[k] = v.clone()
		}
	}
	return out
}

// PolicySet 为完整的出场策略：全局默认值加各交易对覆盖。
type PolicySet struct {
	Defaults Params                  `json:"defaults" yaml:"defaults"`
	Symbols  map[string]SymbolPolicy `json:"symbols,omitempty" yaml:"symbols,omitempty"`
}

// Clone 深拷贝，快照之间互不影响。
func (s PolicySet) Clone() PolicySet {
	out := PolicySet{Defaults: s.Defaults}
	if len(s.Symbols) > 0 {
		out.Symbols = make(map[string]SymbolPolicy, len(s.Symbols))
		for k, v := range s.Symbols {
			out.Symbols[k] = v.Clone()
		}
	}
	return out
}

// Resolve 返回交易对在指定市场状态下的参数。
func (s PolicySet) Resolve(symbol, regime string) Params {
	sp, ok := s.Symbols[symbol]
	if !ok {
		return s.Defaults
	}
	return Resolve(s.Defaults, sp, regime)
}

// Resolve 依次合并默认值、交易对覆盖（不含 regimes 子块）与市场状态覆盖。
func Resolve(defaults Params, symbol SymbolPolicy, regime string) Params {
	p := symbol.Override.apply(defaults)
	if regime == "" {
		return p
	}
	if ro, ok := symbol.Regimes[regime]; ok {
		p = ro.apply(p)
	}
	return p
}

// Float 返回指向 v 的指针，用于构造 Override。
func Float(v float64) *float64 {
	return &v
}
