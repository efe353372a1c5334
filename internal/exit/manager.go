package exit

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Action 为单次 tick 的出场决策。
type Action string

const (
	ActionHold      Action = "hold"
	ActionStop      Action = "stop"
	ActionTimeStop  Action = "time_stop"
	ActionTP1       Action = "tp1"
	ActionTP2       Action = "tp2"
	ActionTrailExit Action = "trail_exit"
)

const trailEpsilon = 1e-12

// Tick 为交易循环推送的行情快照。
type Tick struct {
	ROI           float64
	ATRROI        float64
	MinutesOpen   float64
	SizeRemaining float64
}

// Decision 为 Update 的返回值。SizeFraction 为相对初始仓位的平仓比例。
type Decision struct {
	Action       Action
	SizeFraction float64
	Reason       string
}

// FinalState 为平仓时的最终状态。
type FinalState struct {
	ROI         float64
	MinutesOpen float64
	Reason      string
}

// Manager 为单个持仓的出场状态机，参数在构造时固定。
type Manager struct {
	positionID string
	symbol     string
	regime     string
	params     Params
	openedAt   time.Time
	sink       EventSink
	logger     *zap.Logger
	now        func() time.Time

	mu          sync.Mutex
	mfe         float64
	mae         float64
	lastROI     float64
	observed    bool
	tp1Taken    bool
	tp2Taken    bool
	runner      bool
	floor       float64
	trailLevel  float64
	trailArmed  bool
	lastATR     float64
	exited      bool
	timeToTP1   *float64
	timeToTP2   *float64
	timeToTrail *float64
}

// NewManager 创建出场状态机。
func NewManager(positionID, symbol, regime string, params Params, openedAt time.Time, sink EventSink, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		positionID: positionID,
		symbol:     symbol,
		regime:     regime,
		params:     params,
		openedAt:   openedAt,
		sink:       sink,
		logger:     logger.With(zap.String("position_id", positionID), zap.String("symbol", symbol)),
		now:        time.Now,
	}
}

// Symbol 返回交易对。
func (m *Manager) Symbol() string {
	return m.symbol
}

// Params 返回构造时解析出的参数。
func (m *Manager) Params() Params {
	return m.params
}

// Excursions 返回当前 MAE 与 MFE。
func (m *Manager) Excursions() (mae, mfe float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mae, m.mfe
}

// TrailLevel 返回尾仓追踪触发线，尾仓未激活时 ok 为 false。
func (m *Manager) TrailLevel() (level float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trailLevel, m.runner && m.trailArmed
}

// Update 处理一次 tick。检查顺序固定：最短持有、止损、超时、TP1、TP2、追踪出场。
func (m *Manager) Update(ctx context.Context, t Tick) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !finite(t.ROI) || !finite(t.MinutesOpen) {
		return Decision{Action: ActionHold, Reason: "invalid_tick"}
	}

	if !m.observed {
		m.mfe, m.mae = t.ROI, t.ROI
		m.observed = true
	} else {
		m.mfe = math.Max(m.mfe, t.ROI)
		m.mae = math.Min(m.mae, t.ROI)
	}
	m.lastROI = t.ROI
	if finite(t.ATRROI) && t.ATRROI > 0 {
		m.lastATR = t.ATRROI
	}
	m.refreshTrail()

	if m.exited {
		return Decision{Action: ActionHold, Reason: "exit_pending"}
	}

	p := m.params
	var d Decision
	switch {
	case t.MinutesOpen < p.MinHoldMinutes:
		return Decision{Action: ActionHold, Reason: "min_hold"}
	case t.ROI <= p.StopLossROI:
		d = Decision{Action: ActionStop, SizeFraction: m.remaining(t), Reason: "stop_loss_roi"}
		m.exited = true
	case t.MinutesOpen >= p.TimeStopMinutes && !m.tp1Taken:
		d = Decision{Action: ActionTimeStop, SizeFraction: m.remaining(t), Reason: "time_stop"}
		m.exited = true
	case !m.tp1Taken && t.ROI >= p.TP1ROI:
		m.tp1Taken = true
		m.runner = true
		m.floor = 0
		m.timeToTP1 = minutes(t.MinutesOpen)
		m.refreshTrail()
		d = Decision{Action: ActionTP1, SizeFraction: p.TP1Size, Reason: "tp1_roi"}
	case m.tp1Taken && !m.tp2Taken && t.ROI >= p.TP2ROI:
		m.tp2Taken = true
		m.timeToTP2 = minutes(t.MinutesOpen)
		d = Decision{Action: ActionTP2, SizeFraction: p.TP2Size, Reason: "tp2_roi"}
	case m.runner && m.trailArmed && t.ROI <= m.trailLevel+trailEpsilon:
		m.timeToTrail = minutes(t.MinutesOpen)
		d = Decision{Action: ActionTrailExit, SizeFraction: m.remaining(t), Reason: "trail_level"}
		m.exited = true
	default:
		return Decision{Action: ActionHold}
	}

	m.logger.Info("出场决策",
		zap.String("regime", m.regime),
		zap.String("action", string(d.Action)),
		zap.Float64("size_fraction", d.SizeFraction),
		zap.Float64("roi", t.ROI),
		zap.Float64("mfe", m.mfe),
		zap.Float64("mae", m.mae),
		zap.Float64("minutes_open", t.MinutesOpen),
	)
	m.emit(ctx, exitTypeFor(d.Action), t.ROI, t.MinutesOpen, d.SizeFraction, d.Reason)
	return d
}

// Close 记录平仓事件。最终 ROI 非有限值时以最近一次 tick 的 ROI 记录。
func (m *Manager) Close(ctx context.Context, fs FinalState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	roi := fs.ROI
	if finite(roi) {
		if !m.observed {
			m.mfe, m.mae = roi, roi
			m.observed = true
		} else {
			m.mfe = math.Max(m.mfe, roi)
			m.mae = math.Min(m.mae, roi)
		}
	} else {
		m.logger.Warn("平仓 ROI 非法，使用最近观测值", zap.Float64("last_roi", m.lastROI))
		roi = m.lastROI
	}
	minutesOpen := fs.MinutesOpen
	if !finite(minutesOpen) || minutesOpen < 0 {
		minutesOpen = 0
	}
	m.exited = true
	m.emit(ctx, ExitClosed, roi, minutesOpen, 0, fs.Reason)
}

// refreshTrail 重算追踪线，尾仓存续期间只升不降。需持锁调用。
func (m *Manager) refreshTrail() {
	if !m.runner {
		return
	}
	level := m.floor
	if m.lastATR > 0 {
		level = math.Max(m.floor, m.mfe-m.params.TrailATRMult*m.lastATR)
	}
	if !m.trailArmed || level > m.trailLevel {
		m.trailLevel = level
		m.trailArmed = true
	}
}

func (m *Manager) remaining(t Tick) float64 {
	if finite(t.SizeRemaining) && t.SizeRemaining > 0 && t.SizeRemaining <= 1 {
		return t.SizeRemaining
	}
	rem := 1.0
	if m.tp1Taken {
		rem -= m.params.TP1Size
	}
	if m.tp2Taken {
		rem -= m.params.TP2Size
	}
	return math.Max(rem, 0)
}

func (m *Manager) emit(ctx context.Context, typ ExitType, roi, minutesOpen, size float64, reason string) {
	if m.sink == nil {
		return
	}
	ev := ExitEvent{
		PositionID:   m.positionID,
		Symbol:       m.symbol,
		Regime:       m.regime,
		ExitType:     typ,
		ROI:          roi,
		MAE:          m.mae,
		MFE:          m.mfe,
		ATRROI:       m.lastATR,
		MinutesOpen:  minutesOpen,
		SizeFraction: size,
		Reason:       reason,
		Params:       m.params,
		TimeToTP1:    copyPtr(m.timeToTP1),
		TimeToTP2:    copyPtr(m.timeToTP2),
		TimeToTrail:  copyPtr(m.timeToTrail),
		CreatedAt:    m.now().UTC(),
	}
	if err := m.sink.Append(ctx, ev); err != nil {
		m.logger.Warn("写入出场事件失败", zap.String("exit_type", string(typ)), zap.Error(err))
	}
}

func exitTypeFor(a Action) ExitType {
	switch a {
	case ActionTP1:
		return ExitTP1
	case ActionTP2:
		return ExitTP2
	case ActionTrailExit:
		return ExitTrailing
	case ActionTimeStop:
		return ExitTimeStop
	default:
		return ExitStop
	}
}

func minutes(v float64) *float64 {
	return &v
}

func copyPtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	x := *v
	return &x
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
