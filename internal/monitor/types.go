package monitor

import (
	"context"
	"time"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventSizingClamp        EventType = "sizing_clamp"
	EventSizingInvalid      EventType = "sizing_invalid"
	EventGovernorSkip       EventType = "governor_skip"
	EventForcedClose        EventType = "forced_close"
	EventTrailingUpdate     EventType = "trailing_update"
	EventStopBackfill       EventType = "stop_backfill"
	EventMarginWarning      EventType = "margin_warning"
	EventLiquidationWarning EventType = "liquidation_warning"
	EventTunerAdjustment    EventType = "tuner_adjustment"
	EventExitDecision       EventType = "exit_decision"
	EventError              EventType = "error"
)

// Severity 表示事件严重程度。
type Severity string

const (
	SeverityInfo Severity = "info"
	SeverityWarn Severity = "warn"
	SeverityHigh Severity = "high"
)

// Event 封装通用监控事件。
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Severity  Severity    `json:"severity"`
	Symbol    string      `json:"symbol,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Recorder 为各组件写入审计事件的最小接口。
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// SizingClampPayload 记录仓位被上限裁剪的前后值。
type SizingClampPayload struct {
	Mode         string  `json:"mode"`
	Strategy     string  `json:"strategy,omitempty"`
	Regime       string  `json:"regime,omitempty"`
	Reason       string  `json:"reason"`
	Before       float64 `json:"before"`
	After        float64 `json:"after"`
	ReductionPct float64 `json:"reduction_pct"`
	HighSeverity bool    `json:"high_severity"`
}

// SizingInvalidPayload 记录非法资金输入。数值以字符串保存，NaN/Inf 无法序列化为 JSON。
type SizingInvalidPayload struct {
	Mode     string `json:"mode"`
	Bankroll string `json:"bankroll"`
	Reason   string `json:"reason"`
}

// GovernorSkipPayload 记录巡检中被跳过的持仓。
type GovernorSkipPayload struct {
	PositionID string `json:"position_id,omitempty"`
	Stage      string `json:"stage"`
	Error      string `json:"error"`
}

// ForcedClosePayload 记录强制平仓。
type ForcedClosePayload struct {
	PositionID string  `json:"position_id"`
	Direction  string  `json:"direction"`
	Price      float64 `json:"price"`
	StopLoss   float64 `json:"stop_loss"`
	HoursOpen  float64 `json:"hours_open"`
	Reason     string  `json:"reason"`
}

// TrailingUpdatePayload 记录追踪止损上移。
type TrailingUpdatePayload struct {
	PositionID string   `json:"position_id"`
	Previous   *float64 `json:"previous,omitempty"`
	Next       float64  `json:"next"`
	Price      float64  `json:"price"`
}

// StopBackfillPayload 记录缺失止损的补齐。
type StopBackfillPayload struct {
	PositionID string  `json:"position_id"`
	StopLoss   float64 `json:"stop_loss"`
	Wallet     float64 `json:"wallet"`
}

// MarginWarningPayload 记录保证金占用过高。
type MarginWarningPayload struct {
	Exposure  float64 `json:"exposure"`
	Wallet    float64 `json:"wallet"`
	Ratio     float64 `json:"ratio"`
	Threshold float64 `json:"threshold"`
}

// LiquidationWarningPayload 记录强平缓冲不足。
type LiquidationWarningPayload struct {
	PositionID    string  `json:"position_id"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Margin        float64 `json:"margin"`
	LossFraction  float64 `json:"loss_fraction"`
}

// TunerAdjustmentPayload 记录调优规则对单个参数的修改及依据。
type TunerAdjustmentPayload struct {
	Field  string             `json:"field"`
	Rule   string             `json:"rule"`
	Before float64            `json:"before"`
	After  float64            `json:"after"`
	Stats  map[string]float64 `json:"stats"`
	DryRun bool               `json:"dry_run"`
}

// ExitDecisionPayload 记录出场管理器的非持有决策。
type ExitDecisionPayload struct {
	PositionID   string  `json:"position_id"`
	Regime       string  `json:"regime"`
	Action       string  `json:"action"`
	SizeFraction float64 `json:"size_fraction"`
	ROI          float64 `json:"roi"`
	Reason       string  `json:"reason"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
