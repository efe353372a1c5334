package exit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trades-risk/internal/store"
)

// ExitType 为出场事件类型。
type ExitType string

const (
	ExitTP1      ExitType = "tp1"
	ExitTP2      ExitType = "tp2"
	ExitTrailing ExitType = "trailing"
	ExitStop     ExitType = "stop"
	ExitTimeStop ExitType = "time_stop"
	ExitClosed   ExitType = "closed"
)

// ExitEvent 为出场归因记录，携带极值统计、到达目标耗时与所用参数。
type ExitEvent struct {
	ID           int64     `json:"id,omitempty"`
	PositionID   string    `json:"position_id"`
	Symbol       string    `json:"symbol"`
	Regime       string    `json:"regime"`
	ExitType     ExitType  `json:"exit_type"`
	ROI          float64   `json:"roi"`
	MAE          float64   `json:"mae"`
	MFE          float64   `json:"mfe"`
	ATRROI       float64   `json:"atr_roi"`
	MinutesOpen  float64   `json:"minutes_open"`
	SizeFraction float64   `json:"size_fraction"`
	Reason       string    `json:"reason,omitempty"`
	Params       Params    `json:"params"`
	TimeToTP1    *float64  `json:"time_to_tp1,omitempty"`
	TimeToTP2    *float64  `json:"time_to_tp2,omitempty"`
	TimeToTrail  *float64  `json:"time_to_trail,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// EventSink 接收出场事件。
type EventSink interface {
	Append(ctx context.Context, ev ExitEvent) error
}

// EventSource 按时间读取出场事件。
type EventSource interface {
	ListSince(ctx context.Context, since time.Time) ([]ExitEvent, error)
}

// SQLiteEventLog 为只追加的出场事件日志，按写入顺序读取。
type SQLiteEventLog struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteEventLog 创建事件日志并初始化表结构。
func NewSQLiteEventLog(st *store.Store, logger *zap.Logger) (*SQLiteEventLog, error) {
	if st == nil {
		return nil, fmt.Errorf("exit: 存储未初始化")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := st.Migrate([]string{
		`CREATE TABLE IF NOT EXISTS exit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			position_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			regime TEXT NOT NULL DEFAULT '',
			exit_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_exit_events_created ON exit_events(created_at);`,
	}); err != nil {
		return nil, err
	}
	return &SQLiteEventLog{db: st.DB(), logger: logger}, nil
}

// Append 追加一条事件。
func (l *SQLiteEventLog) Append(ctx context.Context, ev ExitEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	ev.CreatedAt = ev.CreatedAt.UTC()

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("exit: 序列化事件失败: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO exit_events (position_id, symbol, regime, exit_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.PositionID, ev.Symbol, ev.Regime, string(ev.ExitType), string(payload), ev.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("exit: 写入事件失败: %w", err)
	}
	return nil
}

// ListSince 返回 since 之后写入的事件，按写入顺序。
func (l *SQLiteEventLog) ListSince(ctx context.Context, since time.Time) ([]ExitEvent, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, payload FROM exit_events
		WHERE created_at >= ?
		ORDER BY id ASC`, since.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("exit: 查询事件失败: %w", err)
	}
	defer rows.Close()

	var out []ExitEvent
	for rows.Next() {
		var (
			id      int64
			payload string
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("exit: 读取事件失败: %w", err)
		}
		var ev ExitEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			l.logger.Warn("跳过无法解析的出场事件", zap.Int64("id", id), zap.Error(err))
			continue
		}
		ev.ID = id
		out = append(out, ev)
	}
	return out, rows.Err()
}

// 定宽格式保证字符串顺序与时间顺序一致。
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
