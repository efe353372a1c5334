package position

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trades-risk/internal/store"
)

var (
	// ErrNotFound 表示持仓不存在。
	ErrNotFound = errors.New("position: 持仓不存在")
	// ErrAlreadyClosed 表示持仓已平仓。
	ErrAlreadyClosed = errors.New("position: 持仓已平仓")
)

// Update 为巡检产生的止损变更，仅在变更仍然成立时落库。
type Update struct {
	ID           string
	StopLoss     *float64
	TrailingStop *float64
}

// CloseRecord 描述一次平仓结果。
type CloseRecord struct {
	Price       float64
	RealizedPnL float64
	Reason      string
	ClosedAt    time.Time
}

// Store 为持仓存储接口，交易主循环与巡检任务共享同一实例。
type Store interface {
	Open(ctx context.Context, p Position) (Position, error)
	Get(ctx context.Context, id string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
	ApplyUpdates(ctx context.Context, updates []Update) (int, error)
	SetRemaining(ctx context.Context, id string, fraction float64) error
	MarkClosed(ctx context.Context, id string, rec CloseRecord) error
	RecentClosed(ctx context.Context, limit int) ([]Position, error)
}

// SQLiteStore 基于 SQLite 的持仓存储。所有写操作经由同一把锁串行执行，
// 止损类更新在事务内重新读取当前值，只接受仍然更具保护性的数值。
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
	mu     sync.Mutex
}

// NewSQLiteStore 创建持仓存储并初始化表结构。
func NewSQLiteStore(st *store.Store, logger *zap.Logger) (*SQLiteStore, error) {
	if st == nil {
		return nil, fmt.Errorf("position: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &SQLiteStore{db: st.DB(), logger: logger}
	if err := st.Migrate([]string{`
CREATE TABLE IF NOT EXISTS positions (
	id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	strategy TEXT NOT NULL DEFAULT '',
	direction TEXT NOT NULL,
	entry_price REAL NOT NULL,
	size REAL NOT NULL,
	leverage REAL NOT NULL,
	stop_loss REAL,
	trailing_stop REAL,
	regime TEXT NOT NULL DEFAULT '',
	remaining_fraction REAL NOT NULL DEFAULT 1,
	status TEXT NOT NULL,
	opened_at TEXT NOT NULL,
	closed_at TEXT,
	close_price REAL NOT NULL DEFAULT 0,
	realized_pnl REAL NOT NULL DEFAULT 0,
	close_reason TEXT NOT NULL DEFAULT ''
)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,
	}); err != nil {
		return nil, err
	}
	return s, nil
}

const positionColumns = `id, symbol, strategy, direction, entry_price, size, leverage, stop_loss, trailing_stop,
	regime, remaining_fraction, status, opened_at, closed_at, close_price, realized_pnl, close_reason`

// Open 写入新持仓；ID 为空时生成 uuid。
func (s *SQLiteStore) Open(ctx context.Context, p Position) (Position, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now().UTC()
	}
	if p.RemainingFraction <= 0 || p.RemainingFraction > 1 {
		p.RemainingFraction = 1
	}
	if p.Leverage < 1 {
		p.Leverage = 1
	}
	p.Status = StatusOpen

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
INSERT INTO positions (id, symbol, strategy, direction, entry_price, size, leverage, stop_loss, trailing_stop,
	regime, remaining_fraction, status, opened_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Symbol, p.Strategy, string(p.Direction), p.EntryPrice, p.Size, p.Leverage,
		nullFloat(p.StopLoss), nullFloatPtr(p.TrailingStop),
		p.Regime, p.RemainingFraction, string(p.Status), formatTime(p.OpenedAt),
	)
	if err != nil {
		return Position{}, fmt.Errorf("position: 写入持仓失败: %w", err)
	}
	return p, nil
}

// Get 读取单个持仓。
func (s *SQLiteStore) Get(ctx context.Context, id string) (Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Position{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, err
}

// ListOpen 返回全部未平仓持仓，按开仓时间升序。
func (s *SQLiteStore) ListOpen(ctx context.Context) ([]Position, error) {
	return s.query(ctx, `SELECT `+positionColumns+` FROM positions WHERE status = ? ORDER BY opened_at ASC`, string(StatusOpen))
}

// RecentClosed 返回最近 limit 笔已平仓持仓，按平仓时间升序。
func (s *SQLiteStore) RecentClosed(ctx context.Context, limit int) ([]Position, error) {
	if limit <= 0 {
		limit = 50
	}
	out, err := s.query(ctx, `SELECT `+positionColumns+` FROM positions WHERE status = ? ORDER BY closed_at DESC LIMIT ?`, string(StatusClosed), limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ApplyUpdates 在单个事务中应用一批止损更新，返回实际生效的条数。
// 止损只在原值缺失时补齐，追踪止损只在更具保护性时覆盖，已平仓持仓被跳过。
func (s *SQLiteStore) ApplyUpdates(ctx context.Context, updates []Update) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("position: 开启事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	applied := 0
	for _, u := range updates {
		row := tx.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, u.ID)
		current, err := scanPosition(row)
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("更新的持仓不存在，跳过", zap.String("position_id", u.ID))
			continue
		}
		if err != nil {
			return 0, err
		}
		if current.Status != StatusOpen {
			continue
		}

		changed := false
		if u.StopLoss != nil && current.StopLoss == 0 && *u.StopLoss > 0 {
			current.StopLoss = *u.StopLoss
			changed = true
		}
		if u.TrailingStop != nil && *u.TrailingStop > 0 {
			if current.TrailingStop == nil || MoreProtective(current.Direction, *u.TrailingStop, *current.TrailingStop) {
				v := *u.TrailingStop
				current.TrailingStop = &v
				changed = true
			}
		}
		if !changed {
			continue
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE positions SET stop_loss = ?, trailing_stop = ? WHERE id = ?`,
			nullFloat(current.StopLoss), nullFloatPtr(current.TrailingStop), current.ID,
		); err != nil {
			return 0, fmt.Errorf("position: 更新止损失败: %w", err)
		}
		applied++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("position: 提交事务失败: %w", err)
	}
	return applied, nil
}

// SetRemaining 记录持仓剩余比例。
func (s *SQLiteStore) SetRemaining(ctx context.Context, id string, fraction float64) error {
	if fraction < 0 || fraction > 1 {
		return fmt.Errorf("position: 剩余比例非法 %.4f", fraction)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE positions SET remaining_fraction = ? WHERE id = ? AND status = ?`,
		fraction, id, string(StatusOpen),
	)
	if err != nil {
		return fmt.Errorf("position: 更新剩余比例失败: %w", err)
	}
	return s.checkAffected(ctx, res, id)
}

// MarkClosed 将持仓标记为已平仓。重复平仓返回 ErrAlreadyClosed。
func (s *SQLiteStore) MarkClosed(ctx context.Context, id string, rec CloseRecord) error {
	if rec.ClosedAt.IsZero() {
		rec.ClosedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
UPDATE positions SET status = ?, closed_at = ?, close_price = ?, realized_pnl = ?, close_reason = ?, remaining_fraction = 0
WHERE id = ? AND status = ?`,
		string(StatusClosed), formatTime(rec.ClosedAt), rec.Price, rec.RealizedPnL, rec.Reason,
		id, string(StatusOpen),
	)
	if err != nil {
		return fmt.Errorf("position: 平仓落库失败: %w", err)
	}
	return s.checkAffected(ctx, res, id)
}

func (s *SQLiteStore) checkAffected(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("position: 读取影响行数失败: %w", err)
	}
	if n > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM positions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("position: 查询持仓状态失败: %w", err)
	}
	return fmt.Errorf("%w: %s", ErrAlreadyClosed, id)
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...interface{}) ([]Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("position: 查询持仓失败: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("position: 读取持仓失败: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row scanner) (Position, error) {
	var (
		p         Position
		direction string
		status    string
		stopLoss  sql.NullFloat64
		trailing  sql.NullFloat64
		openedAt  string
		closedAt  sql.NullString
	)
	err := row.Scan(
		&p.ID, &p.Symbol, &p.Strategy, &direction, &p.EntryPrice, &p.Size, &p.Leverage,
		&stopLoss, &trailing, &p.Regime, &p.RemainingFraction, &status, &openedAt, &closedAt,
		&p.ClosePrice, &p.RealizedPnL, &p.CloseReason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Position{}, err
	}
	if err != nil {
		return Position{}, fmt.Errorf("position: 解析持仓失败: %w", err)
	}

	p.Direction = Direction(direction)
	p.Status = Status(status)
	if stopLoss.Valid {
		p.StopLoss = stopLoss.Float64
	}
	if trailing.Valid {
		v := trailing.Float64
		p.TrailingStop = &v
	}
	if p.OpenedAt, err = parseTime(openedAt); err != nil {
		return Position{}, err
	}
	if closedAt.Valid && closedAt.String != "" {
		ts, err := parseTime(closedAt.String)
		if err != nil {
			return Position{}, err
		}
		p.ClosedAt = &ts
	}
	return p, nil
}

func nullFloat(v float64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func nullFloatPtr(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// timeLayout 为定长格式，保证按字符串排序与时间顺序一致。
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	ts, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("position: 解析时间 %q 失败: %w", v, err)
	}
	return ts, nil
}
