package exit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"trades-risk/internal/config"
	"trades-risk/internal/store"
)

// PolicyStore 保存出场策略。读取返回深拷贝，写入只由调优任务发起。
type PolicyStore interface {
	Snapshot(ctx context.Context) (PolicySet, error)
	SaveSymbol(ctx context.Context, symbol string, policy SymbolPolicy) error
}

// SQLitePolicyStore 将交易对覆盖存入 SQLite，默认值取自当前配置。
type SQLitePolicyStore struct {
	db     *sql.DB
	cfg    config.Source
	logger *zap.Logger

	mu      sync.RWMutex
	symbols map[string]SymbolPolicy
}

// NewSQLitePolicyStore 创建策略存储并加载已有覆盖。
func NewSQLitePolicyStore(ctx context.Context, st *store.Store, cfg config.Source, logger *zap.Logger) (*SQLitePolicyStore, error) {
	if st == nil || cfg == nil {
		return nil, fmt.Errorf("exit: 策略存储依赖不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := st.Migrate([]string{
		`CREATE TABLE IF NOT EXISTS exit_policies (
			symbol TEXT PRIMARY KEY,
			policy TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}); err != nil {
		return nil, err
	}

	s := &SQLitePolicyStore{
		db:      st.DB(),
		cfg:     cfg,
		logger:  logger,
		symbols: make(map[string]SymbolPolicy),
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLitePolicyStore) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, policy FROM exit_policies`)
	if err != nil {
		return fmt.Errorf("exit: 读取出场策略失败: %w", err)
	}
	defer rows.Close()

	loaded := make(map[string]SymbolPolicy)
	for rows.Next() {
		var symbol, raw string
		if err := rows.Scan(&symbol, &raw); err != nil {
			return fmt.Errorf("exit: 读取出场策略失败: %w", err)
		}
		var sp SymbolPolicy
		if err := json.Unmarshal([]byte(raw), &sp); err != nil {
			s.logger.Warn("跳过无法解析的出场策略", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		loaded[symbol] = sp
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("exit: 读取出场策略失败: %w", err)
	}

	s.mu.Lock()
	s.symbols = loaded
	s.mu.Unlock()
	return nil
}

// Snapshot 返回当前策略的深拷贝。
func (s *SQLitePolicyStore) Snapshot(_ context.Context) (PolicySet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := PolicySet{Defaults: DefaultParams(s.cfg.Current().Exit)}
	if len(s.symbols) > 0 {
		set.Symbols = make(map[string]SymbolPolicy, len(s.symbols))
		for k, v := range s.symbols {
			set.Symbols[k] = v.Clone()
		}
	}
	return set, nil
}

// SaveSymbol 覆盖写入单个交易对的策略，包括其 regimes 子块。
func (s *SQLitePolicyStore) SaveSymbol(ctx context.Context, symbol string, policy SymbolPolicy) error {
	if symbol == "" {
		return fmt.Errorf("exit: 交易对不能为空")
	}
	policy = policy.Clone()

	raw, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("exit: 序列化出场策略失败: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO exit_policies (symbol, policy, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET policy = excluded.policy, updated_at = excluded.updated_at`,
		symbol, string(raw), time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("exit: 写入出场策略失败: %w", err)
	}
	s.symbols[symbol] = policy
	return nil
}

// Import 写入一组交易对策略，已有条目被覆盖。
func (s *SQLitePolicyStore) Import(ctx context.Context, set PolicySet) (int, error) {
	n := 0
	for symbol, sp := range set.Symbols {
		if err := s.SaveSymbol(ctx, symbol, sp); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Len 返回已保存覆盖的交易对数量。
func (s *SQLitePolicyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.symbols)
}
