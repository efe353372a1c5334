package config

import (
	"errors"
	"sync"
)

// Source 为各组件提供当前配置快照。
type Source interface {
	Current() Config
}

// Store 持有已校验的配置，并支持统一刷新。
type Store struct {
	path string

	mu  sync.RWMutex
	cfg Config
}

// NewStore 从文件加载配置并构造 Store。
func NewStore(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, cfg: *cfg}, nil
}

// NewStaticStore 使用现成配置构造 Store，Refresh 为空操作。
func NewStaticStore(cfg Config) *Store {
	return &Store{cfg: cfg}
}

// Current 返回配置副本，调用方可自由修改。
func (s *Store) Current() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg := s.cfg
	cfg.Exchange.QuoteAssets = append([]string(nil), s.cfg.Exchange.QuoteAssets...)
	cfg.Leverage.LadderROI = append([]float64(nil), s.cfg.Leverage.LadderROI...)
	cfg.Leverage.LadderLeverage = append([]float64(nil), s.cfg.Leverage.LadderLeverage...)
	cfg.Logging.OutputPaths = append([]string(nil), s.cfg.Logging.OutputPaths...)
	cfg.Logging.ErrorOutputPaths = append([]string(nil), s.cfg.Logging.ErrorOutputPaths...)
	return cfg
}

// Refresh 重新读取配置文件；校验失败时保留旧配置并返回错误。
func (s *Store) Refresh() (bool, error) {
	if s.path == "" {
		return false, nil
	}

	next, err := Load(s.path)
	if err != nil {
		return false, err
	}
	if next == nil {
		return false, errors.New("config: 刷新结果为空")
	}

	s.mu.Lock()
	s.cfg = *next
	s.mu.Unlock()
	return true, nil
}
