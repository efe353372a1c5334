package backtest

import "trades-risk/internal/exit"

// Config 定义出场策略回放参数。
type Config struct {
	Params        exit.Params // 回放使用的出场参数
	InitialEquity float64     // 初始净值
	RiskFraction  float64     // 每条路径占用的净值比例
}

func (c *Config) normalize() Config {
	cfg := *c
	if cfg.InitialEquity <= 0 {
		cfg.InitialEquity = 10000
	}
	if cfg.RiskFraction <= 0 || cfg.RiskFraction > 1 {
		cfg.RiskFraction = 0.1
	}
	return cfg
}
