package backtest

import (
	"context"

	"trades-risk/internal/exit"
)

// Path 为单个持仓从开仓到结束的 ROI 路径。
type Path struct {
	ID     string
	Symbol string
	Regime string
	Ticks  []exit.Tick
}

// PathProvider 按顺序提供回放路径。
type PathProvider interface {
	Next(ctx context.Context) (Path, bool, error)
}
