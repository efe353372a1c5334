package sizing

import (
	"context"
	"fmt"
	"math"

	"trades-risk/internal/config"
	"trades-risk/internal/position"
)

type walletSource interface {
	WalletBalance(ctx context.Context) (float64, error)
}

type openPositions interface {
	ListOpen(ctx context.Context) ([]position.Position, error)
}

// WalletBudget 以钱包余额的固定比例作为单策略保证金上限，扣除该策略未平仓持仓已占用的保证金。
type WalletBudget struct {
	cfg       config.Source
	wallet    walletSource
	positions openPositions
}

// NewWalletBudget 创建 WalletBudget。
func NewWalletBudget(cfg config.Source, wallet walletSource, positions openPositions) *WalletBudget {
	return &WalletBudget{cfg: cfg, wallet: wallet, positions: positions}
}

// StrategyMarginBudget 返回策略剩余可用保证金，不小于 0。regime 暂不参与计算。
func (b *WalletBudget) StrategyMarginBudget(ctx context.Context, strategy, _ string) (float64, error) {
	fraction := b.cfg.Current().Kelly.StrategyBudgetFraction
	if fraction <= 0 {
		return 0, fmt.Errorf("sizing: 策略预算比例未配置")
	}

	balance, err := b.wallet.WalletBalance(ctx)
	if err != nil {
		return 0, fmt.Errorf("sizing: 获取钱包余额失败: %w", err)
	}
	if !finite(balance) || balance <= 0 {
		return 0, fmt.Errorf("sizing: 钱包余额非法 %v", balance)
	}

	open, err := b.positions.ListOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("sizing: 读取持仓失败: %w", err)
	}

	used := 0.0
	for _, p := range open {
		if p.Strategy == strategy {
			used += p.Size * math.Max(p.RemainingFraction, 0)
		}
	}
	return math.Max(balance*fraction-used, 0), nil
}
