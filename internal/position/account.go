package position

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"
)

type balanceClient interface {
	FetchBalance(ctx context.Context) (ccxt.Balances, error)
}

// AccountReader 从交易所余额中解析钱包余额。
type AccountReader struct {
	client      balanceClient
	quoteAssets []string
	logger      *zap.Logger
}

// NewAccountReader 创建 AccountReader，quoteAssets 决定余额币种的优先顺序。
func NewAccountReader(client balanceClient, quoteAssets []string, logger *zap.Logger) *AccountReader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(quoteAssets) == 0 {
		quoteAssets = []string{"USDT", "USDC", "USD"}
	}
	return &AccountReader{
		client:      client,
		quoteAssets: quoteAssets,
		logger:      logger,
	}
}

// WalletBalance 返回钱包余额。优先读取计价币种总额，其次读取交易所原始字段。
func (a *AccountReader) WalletBalance(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	balances, err := a.client.FetchBalance(ctx)
	if err != nil {
		return 0, fmt.Errorf("position: 获取账户余额失败: %w", err)
	}

	if balances.Total != nil {
		for _, code := range a.quoteAssets {
			if total, ok := balances.Total[code]; ok && total != nil && *total > 0 {
				return *total, nil
			}
		}
	}

	if balances.Info != nil {
		for _, key := range []string{"totalWalletBalance", "totalMarginBalance", "accountValue"} {
			if v := parseNumeric(balances.Info[key]); v > 0 {
				return v, nil
			}
		}
		if summary, ok := balances.Info["marginSummary"].(map[string]interface{}); ok {
			if v := parseNumeric(summary["accountValue"]); v > 0 {
				return v, nil
			}
		}
	}

	if balances.Free != nil {
		for _, code := range a.quoteAssets {
			if free, ok := balances.Free[code]; ok && free != nil && *free > 0 {
				a.logger.Warn("未找到总余额，使用可用余额", zap.String("asset", code))
				return *free, nil
			}
		}
	}

	return 0, fmt.Errorf("position: 余额中未找到计价币种 %v", a.quoteAssets)
}

func parseNumeric(value interface{}) float64 {
	switch v := value.(type) {
	case nil:
		return 0
	case float64:
		return v
	case *float64:
		if v != nil {
			return *v
		}
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return 0
}
