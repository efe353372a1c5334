package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"trades-risk/internal/config"
	"trades-risk/internal/log"
	"trades-risk/internal/store"
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "riskengine",
		Short: "持仓风控与出场控制引擎",
		Long: `持仓风控与出场控制引擎

Commands:
    run             启动引擎、定时巡检与监控接口
    tune            执行一次出场参数调优
    policy export   导出出场策略为 YAML
    policy import   从 YAML 导入出场策略
    replay          用当前出场策略回放 ROI 路径
`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")

	root.AddCommand(newRunCmd())
	root.AddCommand(newTuneCmd())
	root.AddCommand(newPolicyCmd())
	root.AddCommand(newReplayCmd())
	return root
}

// runtime 为各子命令共享的配置、日志与数据库。
type runtime struct {
	cfg    *config.Store
	logger *zap.Logger
	store  *store.Store
}

func openRuntime() (*runtime, error) {
	cfg, err := config.NewStore(configPath)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	current := cfg.Current()

	logger, err := log.NewLogger(current.Logging)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	st, err := store.NewSQLite(current.Database)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}
	return &runtime{cfg: cfg, logger: logger, store: st}, nil
}

func (r *runtime) Close() {
	if err := r.store.Close(); err != nil {
		r.logger.Warn("关闭数据库失败", zap.Error(err))
	}
	_ = r.logger.Sync()
}

func withRuntime(ctx context.Context, fn func(ctx context.Context, rt *runtime) error) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}
