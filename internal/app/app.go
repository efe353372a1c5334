package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"trades-risk/internal/config"
	"trades-risk/internal/exchange"
	"trades-risk/internal/execution"
	"trades-risk/internal/exit"
	"trades-risk/internal/indicator"
	"trades-risk/internal/leverage"
	"trades-risk/internal/monitor"
	"trades-risk/internal/position"
	"trades-risk/internal/sizing"
	"trades-risk/internal/store"
	"trades-risk/internal/tuner"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Store
	logger *zap.Logger
	store  *store.Store

	engine   *Engine
	monitor  *monitor.Service
	policies *exit.SQLitePolicyStore
	adapter  *exit.Adapter
	tuner    *tuner.Tuner
}

// New 创建 App 并装配全部组件。
func New(ctx context.Context, cfg *config.Store, logger *zap.Logger, st *store.Store) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	current := cfg.Current()

	monitorSvc, err := monitor.NewService(st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	positions, err := position.NewSQLiteStore(st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化持仓存储失败: %w", err)
	}

	policies, err := exit.NewSQLitePolicyStore(ctx, st, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化出场策略存储失败: %w", err)
	}
	if err := seedPolicies(ctx, policies, current.Exit.PolicySeedPath, logger); err != nil {
		return nil, err
	}

	events, err := exit.NewSQLiteEventLog(st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化出场事件日志失败: %w", err)
	}

	client, err := exchange.NewClient(current.Exchange, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化交易所客户端失败: %w", err)
	}
	account := position.NewAccountReader(client, current.Exchange.QuoteAssets, logger)
	volatility := indicator.NewATRProvider(client, current.Exchange.ATRTimeframe, current.Exchange.ATRPeriod, current.Exchange.ATRCacheTTL, logger)

	execOpts := execution.Options{
		Simulation:      current.Execution.Simulation,
		Slippage:        current.Execution.Slippage,
		AmountPrecision: current.Execution.AmountPrecision,
	}
	var closer *execution.Executor
	if current.Execution.Simulation {
		logger.Info("平仓执行器处于模拟模式")
		closer = execution.NewExecutor(nil, positions, execOpts, logger)
	} else {
		closer = execution.NewExecutor(client.Raw(), positions, execOpts, logger)
	}

	k := current.Kelly
	outcomes := sizing.NewOutcomeWindow(k.WindowSize, k.MinSamples, k.DefaultWinRate, k.DefaultPayoff)
	perf := sizing.NewPerformanceWindow(k.PerformanceWindow)
	budgets := sizing.NewWalletBudget(cfg, account, positions)
	sizer := sizing.NewSizer(cfg, outcomes, perf, budgets, monitorSvc, logger)

	governor, err := leverage.NewGovernor(leverage.Dependencies{
		Config:    cfg,
		Positions: positions,
		Prices:    client,
		Wallet:    account,
		Closer:    closer,
		Recorder:  monitorSvc,
		Equity:    perf,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化杠杆管理失败: %w", err)
	}

	adapter := exit.NewAdapter(policies, events, monitorSvc, logger)
	exitTuner := tuner.New(cfg, events, policies, monitorSvc, logger)

	engine, err := NewEngine(EngineDeps{
		Config:     cfg,
		Refresher:  cfg,
		Sizer:      sizer,
		Governor:   governor,
		Positions:  positions,
		Wallet:     account,
		Volatility: volatility,
		Adapter:    adapter,
		Tuner:      exitTuner,
		Recorder:   monitorSvc,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		engine:   engine,
		monitor:  monitorSvc,
		policies: policies,
		adapter:  adapter,
		tuner:    exitTuner,
	}, nil
}

// Engine 返回交易循环使用的引擎。
func (a *App) Engine() *Engine {
	return a.engine
}

// Policies 返回出场策略存储。
func (a *App) Policies() *exit.SQLitePolicyStore {
	return a.policies
}

// Tuner 返回出场参数调优器。
func (a *App) Tuner() *tuner.Tuner {
	return a.tuner
}

// Run 恢复状态、启动定时任务与监控接口，阻塞直到收到退出信号。
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg.Current()
	a.logger.Info("风控引擎已初始化",
		zap.String("environment", cfg.App.Environment),
		zap.String("exchange", cfg.Exchange.Name),
		zap.Bool("simulation", cfg.Execution.Simulation),
	)

	if err := a.engine.Recover(ctx); err != nil {
		a.logger.Error("恢复引擎状态失败", zap.Error(err))
		a.monitor.RecordError(ctx, "engine recover failed", err, nil)
	}

	if cfg.Monitor.Enabled {
		if err := startMonitorServer(ctx, a.monitor, a.adapter, cfg.Monitor.Port, a.logger); err != nil {
			return err
		}
	}

	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	defer a.engine.Stop()

	a.engine.RunGovernor(ctx)

	<-ctx.Done()
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}

// seedPolicies 在策略表为空时从种子文件导入交易对覆盖。
func seedPolicies(ctx context.Context, policies *exit.SQLitePolicyStore, path string, logger *zap.Logger) error {
	if path == "" || policies.Len() > 0 {
		return nil
	}
	set, err := exit.LoadPolicyYAML(path)
	if err != nil {
		return fmt.Errorf("加载出场策略种子失败: %w", err)
	}
	n, err := policies.Import(ctx, set)
	if err != nil {
		return fmt.Errorf("导入出场策略种子失败: %w", err)
	}
	logger.Info("已导入出场策略种子", zap.String("path", path), zap.Int("symbols", n))
	return nil
}
