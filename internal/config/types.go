package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了风控引擎运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Kelly     KellyConfig     `mapstructure:"kelly"`
	Leverage  LeverageConfig  `mapstructure:"leverage"`
	Exit      ExitConfig      `mapstructure:"exit"`
	Tuner     TunerConfig     `mapstructure:"tuner"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ExchangeConfig 描述交易所连接信息。
type ExchangeConfig struct {
	Name         string        `mapstructure:"name"`
	APIKey       string        `mapstructure:"api_key"`
	APISecret    string        `mapstructure:"api_secret"`
	APIPass      string        `mapstructure:"api_password"`
	UseSandbox   bool          `mapstructure:"use_sandbox"`
	QuoteAssets  []string      `mapstructure:"quote_assets"`
	ATRTimeframe string        `mapstructure:"atr_timeframe"`
	ATRPeriod    int           `mapstructure:"atr_period"`
	ATRCacheTTL  time.Duration `mapstructure:"atr_cache_ttl"`
	Retry        RetryConfig   `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// KellyConfig 管理凯利仓位参数。
type KellyConfig struct {
	WindowSize          int     `mapstructure:"window_size"`
	MinSamples          int     `mapstructure:"min_samples"`
	DefaultWinRate      float64 `mapstructure:"default_win_rate"`
	DefaultPayoff       float64 `mapstructure:"default_payoff"`
	KellyMultiplier     float64 `mapstructure:"kelly_multiplier"`
	MinFraction         float64 `mapstructure:"min_fraction"`
	MaxSpotFraction     float64 `mapstructure:"max_spot_fraction"`
	MaxFuturesFraction  float64 `mapstructure:"max_futures_fraction"`
	VolReference        float64 `mapstructure:"vol_reference"`
	VolWeightMin        float64 `mapstructure:"vol_weight_min"`
	VolWeightMax        float64 `mapstructure:"vol_weight_max"`
	PerformanceWindow   int     `mapstructure:"performance_window"`
	PerformanceMinHours int     `mapstructure:"performance_min_hours"`
	MinSpotSize         float64 `mapstructure:"min_spot_size"`
	PolicyMinSize       float64 `mapstructure:"policy_min_size"`
	PolicyMaxSize       float64 `mapstructure:"policy_max_size"`
	LiquidationDamping  float64 `mapstructure:"liquidation_damping"`
	HighSeverityCut     float64 `mapstructure:"high_severity_cut"`

	// StrategyBudgetFraction 为单个策略可占用的钱包比例，扣除该策略已用保证金后作为预算。
	StrategyBudgetFraction float64 `mapstructure:"strategy_budget_fraction"`
}

// LeverageConfig 管理杠杆、止损与追踪止损参数。
type LeverageConfig struct {
	LadderROI                 []float64 `mapstructure:"ladder_roi"`
	LadderLeverage            []float64 `mapstructure:"ladder_leverage"`
	MinConfirmations          int       `mapstructure:"min_confirmations"`
	MaxSizeWalletFraction     float64   `mapstructure:"max_size_wallet_fraction"`
	HardCap                   float64   `mapstructure:"hard_cap"`
	MaxNotionalWalletMultiple float64   `mapstructure:"max_notional_wallet_multiple"`
	StopLossWalletFraction    float64   `mapstructure:"stop_loss_wallet_fraction"`
	StopLossMaxPct            float64   `mapstructure:"stop_loss_max_pct"`
	TrailStartPct             float64   `mapstructure:"trail_start_pct"`
	TrailStepPct              float64   `mapstructure:"trail_step_pct"`
	MarginWarnMultiple        float64   `mapstructure:"margin_warn_multiple"`
	LiquidationWarnFraction   float64   `mapstructure:"liquidation_warn_fraction"`
	MaxHoldHours              float64   `mapstructure:"max_hold_hours"`
	PriceFetchConcurrency     int       `mapstructure:"price_fetch_concurrency"`
}

// ExitConfig 控制出场策略的默认参数与种子文件。
type ExitConfig struct {
	PolicySeedPath  string  `mapstructure:"policy_seed_path"`
	TP1ROI          float64 `mapstructure:"tp1_roi"`
	TP2ROI          float64 `mapstructure:"tp2_roi"`
	TP1Size         float64 `mapstructure:"tp1_size"`
	TP2Size         float64 `mapstructure:"tp2_size"`
	RunnerSize      float64 `mapstructure:"runner_size"`
	TrailATRMult    float64 `mapstructure:"trail_atr_mult"`
	StopLossROI     float64 `mapstructure:"stop_loss_roi"`
	MinHoldMinutes  float64 `mapstructure:"min_hold_minutes"`
	TimeStopMinutes float64 `mapstructure:"time_stop_minutes"`
}

// TunerConfig 控制夜间出场参数调优。
type TunerConfig struct {
	Lookback   time.Duration `mapstructure:"lookback"`
	MinSamples int           `mapstructure:"min_samples"`
	DryRun     bool          `mapstructure:"dry_run"`
}

// ExecutionConfig 控制平仓下单行为。
type ExecutionConfig struct {
	Simulation      bool    `mapstructure:"simulation"`
	Slippage        float64 `mapstructure:"slippage"`
	AmountPrecision int32   `mapstructure:"amount_precision"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string        `mapstructure:"level"`
	Encoding         string        `mapstructure:"encoding"`
	Development      bool          `mapstructure:"development"`
	OutputPaths      []string      `mapstructure:"output_paths"`
	ErrorOutputPaths []string      `mapstructure:"error_output_paths"`
	File             LogFileConfig `mapstructure:"file"`
}

// LogFileConfig 控制滚动日志文件。
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// SchedulerConfig 控制后台任务节奏。
type SchedulerConfig struct {
	GovernorSpec string `mapstructure:"governor_spec"`
	TunerSpec    string `mapstructure:"tuner_spec"`
}

// MonitorConfig 控制监控 HTTP 服务。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("exchange.name 不能为空"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}
	if c.Exchange.ATRPeriod <= 1 {
		err = multierr.Append(err, errors.New("exchange.atr_period 必须大于1"))
	}

	if c.Kelly.MinSamples <= 0 || c.Kelly.WindowSize < c.Kelly.MinSamples {
		err = multierr.Append(err, errors.New("kelly.window_size 必须不小于 min_samples 且 min_samples 大于0"))
	}
	if c.Kelly.DefaultWinRate <= 0 || c.Kelly.DefaultWinRate >= 1 {
		err = multierr.Append(err, errors.New("kelly.default_win_rate 必须位于(0,1)"))
	}
	if c.Kelly.DefaultPayoff <= 0 {
		err = multierr.Append(err, errors.New("kelly.default_payoff 必须大于0"))
	}
	if c.Kelly.MinFraction < 0 || c.Kelly.MinFraction > c.Kelly.MaxFuturesFraction || c.Kelly.MaxFuturesFraction > c.Kelly.MaxSpotFraction {
		err = multierr.Append(err, errors.New("kelly 仓位比例须满足 0 <= min_fraction <= max_futures_fraction <= max_spot_fraction"))
	}
	if c.Kelly.VolWeightMin <= 0 || c.Kelly.VolWeightMin > c.Kelly.VolWeightMax {
		err = multierr.Append(err, errors.New("kelly.vol_weight 区间非法"))
	}
	if c.Kelly.PolicyMinSize < 0 || c.Kelly.PolicyMaxSize <= c.Kelly.PolicyMinSize {
		err = multierr.Append(err, errors.New("kelly.policy_max_size 必须大于 policy_min_size"))
	}
	if c.Kelly.LiquidationDamping <= 0 || c.Kelly.LiquidationDamping > 1 {
		err = multierr.Append(err, errors.New("kelly.liquidation_damping 必须位于(0,1]"))
	}

	if len(c.Leverage.LadderROI) != len(c.Leverage.LadderLeverage) || len(c.Leverage.LadderROI) == 0 {
		err = multierr.Append(err, errors.New("leverage.ladder_roi 与 ladder_leverage 长度必须一致且非空"))
	}
	for i := 1; i < len(c.Leverage.LadderROI); i++ {
		if c.Leverage.LadderROI[i] <= c.Leverage.LadderROI[i-1] {
			err = multierr.Append(err, errors.New("leverage.ladder_roi 必须严格递增"))
			break
		}
	}
	if c.Leverage.HardCap < 1 {
		err = multierr.Append(err, errors.New("leverage.hard_cap 不能小于1"))
	}
	if c.Leverage.StopLossWalletFraction <= 0 || c.Leverage.StopLossWalletFraction > 0.1 {
		err = multierr.Append(err, errors.New("leverage.stop_loss_wallet_fraction 必须位于(0,0.1]"))
	}
	if c.Leverage.StopLossMaxPct <= 0 || c.Leverage.StopLossMaxPct > 0.05 {
		err = multierr.Append(err, errors.New("leverage.stop_loss_max_pct 必须位于(0,0.05]"))
	}
	if c.Leverage.TrailStartPct <= 0 || c.Leverage.TrailStepPct <= 0 {
		err = multierr.Append(err, errors.New("leverage.trail_start_pct 与 trail_step_pct 必须为正"))
	}
	if c.Leverage.MaxHoldHours <= 0 {
		err = multierr.Append(err, errors.New("leverage.max_hold_hours 必须大于0"))
	}

	if c.Exit.TP1ROI <= 0 || c.Exit.TP2ROI <= c.Exit.TP1ROI {
		err = multierr.Append(err, errors.New("exit.tp2_roi 必须大于 tp1_roi 且 tp1_roi 为正"))
	}
	if c.Exit.StopLossROI >= 0 {
		err = multierr.Append(err, errors.New("exit.stop_loss_roi 必须为负"))
	}
	if sum := c.Exit.TP1Size + c.Exit.TP2Size + c.Exit.RunnerSize; sum > 1+1e-9 {
		err = multierr.Append(err, fmt.Errorf("exit 分批比例之和不能超过1，当前 %.4f", sum))
	}
	if c.Exit.MinHoldMinutes < 0 || c.Exit.TimeStopMinutes <= c.Exit.MinHoldMinutes {
		err = multierr.Append(err, errors.New("exit.time_stop_minutes 必须大于 min_hold_minutes"))
	}

	if c.Tuner.Lookback <= 0 {
		err = multierr.Append(err, errors.New("tuner.lookback 必须大于0"))
	}
	if c.Tuner.MinSamples <= 0 {
		err = multierr.Append(err, errors.New("tuner.min_samples 必须大于0"))
	}

	if c.Execution.Slippage < 0 || c.Execution.Slippage > 0.2 {
		err = multierr.Append(err, errors.New("execution.slippage 应位于[0,0.2]"))
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if c.Scheduler.GovernorSpec == "" || c.Scheduler.TunerSpec == "" {
		err = multierr.Append(err, errors.New("scheduler.governor_spec 与 tuner_spec 不能为空"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 非法"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
