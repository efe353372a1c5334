package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "risk"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	if path == "" {
		path = defaultConfigPath
	}

	loadDotEnv(filepath.Dir(path))

	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	return decode(v)
}

// Default 返回仅由默认值与环境变量构成的配置，不读取文件。
func Default() (*Config, error) {
	return decode(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotEnv 尝试加载 .env，文件不存在时忽略。
func loadDotEnv(dir string) {
	candidates := []string{".env"}
	if dir != "" && dir != "." {
		candidates = append(candidates, filepath.Join(dir, ".env"))
	}
	for _, file := range candidates {
		if _, err := os.Stat(file); err == nil {
			_ = godotenv.Load(file)
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("exchange.name", "binanceusdm")
	v.SetDefault("exchange.api_key", "")
	v.SetDefault("exchange.api_secret", "")
	v.SetDefault("exchange.api_password", "")
	v.SetDefault("exchange.use_sandbox", false)
	v.SetDefault("exchange.quote_assets", []string{"USDT", "USDC", "USD"})
	v.SetDefault("exchange.atr_timeframe", "15m")
	v.SetDefault("exchange.atr_period", 14)
	v.SetDefault("exchange.atr_cache_ttl", "5m")
	v.SetDefault("exchange.retry.max_attempts", 5)
	v.SetDefault("exchange.retry.min_delay", "500ms")
	v.SetDefault("exchange.retry.max_delay", "5s")

	v.SetDefault("kelly.window_size", 50)
	v.SetDefault("kelly.min_samples", 10)
	v.SetDefault("kelly.default_win_rate", 0.50)
	v.SetDefault("kelly.default_payoff", 1.5)
	v.SetDefault("kelly.kelly_multiplier", 0.5)
	v.SetDefault("kelly.min_fraction", 0.01)
	v.SetDefault("kelly.max_spot_fraction", 0.25)
	v.SetDefault("kelly.max_futures_fraction", 0.15)
	v.SetDefault("kelly.vol_reference", 0.02)
	v.SetDefault("kelly.vol_weight_min", 0.3)
	v.SetDefault("kelly.vol_weight_max", 2.0)
	v.SetDefault("kelly.performance_window", 168)
	v.SetDefault("kelly.performance_min_hours", 24)
	v.SetDefault("kelly.min_spot_size", 10.0)
	v.SetDefault("kelly.policy_min_size", 5.0)
	v.SetDefault("kelly.policy_max_size", 5000.0)
	v.SetDefault("kelly.liquidation_damping", 0.8)
	v.SetDefault("kelly.high_severity_cut", 0.30)
	v.SetDefault("kelly.strategy_budget_fraction", 0.5)

	v.SetDefault("leverage.ladder_roi", []float64{0.006, 0.010, 0.015})
	v.SetDefault("leverage.ladder_leverage", []float64{2, 3, 5})
	v.SetDefault("leverage.min_confirmations", 2)
	v.SetDefault("leverage.max_size_wallet_fraction", 0.25)
	v.SetDefault("leverage.hard_cap", 5.0)
	v.SetDefault("leverage.max_notional_wallet_multiple", 3.0)
	v.SetDefault("leverage.stop_loss_wallet_fraction", 0.01)
	v.SetDefault("leverage.stop_loss_max_pct", 0.05)
	v.SetDefault("leverage.trail_start_pct", 0.01)
	v.SetDefault("leverage.trail_step_pct", 0.005)
	v.SetDefault("leverage.margin_warn_multiple", 3.0)
	v.SetDefault("leverage.liquidation_warn_fraction", 0.5)
	v.SetDefault("leverage.max_hold_hours", 48.0)
	v.SetDefault("leverage.price_fetch_concurrency", 4)

	v.SetDefault("exit.policy_seed_path", "")
	v.SetDefault("exit.tp1_roi", 0.005)
	v.SetDefault("exit.tp2_roi", 0.010)
	v.SetDefault("exit.tp1_size", 0.50)
	v.SetDefault("exit.tp2_size", 0.30)
	v.SetDefault("exit.runner_size", 0.20)
	v.SetDefault("exit.trail_atr_mult", 1.0)
	v.SetDefault("exit.stop_loss_roi", -0.010)
	v.SetDefault("exit.min_hold_minutes", 30.0)
	v.SetDefault("exit.time_stop_minutes", 240.0)

	v.SetDefault("tuner.lookback", "168h")
	v.SetDefault("tuner.min_samples", 5)
	v.SetDefault("tuner.dry_run", false)

	v.SetDefault("execution.simulation", true)
	v.SetDefault("execution.slippage", 0.01)
	v.SetDefault("execution.amount_precision", 6)

	v.SetDefault("database.path", "data/trades_risk.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_age_days", 14)
	v.SetDefault("logging.file.max_backups", 10)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("scheduler.governor_spec", "@every 10m")
	v.SetDefault("scheduler.tuner_spec", "0 30 0 * * *")

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.port", 9108)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
