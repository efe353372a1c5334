package tuner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trades-risk/internal/config"
	"trades-risk/internal/exit"
	"trades-risk/internal/metrics"
	"trades-risk/internal/monitor"
)

// Adjustment 为一次调优中对某交易对参数的修改。
type Adjustment struct {
	Symbol string
	Change
}

// Report 汇总一次调优。
type Report struct {
	Since       time.Time
	Events      int
	Stats       []Stats
	Skipped     []string
	Adjustments []Adjustment
	Persisted   []string
	DryRun      bool
}

// Tuner 读取出场事件，按交易对统计后对出场参数做有界微调。
type Tuner struct {
	cfg      config.Source
	events   exit.EventSource
	policies exit.PolicyStore
	recorder monitor.Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// New 创建 Tuner。
func New(cfg config.Source, events exit.EventSource, policies exit.PolicyStore, recorder monitor.Recorder, logger *zap.Logger) *Tuner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tuner{
		cfg:      cfg,
		events:   events,
		policies: policies,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// RunLookback 以配置的回看窗口执行一次调优。
func (t *Tuner) RunLookback(ctx context.Context) (Report, error) {
	lookback := t.cfg.Current().Tuner.Lookback
	if lookback <= 0 {
		lookback = 7 * 24 * time.Hour
	}
	return t.Run(ctx, t.now().Add(-lookback))
}

// Run 统计 since 之后的出场事件并更新交易对覆盖，regimes 子块保持不变。
// 每项修改先写日志与监控事件再落库。
func (t *Tuner) Run(ctx context.Context, since time.Time) (Report, error) {
	tcfg := t.cfg.Current().Tuner
	report := Report{Since: since, DryRun: tcfg.DryRun}

	events, err := t.events.ListSince(ctx, since)
	if err != nil {
		return report, fmt.Errorf("tuner: 读取出场事件失败: %w", err)
	}
	report.Events = len(events)

	snapshot, err := t.policies.Snapshot(ctx)
	if err != nil {
		return report, fmt.Errorf("tuner: 读取出场策略失败: %w", err)
	}

	report.Stats = ComputeStats(events)
	for _, s := range report.Stats {
		if s.Decisions < tcfg.MinSamples {
			report.Skipped = append(report.Skipped, s.Symbol)
			t.logger.Info("样本不足，跳过调优",
				zap.String("symbol", s.Symbol),
				zap.Int("decisions", s.Decisions),
				zap.Int("min_samples", tcfg.MinSamples),
			)
			continue
		}

		sp := snapshot.Symbols[s.Symbol].Clone()
		current := exit.Resolve(snapshot.Defaults, sp, "")
		_, changes := Apply(current, s)
		if len(changes) == 0 {
			continue
		}

		stats := s.Map()
		for _, c := range changes {
			report.Adjustments = append(report.Adjustments, Adjustment{Symbol: s.Symbol, Change: c})
			setField(&sp.Override, c.Field, c.After)

			metrics.IncTunerAdjustment(c.Field)
			t.logger.Info("出场参数调整",
				zap.String("symbol", s.Symbol),
				zap.String("field", c.Field),
				zap.String("rule", c.Rule),
				zap.Float64("before", c.Before),
				zap.Float64("after", c.After),
				zap.Any("stats", stats),
				zap.Bool("dry_run", tcfg.DryRun),
			)
			monitor.Emit(ctx, t.recorder, t.logger, monitor.Event{
				Type:   monitor.EventTunerAdjustment,
				Symbol: s.Symbol,
				Payload: monitor.TunerAdjustmentPayload{
					Field:  c.Field,
					Rule:   c.Rule,
					Before: c.Before,
					After:  c.After,
					Stats:  stats,
					DryRun: tcfg.DryRun,
				},
			})
		}

		if tcfg.DryRun {
			continue
		}
		if err := t.policies.SaveSymbol(ctx, s.Symbol, sp); err != nil {
			return report, fmt.Errorf("tuner: 保存 %s 出场策略失败: %w", s.Symbol, err)
		}
		report.Persisted = append(report.Persisted, s.Symbol)
	}

	t.logger.Info("出场参数调优完成",
		zap.Time("since", since),
		zap.Int("events", report.Events),
		zap.Int("symbols", len(report.Stats)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("adjustments", len(report.Adjustments)),
		zap.Bool("dry_run", tcfg.DryRun),
	)
	return report, nil
}
