package tuner

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trades-risk/internal/config"
	"trades-risk/internal/exit"
	"trades-risk/internal/monitor"
	"trades-risk/internal/store"
)

func baseParams() exit.Params {
	return exit.Params{
		TP1ROI:          0.005,
		TP2ROI:          0.010,
		TP1Size:         0.50,
		TP2Size:         0.30,
		RunnerSize:      0.20,
		TrailATRMult:    1.0,
		StopLossROI:     -0.010,
		MinHoldMinutes:  30,
		TimeStopMinutes: 240,
	}
}

func TestApplyRules(t *testing.T) {
	tests := []struct {
		name  string
		stats Stats
		want  map[string]float64
	}{
		{
			name:  "tp1 often tp2 rare lowers tp2",
			stats: Stats{TP1Rate: 0.5, TP2Rate: 0.05, StopRate: 0.2, AvgMAE: -0.01},
			want:  map[string]float64{FieldTP2ROI: 0.009},
		},
		{
			name:  "stops dominate raise tp1",
			stats: Stats{StopRate: 0.2, TimeStopRate: 0.4, TP2Rate: 0.2, AvgMAE: -0.001},
			want:  map[string]float64{FieldTP1ROI: 0.0055, FieldMinHoldMinutes: 35},
		},
		{
			name:  "high volatility widens trail",
			stats: Stats{AvgATR: 0.008, StopRate: 0.2, TP2Rate: 0.2, AvgMAE: -0.004},
			want:  map[string]float64{FieldTrailATRMult: 1.1},
		},
		{
			name:  "low volatility tightens trail",
			stats: Stats{AvgATR: 0.001, StopRate: 0.2, TP2Rate: 0.2, AvgMAE: -0.004},
			want:  map[string]float64{FieldTrailATRMult: 0.9},
		},
		{
			name:  "frequent deep stops loosen stop",
			stats: Stats{StopRate: 0.35, TP2Rate: 0.2, AvgMAE: -0.012},
			want:  map[string]float64{FieldStopLossROI: -0.011},
		},
		{
			name:  "rare shallow stops tighten stop",
			stats: Stats{StopRate: 0.05, TP2Rate: 0.2, AvgMAE: -0.002},
			want:  map[string]float64{FieldStopLossROI: -0.009},
		},
		{
			name:  "no rule fires",
			stats: Stats{StopRate: 0.2, TP2Rate: 0.2, AvgMAE: -0.004, AvgATR: 0.004},
			want:  map[string]float64{},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, changes := Apply(baseParams(), tc.stats)
			got := make(map[string]float64, len(changes))
			for _, c := range changes {
				got[c.Field] = c.After
			}
			assert.Empty(t, cmp.Diff(tc.want, got, cmpApprox()))
		})
	}
}

func TestApplyRespectsBounds(t *testing.T) {
	p := baseParams()
	p.TP2ROI = 0.0061
	p.TrailATRMult = 3.0
	p.StopLossROI = -0.03
	p.MinHoldMinutes = 120
	p.TimeStopMinutes = 240

	stats := Stats{TP1Rate: 0.9, TP2Rate: 0, StopRate: 0.6, TimeStopRate: 0.3, AvgATR: 0.01, AvgMAE: -0.05}
	out, changes := Apply(p, stats)

	assert.InDelta(t, 0.006, out.TP2ROI, 1e-12)
	assert.InDelta(t, 3.0, out.TrailATRMult, 1e-12)
	assert.InDelta(t, -0.03, out.StopLossROI, 1e-12)
	assert.InDelta(t, 120.0, out.MinHoldMinutes, 1e-12)
	assert.InDelta(t, 0.005, out.TP1ROI, 1e-12)
	for _, c := range changes {
		if c.Before != 0 {
			assert.LessOrEqual(t, abs(c.After-c.Before)/abs(c.Before), 0.1+1e-9, c.Field)
		}
	}
}

func TestComputeStats(t *testing.T) {
	events := []exit.ExitEvent{
		{PositionID: "a", Symbol: "X", ExitType: exit.ExitTP1, ROI: 0.006, MFE: 0.006, MAE: -0.001, ATRROI: 0.002},
		{PositionID: "a", Symbol: "X", ExitType: exit.ExitClosed, ROI: 0.004, MFE: 0.008, MAE: -0.001},
		{PositionID: "b", Symbol: "X", ExitType: exit.ExitStop, ROI: -0.011, MFE: 0.001, MAE: -0.011, ATRROI: 0.004},
		{PositionID: "c", Symbol: "Y", ExitType: exit.ExitTimeStop, ROI: 0.001, MFE: 0.002, MAE: -0.003},
	}

	stats := ComputeStats(events)
	require.Len(t, stats, 2)

	x := stats[0]
	assert.Equal(t, "X", x.Symbol)
	assert.Equal(t, 2, x.Positions)
	assert.Equal(t, 2, x.Decisions)
	assert.InDelta(t, 0.5, x.TP1Rate, 1e-12)
	assert.InDelta(t, 0.5, x.StopRate, 1e-12)
	assert.InDelta(t, 0.003, x.AvgATR, 1e-12)
	assert.InDelta(t, 0.0045, x.AvgMFE, 1e-12)
	assert.InDelta(t, -0.006, x.AvgMAE, 1e-12)
	assert.InDelta(t, 0.5, x.ProfitableRate, 1e-12)

	assert.InDelta(t, 1.0, stats[1].TimeStopRate, 1e-12)
}

type fixture struct {
	cfg      config.Config
	policies *exit.SQLitePolicyStore
	events   *exit.SQLiteEventLog
	rec      *monitor.MemoryRecorder
}

func newFixture(t *testing.T, dryRun bool) fixture {
	t.Helper()
	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.Tuner.DryRun = dryRun

	ctx := context.Background()
	policies, err := exit.NewSQLitePolicyStore(ctx, st, config.NewStaticStore(*cfg), nil)
	require.NoError(t, err)
	events, err := exit.NewSQLiteEventLog(st, nil)
	require.NoError(t, err)

	return fixture{cfg: *cfg, policies: policies, events: events, rec: &monitor.MemoryRecorder{}}
}

// seedTP1Only 写入 n 个只触发 TP1 且浅回撤的持仓。
func seedTP1Only(t *testing.T, log *exit.SQLiteEventLog, symbol string, n int, at time.Time) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%d", symbol, i)
		require.NoError(t, log.Append(ctx, exit.ExitEvent{
			PositionID: id, Symbol: symbol, ExitType: exit.ExitTP1,
			ROI: 0.006, MFE: 0.006, MAE: -0.001, ATRROI: 0.003, CreatedAt: at,
		}))
		require.NoError(t, log.Append(ctx, exit.ExitEvent{
			PositionID: id, Symbol: symbol, ExitType: exit.ExitClosed,
			ROI: 0.003, MFE: 0.007, MAE: -0.001, CreatedAt: at.Add(time.Minute),
		}))
	}
}

func TestRunRoundTripIntoFreshManager(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, f.policies.SaveSymbol(ctx, "X", exit.SymbolPolicy{
		Regimes: map[string]exit.Override{"volatile": {TrailATRMult: exit.Float(1.5)}},
	}))
	seedTP1Only(t, f.events, "X", 6, now.Add(-time.Hour))
	seedTP1Only(t, f.events, "Y", 2, now.Add(-time.Hour))

	tn := New(config.NewStaticStore(f.cfg), f.events, f.policies, f.rec, nil)
	report, err := tn.Run(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, []string{"Y"}, report.Skipped)
	assert.Equal(t, []string{"X"}, report.Persisted)

	tuned := make(map[string]float64)
	for _, a := range report.Adjustments {
		assert.Equal(t, "X", a.Symbol)
		tuned[a.Field] = a.After
	}
	require.Contains(t, tuned, FieldTP2ROI)
	require.Contains(t, tuned, FieldStopLossROI)
	assert.Len(t, f.rec.Events(monitor.EventTunerAdjustment), len(report.Adjustments))

	adapter := exit.NewAdapter(f.policies, nil, nil, nil)
	params, err := adapter.Attach(ctx, "fresh", "X", "volatile", now)
	require.NoError(t, err)

	want := exit.DefaultParams(f.cfg.Exit)
	want.TP2ROI = tuned[FieldTP2ROI]
	want.StopLossROI = tuned[FieldStopLossROI]
	want.TrailATRMult = 1.5
	assert.Empty(t, cmp.Diff(want, params))
	assert.Equal(t, []string{"fresh"}, adapter.Active())
}

func TestRunDryRunDoesNotPersist(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	now := time.Now().UTC()
	seedTP1Only(t, f.events, "X", 6, now.Add(-time.Hour))

	tn := New(config.NewStaticStore(f.cfg), f.events, f.policies, f.rec, nil)
	report, err := tn.Run(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.NotEmpty(t, report.Adjustments)
	assert.Empty(t, report.Persisted)
	assert.Zero(t, f.policies.Len())
}

func TestRunLookbackIgnoresOldEvents(t *testing.T) {
	f := newFixture(t, false)
	now := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	seedTP1Only(t, f.events, "X", 6, now.Add(-30*24*time.Hour))

	tn := New(config.NewStaticStore(f.cfg), f.events, f.policies, f.rec, nil)
	tn.now = func() time.Time { return now }
	report, err := tn.RunLookback(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Events)
	assert.Empty(t, report.Adjustments)
}

func cmpApprox() cmp.Option {
	return cmp.Comparer(func(a, b float64) bool { return abs(a-b) < 1e-12 })
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
