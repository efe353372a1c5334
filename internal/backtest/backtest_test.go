package backtest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trades-risk/internal/config"
	"trades-risk/internal/exit"
)

func defaultParams(t *testing.T) exit.Params {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	return exit.DefaultParams(cfg.Exit)
}

func samplePaths() []Path {
	return []Path{
		{ID: "a", Symbol: "X", Ticks: []exit.Tick{
			{ROI: 0.002, ATRROI: 0.003, MinutesOpen: 10},
			{ROI: 0.006, ATRROI: 0.003, MinutesOpen: 32},
			{ROI: 0.011, ATRROI: 0.003, MinutesOpen: 40},
			{ROI: 0.007, ATRROI: 0.003, MinutesOpen: 50},
			{ROI: 0.020, ATRROI: 0.003, MinutesOpen: 60},
		}},
		{ID: "b", Symbol: "X", Ticks: []exit.Tick{
			{ROI: -0.012, ATRROI: 0.003, MinutesOpen: 35},
		}},
		{ID: "c", Symbol: "Y", Ticks: []exit.Tick{
			{ROI: 0.001, ATRROI: 0.003, MinutesOpen: 40},
			{ROI: 0.002, ATRROI: 0.003, MinutesOpen: 60},
		}},
		{ID: "empty"},
	}
}

func TestReplayScalesOutAndSettles(t *testing.T) {
	engine, err := NewEngine(Config{Params: defaultParams(t)}, NewSlicePathProvider(samplePaths()), nil)
	require.NoError(t, err)

	result, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Paths, 3)

	a := result.Paths[0]
	require.Len(t, a.Fills, 3)
	assert.Equal(t, exit.ActionTP1, a.Fills[0].Action)
	assert.Equal(t, exit.ActionTP2, a.Fills[1].Action)
	assert.Equal(t, exit.ActionTrailExit, a.Fills[2].Action)
	assert.InDelta(t, 0.2, a.Fills[2].SizeFraction, 1e-12)
	assert.InDelta(t, 0.5*0.006+0.3*0.011+0.2*0.007, a.Realized, 1e-12)
	assert.InDelta(t, 0.011, a.MFE, 1e-12)

	b := result.Paths[1]
	require.Len(t, b.Fills, 1)
	assert.Equal(t, exit.ActionStop, b.Fills[0].Action)
	assert.InDelta(t, -0.012, b.Realized, 1e-12)

	c := result.Paths[2]
	require.Len(t, c.Fills, 1)
	assert.Equal(t, ActionPathEnd, c.Fills[0].Action)
	assert.InDelta(t, 0.002, c.Realized, 1e-12)

	assert.Equal(t, map[exit.Action]int{
		exit.ActionTP1: 1, exit.ActionTP2: 1, exit.ActionTrailExit: 1, exit.ActionStop: 1, ActionPathEnd: 1,
	}, result.Actions)

	equity := 10000.0
	peak := equity
	for _, roi := range []float64{a.Realized, b.Realized, c.Realized} {
		equity += equity * 0.1 * roi
		if equity > peak {
			peak = equity
		}
	}
	assert.Equal(t, 3, result.Trades)
	assert.InDelta(t, equity, result.FinalEquity, 1e-9)
	assert.InDelta(t, equity/10000-1, result.Metrics.TotalReturn, 1e-12)
	assert.InDelta(t, 2.0/3.0, result.Metrics.WinRate, 1e-12)
	assert.Greater(t, result.Metrics.MaxDrawdown, 0.0)
	assert.Len(t, result.EquityCurve, 4)
}

func TestNewEngineRejectsInvalidParams(t *testing.T) {
	p := defaultParams(t)
	p.StopLossROI = 0.01
	_, err := NewEngine(Config{Params: p}, NewSlicePathProvider(nil), nil)
	assert.Error(t, err)

	_, err = NewEngine(Config{Params: defaultParams(t)}, nil, nil)
	assert.Error(t, err)
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	engine, err := NewEngine(Config{Params: defaultParams(t)}, NewSlicePathProvider(samplePaths()), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = engine.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadPathsYAML(t *testing.T) {
	file := filepath.Join(t.TempDir(), "paths.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`paths:
  - symbol: BTC/USDT
    regime: trend
    ticks:
      - {roi: 0.001, atr_roi: 0.002, minutes: 5}
      - {roi: 0.004, atr_roi: 0.002, minutes: 40}
  - id: second
    symbol: ETH/USDT
    ticks: []
`), 0o644))

	paths, err := LoadPathsYAML(file)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, "path-1", paths[0].ID)
	assert.Equal(t, "trend", paths[0].Regime)
	assert.Equal(t, exit.Tick{ROI: 0.004, ATRROI: 0.002, MinutesOpen: 40}, paths[0].Ticks[1])
	assert.Equal(t, "second", paths[1].ID)
	assert.Empty(t, paths[1].Ticks)

	_, err = LoadPathsYAML(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestComputeDrawdown(t *testing.T) {
	assert.InDelta(t, 0.2, computeDrawdown([]float64{100, 120, 96, 110}), 1e-12)
	assert.Zero(t, computeDrawdown([]float64{100, 101, 102}))
	assert.Zero(t, computeSharpe([]float64{0.01}))
}
