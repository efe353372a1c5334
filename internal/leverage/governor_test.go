package leverage

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trades-risk/internal/config"
	"trades-risk/internal/execution"
	"trades-risk/internal/monitor"
	"trades-risk/internal/position"
	"trades-risk/internal/store"
)

func defaultConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	return *cfg
}

func newTestGovernor(t *testing.T, cfg config.Config, deps Dependencies) *Governor {
	t.Helper()
	deps.Config = config.NewStaticStore(cfg)
	g, err := NewGovernor(deps)
	require.NoError(t, err)
	return g
}

func TestChooseLeverageLadder(t *testing.T) {
	g := newTestGovernor(t, defaultConfig(t), Dependencies{})

	tests := []struct {
		name     string
		strength float64
		want     float64
	}{
		{name: "below ladder", strength: 0.004, want: 1},
		{name: "first rung", strength: 0.007, want: 2},
		{name: "second rung", strength: 0.012, want: 3},
		{name: "top rung", strength: 0.02, want: 5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := g.ChooseLeverage(Signal{Symbol: "BTC", ROIStrength: tc.strength, Confirmations: 3, RequestedSize: 100}, 10000, 0.01)
			assert.InDelta(t, tc.want, d.Leverage, 1e-12)
		})
	}
}

func TestChooseLeverageInsufficientConfirmationsForcesOne(t *testing.T) {
	g := newTestGovernor(t, defaultConfig(t), Dependencies{})

	d := g.ChooseLeverage(Signal{Symbol: "BTC", ROIStrength: 0.05, Confirmations: 1, RequestedSize: 100, RequestedLeverage: 5}, 10000, 0.05)
	assert.InDelta(t, 1.0, d.Leverage, 1e-12)
	assert.Equal(t, ReasonInsufficientConfirm, d.Reason)
}

func TestChooseLeverageGuards(t *testing.T) {
	g := newTestGovernor(t, defaultConfig(t), Dependencies{})

	d := g.ChooseLeverage(Signal{ROIStrength: 0.05, Confirmations: 3, RequestedSize: 100}, 10000, 0)
	assert.InDelta(t, 1.0, d.Leverage, 1e-12)
	assert.Equal(t, ReasonNonPositiveExpectancy, d.Reason)

	d = g.ChooseLeverage(Signal{ROIStrength: 0.05, Confirmations: 3, RequestedSize: 300}, 1000, 0.01)
	assert.InDelta(t, 1.0, d.Leverage, 1e-12)
	assert.Equal(t, ReasonSizeExceedsWallet, d.Reason)

	d = g.ChooseLeverage(Signal{ROIStrength: 0.05, Confirmations: 3, RequestedSize: 100}, math.NaN(), 0.01)
	assert.InDelta(t, 1.0, d.Leverage, 1e-12)
	assert.Equal(t, ReasonInvalidWallet, d.Reason)

	d = g.ChooseLeverage(Signal{ROIStrength: 0.05, Confirmations: 3, RequestedSize: 100, RequestedLeverage: 2}, 10000, 0.01)
	assert.InDelta(t, 2.0, d.Leverage, 1e-12)
}

func TestChooseLeverageCapitalCap(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Leverage.MaxSizeWalletFraction = 1.0
	g := newTestGovernor(t, cfg, Dependencies{})

	d := g.ChooseLeverage(Signal{ROIStrength: 0.05, Confirmations: 3, RequestedSize: 900}, 1000, 0.01)
	assert.InDelta(t, 3.0, d.CapitalCap, 1e-12)
	assert.InDelta(t, 3.0, d.Leverage, 1e-12)
}

func TestChooseLeverageNeverExceedsCaps(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Leverage.MaxSizeWalletFraction = 1.0
	g := newTestGovernor(t, cfg, Dependencies{})

	for _, wallet := range []float64{100, 1000, 50000} {
		for _, size := range []float64{1, 50, 400, 999} {
			for _, strength := range []float64{0, 0.006, 0.011, 0.5} {
				d := g.ChooseLeverage(Signal{ROIStrength: strength, Confirmations: 5, RequestedSize: size}, wallet, 0.02)
				capital := math.Max(1, math.Floor(wallet*cfg.Leverage.MaxNotionalWalletMultiple/size))
				assert.LessOrEqual(t, d.Leverage, math.Min(cfg.Leverage.HardCap, capital))
				assert.GreaterOrEqual(t, d.Leverage, 1.0)
			}
		}
	}
}

func TestComputeStopLossBoundsLoss(t *testing.T) {
	g := newTestGovernor(t, defaultConfig(t), Dependencies{})

	for _, side := range []position.Direction{position.Long, position.Short} {
		for _, entry := range []float64{0.5, 100, 30000} {
			for _, wallet := range []float64{100, 1000, 25000} {
				for _, notional := range []float64{10, 500, 20000} {
					for _, lev := range []float64{1, 3, 5} {
						stop, err := g.ComputeStopLoss(entry, wallet, notional, lev, side)
						require.NoError(t, err)

						distance := entry - stop
						if side == position.Short {
							distance = stop - entry
						}
						assert.Greater(t, distance, 0.0)
						assert.LessOrEqual(t, distance, entry*0.05+1e-9)

						qty := notional / entry
						maxLoss := wallet * 0.01
						if maxLoss/qty < entry*0.05 {
							assert.InDelta(t, maxLoss, distance*qty, 1e-6*maxLoss)
						}
					}
				}
			}
		}
	}
}

func TestComputeStopLossExample(t *testing.T) {
	g := newTestGovernor(t, defaultConfig(t), Dependencies{})

	stop, err := g.ComputeStopLoss(100, 1000, 500, 2, position.Long)
	require.NoError(t, err)
	assert.InDelta(t, 98.0, stop, 1e-9)

	stop, err = g.ComputeStopLoss(100, 1000, 500, 2, position.Short)
	require.NoError(t, err)
	assert.InDelta(t, 102.0, stop, 1e-9)

	_, err = g.ComputeStopLoss(0, 1000, 500, 2, position.Long)
	assert.True(t, errors.Is(err, ErrInvalidInput))
	_, err = g.ComputeStopLoss(100, math.Inf(1), 500, 2, position.Long)
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestMaybeUpdateTrailingStop(t *testing.T) {
	g := newTestGovernor(t, defaultConfig(t), Dependencies{})
	pos := position.Position{Direction: position.Long, EntryPrice: 100}

	_, ok := g.MaybeUpdateTrailingStop(pos, 100.5)
	assert.False(t, ok)

	_, ok = g.MaybeUpdateTrailingStop(pos, 101)
	assert.False(t, ok, "恰好达到起始阈值不激活")

	ts, ok := g.MaybeUpdateTrailingStop(pos, 101.1)
	require.True(t, ok)
	assert.InDelta(t, 100.5, ts, 1e-9)

	ts, ok = g.MaybeUpdateTrailingStop(pos, 101.7)
	require.True(t, ok)
	assert.InDelta(t, 101.0, ts, 1e-9)

	pos.TrailingStop = &ts
	_, ok = g.MaybeUpdateTrailingStop(pos, 101.2)
	assert.False(t, ok)

	short := position.Position{Direction: position.Short, EntryPrice: 100}
	_, ok = g.MaybeUpdateTrailingStop(short, 99)
	assert.False(t, ok)

	ts, ok = g.MaybeUpdateTrailingStop(short, 98.9)
	require.True(t, ok)
	assert.InDelta(t, 99.5, ts, 1e-9)
}

func TestTrailingStopIsMonotonic(t *testing.T) {
	g := newTestGovernor(t, defaultConfig(t), Dependencies{})
	rng := rand.New(rand.NewSource(7))

	for _, dir := range []position.Direction{position.Long, position.Short} {
		pos := position.Position{Direction: dir, EntryPrice: 100}
		price := 100.0
		for i := 0; i < 2000; i++ {
			price *= 1 + (rng.Float64()-0.5)*0.01
			next, ok := g.MaybeUpdateTrailingStop(pos, price)
			if !ok {
				continue
			}
			if pos.TrailingStop != nil {
				if dir == position.Long {
					require.Greater(t, next, *pos.TrailingStop)
				} else {
					require.Less(t, next, *pos.TrailingStop)
				}
			}
			v := next
			pos.TrailingStop = &v
		}
	}
}

func TestMarginUsageAndLiquidationBuffer(t *testing.T) {
	rec := &monitor.MemoryRecorder{}
	g := newTestGovernor(t, defaultConfig(t), Dependencies{Recorder: rec})
	ctx := context.Background()

	snap := g.MarginUsage(ctx, []position.Position{
		{Size: 500, Leverage: 5},
		{Size: 1000, Leverage: 1},
	}, 1000)
	assert.InDelta(t, 3.5, snap.ExposureRatio, 1e-12)
	assert.Len(t, rec.Events(monitor.EventMarginWarning), 1)

	pos := position.Position{ID: "p", Symbol: "BTC", Direction: position.Long, EntryPrice: 100, Size: 100, Leverage: 5, RemainingFraction: 1}
	frac, warn := g.LiquidationBuffer(ctx, pos, 92)
	assert.False(t, warn)
	assert.InDelta(t, 0.4, frac, 1e-9)

	frac, warn = g.LiquidationBuffer(ctx, pos, 89)
	assert.True(t, warn)
	assert.InDelta(t, 0.55, frac, 1e-9)
	assert.Len(t, rec.Events(monitor.EventLiquidationWarning), 1)

	_, warn = g.LiquidationBuffer(ctx, pos, 120)
	assert.False(t, warn)
}

type fakePrices map[string]float64

func (f fakePrices) LatestPrice(_ context.Context, symbol string) (float64, error) {
	if p, ok := f[symbol]; ok {
		return p, nil
	}
	return 0, errors.New("no price")
}

type fakeWallet struct {
	balance float64
	err     error
}

func (f fakeWallet) WalletBalance(context.Context) (float64, error) {
	return f.balance, f.err
}

type equityLog struct {
	values []float64
}

func (e *equityLog) Observe(_ time.Time, equity float64) {
	e.values = append(e.values, equity)
}

func newScanFixture(t *testing.T, now time.Time) *position.SQLiteStore {
	t.Helper()
	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	positions, err := position.NewSQLiteStore(st, nil)
	require.NoError(t, err)

	ctx := context.Background()
	seed := []position.Position{
		{ID: "a", Symbol: "BTC", Direction: position.Long, EntryPrice: 100, Size: 100, Leverage: 2, OpenedAt: now.Add(-time.Hour)},
		{ID: "b", Symbol: "ETH", Direction: position.Long, EntryPrice: 100, Size: 100, Leverage: 2, StopLoss: 98, OpenedAt: now.Add(-50 * time.Hour)},
		{ID: "c", Symbol: "SOL", Direction: position.Short, EntryPrice: 100, Size: 100, Leverage: 2, StopLoss: 102, OpenedAt: now.Add(-2 * time.Hour)},
		{ID: "d", Symbol: "XRP", Direction: position.Long, EntryPrice: 1, Size: 100, Leverage: 1, StopLoss: 0.95, OpenedAt: now.Add(-time.Hour)},
	}
	for _, p := range seed {
		_, err := positions.Open(ctx, p)
		require.NoError(t, err)
	}
	return positions
}

func TestScanFullPass(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	positions := newScanFixture(t, now)
	rec := &monitor.MemoryRecorder{}
	equity := &equityLog{}

	g := newTestGovernor(t, defaultConfig(t), Dependencies{
		Positions: positions,
		Prices:    fakePrices{"BTC": 101.1, "ETH": 100, "SOL": 103},
		Wallet:    fakeWallet{balance: 10000},
		Closer:    execution.NewExecutor(nil, positions, execution.Options{Simulation: true}, nil),
		Recorder:  rec,
		Equity:    equity,
	})
	g.now = func() time.Time { return now }

	report, err := g.Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, report.Positions)
	assert.True(t, report.WalletOK)
	assert.Equal(t, 1, report.Backfilled)
	assert.Equal(t, 1, report.Ratcheted)
	assert.Equal(t, 1, report.Persisted)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, StagePrice, report.Skipped[0].Stage)
	assert.Equal(t, "d", report.Skipped[0].PositionID)

	reasons := map[string]string{}
	for _, c := range report.Closed {
		reasons[c.PositionID] = c.Reason
	}
	assert.Equal(t, map[string]string{"b": CloseMaxHold, "c": CloseStopCrossed}, reasons)

	ctx := context.Background()
	a, err := positions.Get(ctx, "a")
	require.NoError(t, err)
	assert.InDelta(t, 95.0, a.StopLoss, 1e-9)
	require.NotNil(t, a.TrailingStop)
	assert.InDelta(t, 100.5, *a.TrailingStop, 1e-9)

	open, err := positions.ListOpen(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	assert.Len(t, rec.Events(monitor.EventForcedClose), 2)
	assert.Len(t, rec.Events(monitor.EventGovernorSkip), 1)
	assert.Len(t, rec.Events(monitor.EventStopBackfill), 1)
	assert.Len(t, rec.Events(monitor.EventTrailingUpdate), 1)
	assert.Equal(t, []float64{10000}, equity.values)
}

func TestScanContinuesWithoutWallet(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	positions := newScanFixture(t, now)
	rec := &monitor.MemoryRecorder{}

	g := newTestGovernor(t, defaultConfig(t), Dependencies{
		Positions: positions,
		Prices:    fakePrices{"BTC": 101.1, "ETH": 100, "SOL": 103, "XRP": 1},
		Wallet:    fakeWallet{err: errors.New("gateway down")},
		Closer:    execution.NewExecutor(nil, positions, execution.Options{Simulation: true}, nil),
		Recorder:  rec,
	})
	g.now = func() time.Time { return now }

	report, err := g.Scan(context.Background())
	require.NoError(t, err)
	assert.False(t, report.WalletOK)
	assert.Zero(t, report.Backfilled)
	assert.Len(t, report.Closed, 2)

	stages := map[string]int{}
	for _, s := range report.Skipped {
		stages[s.Stage]++
	}
	assert.Equal(t, 1, stages[StageWallet])
	assert.Equal(t, 1, stages[StageStopBackfill])

	a, err := positions.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Zero(t, a.StopLoss)
	require.NotNil(t, a.TrailingStop)
}

type failingCloser struct{}

func (failingCloser) ClosePosition(context.Context, execution.CloseRequest) (execution.Result, error) {
	return execution.Result{}, errors.New("order rejected")
}

func TestScanCloseFailureIsSkipped(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	positions := newScanFixture(t, now)

	g := newTestGovernor(t, defaultConfig(t), Dependencies{
		Positions: positions,
		Prices:    fakePrices{"BTC": 101.1, "ETH": 100, "SOL": 103, "XRP": 1},
		Wallet:    fakeWallet{balance: 10000},
		Closer:    failingCloser{},
	})
	g.now = func() time.Time { return now }

	report, err := g.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Closed)

	closeSkips := 0
	for _, s := range report.Skipped {
		if s.Stage == StageClose {
			closeSkips++
		}
	}
	assert.Equal(t, 2, closeSkips)

	open, err := positions.ListOpen(context.Background())
	require.NoError(t, err)
	assert.Len(t, open, 4)
}
