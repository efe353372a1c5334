package exit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trades-risk/internal/config"
	"trades-risk/internal/monitor"
	"trades-risk/internal/store"
)

func newTestStores(t *testing.T) (*SQLitePolicyStore, *SQLiteEventLog, *store.Store) {
	t.Helper()
	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg, err := config.Default()
	require.NoError(t, err)

	policies, err := NewSQLitePolicyStore(context.Background(), st, config.NewStaticStore(*cfg), nil)
	require.NoError(t, err)
	events, err := NewSQLiteEventLog(st, nil)
	require.NoError(t, err)
	return policies, events, st
}

func TestResolveLayers(t *testing.T) {
	defaults := defaultParams()
	sp := SymbolPolicy{
		Override: Override{TP1ROI: Float(0.006), MinHoldMinutes: Float(20)},
		Regimes: map[string]Override{
			"volatile": {TP1ROI: Float(0.008), TrailATRMult: Float(1.5)},
		},
	}

	got := Resolve(defaults, sp, "volatile")
	want := defaults
	want.TP1ROI = 0.008
	want.MinHoldMinutes = 20
	want.TrailATRMult = 1.5
	assert.Empty(t, cmp.Diff(want, got))

	got = Resolve(defaults, sp, "choppy")
	want = defaults
	want.TP1ROI = 0.006
	want.MinHoldMinutes = 20
	assert.Empty(t, cmp.Diff(want, got))

	set := PolicySet{Defaults: defaults}
	assert.Equal(t, defaults, set.Resolve("UNKNOWN", "volatile"))
}

func TestParamsValidate(t *testing.T) {
	require.NoError(t, defaultParams().Validate())

	bad := defaultParams()
	bad.TP2ROI = bad.TP1ROI
	bad.StopLossROI = 0.01
	assert.Error(t, bad.Validate())
}

func TestPolicyStoreSnapshotIsCopy(t *testing.T) {
	policies, _, st := newTestStores(t)
	ctx := context.Background()

	sp := SymbolPolicy{
		Override: Override{TP2ROI: Float(0.012)},
		Regimes:  map[string]Override{"trending": {RunnerSize: Float(0.3)}},
	}
	require.NoError(t, policies.SaveSymbol(ctx, "BTC", sp))
	*sp.TP2ROI = 0.5

	snap, err := policies.Snapshot(ctx)
	require.NoError(t, err)
	*snap.Symbols["BTC"].TP2ROI = 0.9
	snap.Symbols["BTC"].Regimes["trending"] = Override{}

	again, err := policies.Snapshot(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.012, *again.Symbols["BTC"].TP2ROI, 1e-12)
	assert.InDelta(t, 0.3, *again.Symbols["BTC"].Regimes["trending"].RunnerSize, 1e-12)

	cfg, err := config.Default()
	require.NoError(t, err)
	reloaded, err := NewSQLitePolicyStore(ctx, st, config.NewStaticStore(*cfg), nil)
	require.NoError(t, err)
	fromDB, err := reloaded.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(again, fromDB))
}

func TestEventLogListSince(t *testing.T) {
	_, events, _ := newTestStores(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	for i, typ := range []ExitType{ExitTP1, ExitTP2, ExitClosed} {
		require.NoError(t, events.Append(ctx, ExitEvent{
			PositionID: "p", Symbol: "BTC", ExitType: typ, Params: defaultParams(),
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	got, err := events.ListSince(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ExitTP2, got[0].ExitType)
	assert.Equal(t, ExitClosed, got[1].ExitType)
	assert.Equal(t, defaultParams(), got[0].Params)
}

func TestAdapterLifecycle(t *testing.T) {
	policies, events, _ := newTestStores(t)
	ctx := context.Background()
	rec := &monitor.MemoryRecorder{}
	require.NoError(t, policies.SaveSymbol(ctx, "X", SymbolPolicy{
		Regimes: map[string]Override{"volatile": {TP1ROI: Float(0.004)}},
	}))

	a := NewAdapter(policies, events, rec, nil)
	params, err := a.Attach(ctx, "p1", "X", "volatile", time.Now())
	require.NoError(t, err)
	assert.InDelta(t, 0.004, params.TP1ROI, 1e-12)

	_, err = a.Attach(ctx, "p1", "X", "volatile", time.Now())
	assert.True(t, errors.Is(err, ErrAlreadyAttached))
	assert.Equal(t, []string{"p1"}, a.Active())

	d, err := a.Update(ctx, "p1", Tick{ROI: 0.0045, ATRROI: 0.002, MinutesOpen: 31})
	require.NoError(t, err)
	assert.Equal(t, ActionTP1, d.Action)
	assert.Len(t, rec.Events(monitor.EventExitDecision), 1)

	_, err = a.Update(ctx, "missing", Tick{})
	assert.True(t, errors.Is(err, ErrUnknownPosition))

	require.NoError(t, a.OnClose(ctx, "p1", FinalState{ROI: 0.003, MinutesOpen: 45, Reason: "manual"}))
	assert.Empty(t, a.Active())
	assert.True(t, errors.Is(a.OnClose(ctx, "p1", FinalState{}), ErrUnknownPosition))

	logged, err := events.ListSince(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, logged, 2)
	assert.Equal(t, ExitTP1, logged[0].ExitType)
	assert.Equal(t, ExitClosed, logged[1].ExitType)
	assert.Equal(t, "manual", logged[1].Reason)
}

func TestAdapterFallsBackOnInvalidPolicy(t *testing.T) {
	policies, events, _ := newTestStores(t)
	ctx := context.Background()
	require.NoError(t, policies.SaveSymbol(ctx, "BAD", SymbolPolicy{Override: Override{StopLossROI: Float(0.02)}}))

	a := NewAdapter(policies, events, nil, nil)
	params, err := a.Attach(ctx, "p", "BAD", "", time.Now())
	require.NoError(t, err)
	assert.InDelta(t, -0.010, params.StopLossROI, 1e-12)
}

func TestAdapterInvalidRegimeKeepsSymbolOverrides(t *testing.T) {
	policies, events, _ := newTestStores(t)
	ctx := context.Background()
	require.NoError(t, policies.SaveSymbol(ctx, "SOL", SymbolPolicy{
		Override: Override{TP1ROI: Float(0.008), TP2ROI: Float(0.02)},
		Regimes:  map[string]Override{"volatile": {TP2ROI: Float(0.007)}},
	}))

	a := NewAdapter(policies, events, nil, nil)
	params, err := a.Attach(ctx, "p1", "SOL", "volatile", time.Now())
	require.NoError(t, err)
	assert.InDelta(t, 0.008, params.TP1ROI, 1e-12)
	assert.InDelta(t, 0.02, params.TP2ROI, 1e-12)

	params, err = a.Attach(ctx, "p2", "SOL", "", time.Now())
	require.NoError(t, err)
	assert.InDelta(t, 0.008, params.TP1ROI, 1e-12)
}

func TestPolicyYAMLRoundTrip(t *testing.T) {
	set := PolicySet{
		Defaults: defaultParams(),
		Symbols: map[string]SymbolPolicy{
			"BTC": {
				Override: Override{TP1ROI: Float(0.006)},
				Regimes:  map[string]Override{"volatile": {TrailATRMult: Float(1.4)}},
			},
			"ETH": {Override: Override{MinHoldMinutes: Float(45)}},
		},
	}
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, WritePolicyYAML(path, set))

	loaded, err := LoadPolicyYAML(path)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(set, loaded))
}
