package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Kelly.MinSamples)
	assert.InDelta(t, 0.5, cfg.Kelly.KellyMultiplier, 1e-12)
	assert.Equal(t, []float64{0.006, 0.010, 0.015}, cfg.Leverage.LadderROI)
	assert.Equal(t, 168*time.Hour, cfg.Tuner.Lookback)
	assert.InDelta(t, 30.0, cfg.Exit.MinHoldMinutes, 1e-12)
}

func TestLoadOverridesAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
app:
  environment: test
exit:
  tp1_roi: 0.004
  tp2_roi: 0.012
leverage:
  hard_cap: 3
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test", cfg.App.Environment)
	assert.InDelta(t, 0.004, cfg.Exit.TP1ROI, 1e-12)
	assert.InDelta(t, 3.0, cfg.Leverage.HardCap, 1e-12)
}

func TestLoadRejectsInvertedTakeProfits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("exit:\n  tp1_roi: 0.02\n  tp2_roi: 0.01\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit.tp2_roi")
}

func TestStoreRefreshKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("leverage:\n  hard_cap: 4\n"), 0o600))

	store, err := NewStore(path)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, store.Current().Leverage.HardCap, 1e-12)

	require.NoError(t, os.WriteFile(path, []byte("leverage:\n  hard_cap: 0.5\n"), 0o600))
	changed, err := store.Refresh()
	require.Error(t, err)
	assert.False(t, changed)
	assert.InDelta(t, 4.0, store.Current().Leverage.HardCap, 1e-12)

	require.NoError(t, os.WriteFile(path, []byte("leverage:\n  hard_cap: 2\n"), 0o600))
	changed, err = store.Refresh()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.InDelta(t, 2.0, store.Current().Leverage.HardCap, 1e-12)
}

func TestCurrentReturnsCopy(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)
	store := NewStaticStore(*cfg)

	snapshot := store.Current()
	snapshot.Leverage.LadderROI[0] = 99

	assert.InDelta(t, 0.006, store.Current().Leverage.LadderROI[0], 1e-12)
}
