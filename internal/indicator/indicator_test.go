package indicator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trades-risk/internal/exchange"
)

func flatCandles(n int) []exchange.Candle {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]exchange.Candle, n)
	for i := range out {
		out[i] = exchange.Candle{
			Timestamp: start.Add(time.Duration(i) * 15 * time.Minute),
			Open:      100,
			High:      101,
			Low:       99,
			Close:     100,
		}
	}
	return out
}

func TestComputeATRConstantRange(t *testing.T) {
	res, err := ComputeATR(flatCandles(40), 14)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, res.Absolute, 1e-9)
	assert.InDelta(t, 0.02, res.Relative, 1e-9)
}

func TestComputeATRRejectsShortSeries(t *testing.T) {
	_, err := ComputeATR(flatCandles(10), 14)
	require.Error(t, err)
}

func TestRealizedVolatilityFlatIsZero(t *testing.T) {
	assert.InDelta(t, 0.0, RealizedVolatility(flatCandles(30), 20), 1e-12)
	assert.InDelta(t, 0.0, RealizedVolatility(flatCandles(1), 20), 1e-12)
}

type countingSource struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *countingSource) FetchCandles(_ context.Context, _, _ string, limit int64) ([]exchange.Candle, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return flatCandles(int(limit)), nil
}

func TestATRProviderCachesUntilTTL(t *testing.T) {
	src := &countingSource{}
	p := NewATRProvider(src, "15m", 14, time.Minute, nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	roi, err := p.ATRROI(context.Background(), "BTC/USDT:USDT")
	require.NoError(t, err)
	assert.InDelta(t, 0.02, roi, 1e-9)

	_, err = p.ATRROI(context.Background(), "BTC/USDT:USDT")
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)

	now = now.Add(2 * time.Minute)
	_, err = p.ATRROI(context.Background(), "BTC/USDT:USDT")
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestATRProviderPropagatesSourceError(t *testing.T) {
	src := &countingSource{err: errors.New("boom")}
	p := NewATRProvider(src, "", 0, time.Minute, nil)

	_, err := p.RealizedVolatility(context.Background(), "ETH/USDT:USDT")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ETH/USDT:USDT")
}
