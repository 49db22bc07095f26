package engine

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/perpguard/internal/config"
	"github.com/skalibog/perpguard/pkg/models"
)

func testConfig() config.SignalsConfig {
	return config.SignalsConfig{
		WindowSize: 16,
		WindowTTL:  time.Minute,
		Momentum:   config.MomentumConfig{Lookback: 10, Sensitivity: 1},
		Volume:     config.VolumeConfig{ReferenceVolume: 1e9, ReferenceTrades: 1e6, TradeCountWeight: 0.3},
		Volatility: config.VolatilityConfig{SpreadReferenceBps: 5, RealizedReferenceBps: 20, RealizedWeight: 0.5},
	}
}

var base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func tick(seq int, price float64) models.MarketUpdate {
	return models.MarketUpdate{
		MarketID:       "BTCUSDT",
		Timestamp:      base.Add(time.Duration(seq) * time.Second),
		LastPrice:      price,
		Bid:            price - 0.05,
		Ask:            price + 0.05,
		BidSize:        5,
		AskSize:        5,
		TradeVolume24h: 1e8,
		TradeCount24h:  1e5,
		MarkPrice:      price,
		IndexPrice:     price,
		FundingRate:    0.0001,
	}
}

func inRange(t *testing.T, s models.SignalSet) {
	t.Helper()
	for _, v := range []float64{s.Momentum, s.Volume, s.Volatility, s.OrderbookImbalance} {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 100.0)
	}
}

func TestFirstUpdateIsNeutral(t *testing.T) {
	e := New("BTCUSDT", testConfig())

	_, ok := e.Latest()
	assert.False(t, ok)

	set, ok := e.OnUpdate(tick(0, 100))
	require.True(t, ok)
	assert.Equal(t, 50.0, set.Momentum)
	assert.Equal(t, 50.0, set.Volume)
	assert.Equal(t, 50.0, set.Volatility)
	assert.Equal(t, 50.0, set.OrderbookImbalance)
	assert.Equal(t, 100.0, set.Price)
	assert.Equal(t, 0.0001, set.FundingRate)

	latest, ok := e.Latest()
	require.True(t, ok)
	assert.Equal(t, set, latest)
}

func TestRisingPriceRaisesMomentum(t *testing.T) {
	e := New("BTCUSDT", testConfig())

	first, ok := e.OnUpdate(tick(1, 100))
	require.True(t, ok)
	_, ok = e.OnUpdate(tick(2, 101))
	require.True(t, ok)
	third, ok := e.OnUpdate(tick(3, 102))
	require.True(t, ok)

	assert.GreaterOrEqual(t, third.Momentum, first.Momentum)
	assert.Greater(t, third.Momentum, 50.0)
	inRange(t, third)
}

func TestInvalidUpdatesAreSkipped(t *testing.T) {
	e := New("BTCUSDT", testConfig())
	good, ok := e.OnUpdate(tick(1, 100))
	require.True(t, ok)

	nan := tick(2, 100)
	nan.LastPrice = math.NaN()
	_, ok = e.OnUpdate(nan)
	assert.False(t, ok)

	missing := tick(3, 100)
	missing.Bid = 0
	_, ok = e.OnUpdate(missing)
	assert.False(t, ok)

	foreign := tick(4, 100)
	foreign.MarketID = "ETHUSDT"
	_, ok = e.OnUpdate(foreign)
	assert.False(t, ok)

	latest, ok := e.Latest()
	require.True(t, ok)
	assert.Equal(t, good, latest)
	assert.Equal(t, 1, e.WindowLen())

	_, ok = e.OnUpdate(tick(5, 101))
	assert.True(t, ok)
}

func TestOlderTimestampSkipped(t *testing.T) {
	e := New("BTCUSDT", testConfig())
	_, ok := e.OnUpdate(tick(10, 100))
	require.True(t, ok)

	_, ok = e.OnUpdate(tick(5, 90))
	assert.False(t, ok)

	// equal timestamps are accepted
	set, ok := e.OnUpdate(tick(10, 100))
	require.True(t, ok)
	assert.Equal(t, base.Add(10*time.Second), set.Timestamp)
}

func TestWindowBounded(t *testing.T) {
	cfg := testConfig()
	cfg.WindowSize = 4
	e := New("BTCUSDT", cfg)

	for i := 0; i < 20; i++ {
		_, ok := e.OnUpdate(tick(i, 100+float64(i)))
		require.True(t, ok)
	}
	assert.Equal(t, 4, e.WindowLen())

	// a long gap expires everything but the newest sample
	_, ok := e.OnUpdate(tick(1000, 100))
	require.True(t, ok)
	assert.Equal(t, 1, e.WindowLen())
}

func TestScoresStayInRange(t *testing.T) {
	e := New("BTCUSDT", testConfig())
	prices := []float64{100, 250, 3, 1e6, 0.0001, 50, 50, 1e-9, 7e7}

	for i, p := range prices {
		u := tick(i, p)
		u.Bid = p * 0.5
		u.Ask = p * 1.5
		u.BidSize = float64(i * 1000)
		u.AskSize = 0
		u.TradeVolume24h = math.Pow(10, float64(i*3))
		set, ok := e.OnUpdate(u)
		require.True(t, ok)
		inRange(t, set)
	}
}
