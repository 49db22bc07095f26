package storage

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/perpguard/internal/risk"
	"github.com/skalibog/perpguard/pkg/models"
)

func TestSignalPoint(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	p := signalPoint(ts, 2, models.RankedMarket{
		MarketID:  "BTCUSDT",
		Composite: 72.5,
		Signals:   models.SignalSet{Momentum: 90, Volume: 60, Volatility: 40, OrderbookImbalance: 100, Price: 65000},
	})

	line := write.PointToLineProtocol(p, time.Second)
	assert.Contains(t, line, "signals,market=BTCUSDT ")
	assert.Contains(t, line, "composite=72.5")
	assert.Contains(t, line, "rank=2i")
	assert.Contains(t, line, "orderbook_imbalance=100")
	assert.Contains(t, line, " 1700000000")
}

func TestEmergencyPoint(t *testing.T) {
	ev := risk.EmergencyDeleverage{
		ID:               uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"),
		MarketID:         "ETHUSDT",
		Size:             decimal.RequireFromString("-2.5"),
		MarkPrice:        decimal.RequireFromString("3100"),
		LiquidationPrice: decimal.RequireFromString("3200"),
		Distance:         decimal.RequireFromString("0.03"),
		Time:             time.Unix(1700000000, 0),
	}

	line := write.PointToLineProtocol(emergencyPoint(ev), time.Second)
	assert.Contains(t, line, "emergency_deleverage,market=ETHUSDT ")
	assert.Contains(t, line, `id="6ba7b810-9dad-11d1-80b4-00c04fd430c8"`)
	assert.Contains(t, line, "size=-2.5")
}

func TestHistoryQuery(t *testing.T) {
	q, err := historyQuery("perp", "BTCUSDT", 0)
	require.NoError(t, err)
	assert.Contains(t, q, `from(bucket: "perp")`)
	assert.Contains(t, q, `r.market == "BTCUSDT"`)
	assert.Contains(t, q, "limit(n: 100)")

	_, err = historyQuery("perp", `BTC") |> drop()`, 10)
	assert.ErrorIs(t, err, ErrBadMarket)
}
