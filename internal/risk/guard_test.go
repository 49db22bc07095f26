package risk

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/perpguard/internal/config"
	"github.com/skalibog/perpguard/internal/metrics"
)

func testOptions() config.Options {
	return config.Options{
		MarginCeiling:             0.85,
		MarginWarning:             0.75,
		LiquidationFloor:          0.10,
		EmergencyLiquidationFloor: 0.05,
	}
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaintenanceMarginRate: 0.005,
		DefaultLeverage:       5,
		MaxLeverage:           20,
		SizePrecision:         4,
		EventBuffer:           4,
	}
}

func newTestGuard(t *testing.T) *Guard {
	t.Helper()
	g, err := NewGuard(testOptions(), testRiskConfig(), decimal.NewFromInt(10000))
	require.NoError(t, err)
	return g
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func change(market, size, price string) PositionChange {
	return PositionChange{MarketID: market, SizeDelta: d(size), Price: d(price)}
}

func TestNewGuardValidates(t *testing.T) {
	opts := testOptions()
	opts.MarginWarning = 0.9
	_, err := NewGuard(opts, testRiskConfig(), decimal.NewFromInt(1))
	assert.Error(t, err)

	opts = testOptions()
	opts.EmergencyLiquidationFloor = 0.2
	_, err = NewGuard(opts, testRiskConfig(), decimal.NewFromInt(1))
	assert.Error(t, err)

	cfg := testRiskConfig()
	cfg.DefaultLeverage = 50
	_, err = NewGuard(testOptions(), cfg, decimal.NewFromInt(1))
	assert.Error(t, err)

	_, err = NewGuard(testOptions(), testRiskConfig(), decimal.NewFromInt(-1))
	assert.Error(t, err)
}

func TestEvaluateThresholds(t *testing.T) {
	g := newTestGuard(t)
	account := NewAccount(decimal.NewFromInt(10000))

	// 460 @ 100 with 5x locks 9,200 of margin: 92%
	dec := g.Evaluate(change("BTCUSDT", "460", "100"), account)
	assert.Equal(t, Reject, dec.Action)
	assert.Equal(t, ReasonMarginCeiling, dec.Reason)
	assert.True(t, dec.Size.IsZero())
	assert.Equal(t, "0.92", dec.Utilization.String())

	// 8,000: 80% is past the warning, shrink to 75%
	dec = g.Evaluate(change("BTCUSDT", "400", "100"), account)
	assert.Equal(t, Shrink, dec.Action)
	assert.Equal(t, "375", dec.Size.String())
	assert.Equal(t, "0.75", dec.Utilization.String())

	// 5,000: 50%
	dec = g.Evaluate(change("BTCUSDT", "250", "100"), account)
	assert.Equal(t, Approve, dec.Action)
	assert.Equal(t, "250", dec.Size.String())
	assert.Equal(t, "0.5", dec.Utilization.String())
	assert.Equal(t, "0.195", dec.MinLiquidationDistance.String())

	// Evaluate is pure
	assert.Empty(t, account.Positions)
	assert.Empty(t, g.Snapshot().Positions)
}

func TestEvaluateTakesEquityAsGiven(t *testing.T) {
	g := newTestGuard(t)

	dec := g.Evaluate(change("BTCUSDT", "250", "100"), AccountMarginState{Equity: d("10000")})
	assert.Equal(t, Approve, dec.Action)
	assert.Equal(t, "250", dec.Size.String())
	assert.Equal(t, "0.5", dec.Utilization.String())

	// equity wins over a stale balance
	dec = g.Evaluate(change("BTCUSDT", "250", "100"), AccountMarginState{Balance: d("1"), Equity: d("10000")})
	assert.Equal(t, Approve, dec.Action)

	dec = g.Evaluate(change("BTCUSDT", "250", "100"), AccountMarginState{})
	assert.Equal(t, Reject, dec.Action)
	assert.Equal(t, ReasonNoEquity, dec.Reason)
}

func TestEvaluateCountsMarginOutsidePositions(t *testing.T) {
	g := newTestGuard(t)

	// 7,000 already locked plus 5,000 more is 120%
	account := NewAccount(decimal.NewFromInt(10000))
	account.UsedMargin = d("7000")
	dec := g.Evaluate(change("BTCUSDT", "250", "100"), account)
	assert.Equal(t, Reject, dec.Action)
	assert.Equal(t, ReasonMarginCeiling, dec.Reason)
	assert.Equal(t, "1.2", dec.Utilization.String())

	// 3,000 + 5,000 is 80%: shrink to fill the 4,500 left below 75%
	account.UsedMargin = d("3000")
	dec = g.Evaluate(change("BTCUSDT", "250", "100"), account)
	assert.Equal(t, Shrink, dec.Action)
	assert.Equal(t, "225", dec.Size.String())
	assert.Equal(t, "0.75", dec.Utilization.String())

	// margin of listed positions is not counted twice
	require.Equal(t, Approve, g.Submit(change("ETHUSDT", "100", "100")).Action)
	snap := g.Snapshot()
	assert.Equal(t, "2000", snap.UsedMargin.String())
	dec = g.Evaluate(change("BTCUSDT", "250", "100"), snap)
	assert.Equal(t, Approve, dec.Action)
	assert.Equal(t, "0.7", dec.Utilization.String())
}

func TestEvaluateShortShrinkKeepsSign(t *testing.T) {
	g := newTestGuard(t)
	dec := g.Evaluate(change("ETHUSDT", "-400", "100"), NewAccount(decimal.NewFromInt(10000)))
	assert.Equal(t, Shrink, dec.Action)
	assert.Equal(t, "-375", dec.Size.String())
}

func TestEvaluateMonotoneInSize(t *testing.T) {
	g := newTestGuard(t)
	account := NewAccount(decimal.NewFromInt(10000))

	prev := Approve
	for size := int64(1); size <= 600; size += 7 {
		dec := g.Evaluate(PositionChange{
			MarketID:  "BTCUSDT",
			SizeDelta: decimal.NewFromInt(size),
			Price:     decimal.NewFromInt(100),
		}, account)
		require.GreaterOrEqual(t, int(dec.Action), int(prev), "size %d", size)
		prev = dec.Action
	}
	assert.Equal(t, Reject, prev)
}

func TestEvaluateRejectsInvalid(t *testing.T) {
	g := newTestGuard(t)
	account := NewAccount(decimal.NewFromInt(10000))

	tests := []struct {
		name   string
		change PositionChange
		reason string
	}{
		{"empty market", change("", "1", "100"), ReasonEmptyMarket},
		{"zero size", change("BTCUSDT", "0", "100"), ReasonZeroSize},
		{"no price", change("BTCUSDT", "1", "0"), ReasonNoPrice},
		{"leverage too high", PositionChange{MarketID: "BTCUSDT", SizeDelta: d("1"), Price: d("100"), Leverage: d("50")}, ReasonLeverage},
		{"leverage breaches floor", PositionChange{MarketID: "BTCUSDT", SizeDelta: d("1"), Price: d("100"), Leverage: d("10")}, ReasonLiquidationFloor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := g.Evaluate(tt.change, account)
			assert.Equal(t, Reject, dec.Action)
			assert.Equal(t, tt.reason, dec.Reason)
		})
	}
}

func TestSubmitAppliesAndReduceOnlyAlwaysApproved(t *testing.T) {
	g := newTestGuard(t)

	dec := g.Submit(change("BTCUSDT", "300", "100"))
	require.Equal(t, Approve, dec.Action)

	snap := g.Snapshot()
	pos := snap.Positions["BTCUSDT"]
	assert.Equal(t, "300", pos.Size.String())
	assert.Equal(t, "80.5", pos.LiquidationPrice.String())
	assert.Equal(t, "6000", snap.UsedMargin.String())

	// adding more would cross the ceiling
	dec = g.Submit(change("BTCUSDT", "200", "100"))
	assert.Equal(t, Reject, dec.Action)

	// drag the mark close to liquidation; reducing must still pass
	g.OnMarkPrice("BTCUSDT", 82)
	dec = g.Submit(PositionChange{MarketID: "BTCUSDT", SizeDelta: d("-100")})
	assert.Equal(t, Approve, dec.Action)
	assert.Equal(t, ReasonReduceOnly, dec.Reason)

	snap = g.Snapshot()
	pos = snap.Positions["BTCUSDT"]
	assert.Equal(t, "200", pos.Size.String())
	assert.Equal(t, "100", pos.EntryPrice.String())
	// 100 lots closed 18 below entry
	assert.Equal(t, "8200", snap.Balance.String())

	dec = g.Submit(PositionChange{MarketID: "BTCUSDT", SizeDelta: d("-200")})
	assert.Equal(t, Approve, dec.Action)
	assert.Empty(t, g.Snapshot().Positions)
}

func TestFlipApprovesReducingPart(t *testing.T) {
	g := newTestGuard(t)
	require.Equal(t, Approve, g.Submit(change("BTCUSDT", "100", "100")).Action)

	// closing 100 and opening 50 short fits
	dec := g.Evaluate(PositionChange{MarketID: "BTCUSDT", SizeDelta: d("-150"), Price: d("100")}, g.Snapshot())
	assert.Equal(t, Approve, dec.Action)
	assert.Equal(t, "-150", dec.Size.String())

	dec = g.Evaluate(PositionChange{MarketID: "BTCUSDT", SizeDelta: d("-1000"), Price: d("100")}, g.Snapshot())
	assert.Equal(t, Shrink, dec.Action)
	assert.Equal(t, "-100", dec.Size.String())
}

func TestAveragingUsesWeightedEntry(t *testing.T) {
	g := newTestGuard(t)
	require.Equal(t, Approve, g.Submit(change("BTCUSDT", "10", "100")).Action)
	require.Equal(t, Approve, g.Submit(change("BTCUSDT", "30", "120")).Action)

	pos := g.Snapshot().Positions["BTCUSDT"]
	assert.Equal(t, "40", pos.Size.String())
	assert.Equal(t, "115", pos.EntryPrice.String())

	dec := g.Submit(PositionChange{MarketID: "BTCUSDT", SizeDelta: d("1"), Price: d("120"), Leverage: d("3")})
	assert.Equal(t, Reject, dec.Action)
	assert.Equal(t, ReasonLeverageChange, dec.Reason)
}

func TestEmergencyDeleverageEdgeTriggered(t *testing.T) {
	g := newTestGuard(t)
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	g.now = func() time.Time { return fixed }

	require.Equal(t, Approve, g.Submit(change("BTCUSDT", "10", "100")).Action)

	g.OnMarkPrice("BTCUSDT", 90)
	assert.Empty(t, g.Events())

	g.OnMarkPrice("BTCUSDT", 84)
	require.Len(t, g.Events(), 1)
	ev := <-g.Events()
	assert.Equal(t, "BTCUSDT", ev.MarketID)
	assert.Equal(t, "10", ev.Size.String())
	assert.Equal(t, "80.5", ev.LiquidationPrice.String())
	assert.True(t, ev.Distance.LessThan(d("0.05")))
	assert.Equal(t, fixed, ev.Time)
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", ev.ID.String())

	// still inside the floor: no repeat
	g.OnMarkPrice("BTCUSDT", 83)
	assert.Empty(t, g.Events())

	// recovers, then crosses again
	g.OnMarkPrice("BTCUSDT", 95)
	g.OnMarkPrice("BTCUSDT", 82)
	assert.Len(t, g.Events(), 1)
}

func TestEmergencyOverflowDoesNotBlock(t *testing.T) {
	g := newTestGuard(t)
	require.Equal(t, Approve, g.Submit(change("BTCUSDT", "1", "100")).Action)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			g.OnMarkPrice("BTCUSDT", 95)
			g.OnMarkPrice("BTCUSDT", 81)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnMarkPrice blocked on a full event buffer")
	}
	assert.Len(t, g.Events(), 4)
}

func TestOnMarkPriceUpdatesEquity(t *testing.T) {
	g := newTestGuard(t)
	require.Equal(t, Approve, g.Submit(change("ETHUSDT", "-10", "100")).Action)

	g.OnMarkPrice("ETHUSDT", 90)
	snap := g.Snapshot()
	assert.Equal(t, "10100", snap.Equity.String())
	assert.Equal(t, "90", snap.Positions["ETHUSDT"].MarkPrice.String())

	// ignored
	g.OnMarkPrice("ETHUSDT", -1)
	g.OnMarkPrice("", 10)

	mark, ok := g.Mark("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, "90", mark.String())
}

func TestSnapshotIsolated(t *testing.T) {
	g := newTestGuard(t)
	require.Equal(t, Approve, g.Submit(change("BTCUSDT", "1", "100")).Action)

	snap := g.Snapshot()
	snap.Positions["BTCUSDT"] = Position{MarketID: "BTCUSDT", Size: d("999")}
	delete(snap.Positions, "BTCUSDT")

	assert.Equal(t, "1", g.Snapshot().Positions["BTCUSDT"].Size.String())
}

func TestDryRunUsesMarkWithoutApplying(t *testing.T) {
	g := newTestGuard(t)
	g.OnMarkPrice("BTCUSDT", 100)

	counted := metrics.RiskDecisions.WithLabelValues("dry_run", "approve")
	before := testutil.ToFloat64(counted)

	dec := g.DryRun(PositionChange{MarketID: "BTCUSDT", SizeDelta: d("100")})
	assert.Equal(t, Approve, dec.Action)
	assert.Empty(t, g.Snapshot().Positions)
	assert.Equal(t, before+1, testutil.ToFloat64(counted))
}
