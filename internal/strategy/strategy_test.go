package strategy

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/perpguard/pkg/models"
)

func TestClassify(t *testing.T) {
	th := DefaultThresholds()

	assert.Equal(t, Buy, th.Classify(80))
	assert.Equal(t, Buy, th.Classify(95))
	assert.Equal(t, Hold, th.Classify(79.9))
	assert.Equal(t, Hold, th.Classify(30.1))
	assert.Equal(t, Sell, th.Classify(30))
	assert.Equal(t, Sell, th.Classify(0))
	assert.Equal(t, "BUY", Buy.String())
}

func TestTriggersKeepOrder(t *testing.T) {
	ranking := models.OpportunityRanking{
		{MarketID: "BTCUSDT", Composite: 85},
		{MarketID: "ETHUSDT", Composite: 50},
		{MarketID: "SOLUSDT", Composite: 10},
	}
	got := DefaultThresholds().Triggers(ranking)
	require.Len(t, got, 3)
	assert.Equal(t, []Signal{Buy, Hold, Sell}, []Signal{got[0].Signal, got[1].Signal, got[2].Signal})
}

func TestAllocateProportional(t *testing.T) {
	ranking := models.OpportunityRanking{
		{MarketID: "BTCUSDT", Composite: 60},
		{MarketID: "ETHUSDT", Composite: 20},
		{MarketID: "SOLUSDT", Composite: 0},
	}

	got := Allocate(ranking, 20, 80)
	require.Len(t, got, 3)
	assert.InDelta(t, 60.0, got[0].Percent, 1e-9)
	assert.InDelta(t, 20.0, got[1].Percent, 1e-9)
	assert.Equal(t, 0.0, got[2].Percent)
}

func TestAllocateTopN(t *testing.T) {
	ranking := make(models.OpportunityRanking, 30)
	for i := range ranking {
		ranking[i] = models.RankedMarket{MarketID: fmt.Sprintf("M%02d", i), Composite: float64(90 - i)}
	}

	got := Allocate(ranking, 20, 80)
	require.Len(t, got, 20)

	var total float64
	for _, a := range got {
		total += a.Percent
	}
	assert.InDelta(t, 80.0, total, 1e-9)
	assert.Greater(t, got[0].Percent, got[19].Percent)

	assert.Nil(t, Allocate(nil, 20, 80))
	zero := Allocate(models.OpportunityRanking{{MarketID: "X"}}, 20, 80)
	assert.Equal(t, 0.0, zero[0].Percent)
}
