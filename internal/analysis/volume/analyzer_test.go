package volume

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/skalibog/perpguard/internal/config"
)

func testConfig() config.VolumeConfig {
	return config.VolumeConfig{ReferenceVolume: 1e9, ReferenceTrades: 1e6, TradeCountWeight: 0.3}
}

func TestScoreMonotone(t *testing.T) {
	a := NewAnalyzer(testConfig())

	prev := a.Score(0, 0)
	for _, v := range []float64{1, 10, 1e3, 1e6, 1e9, 1e12} {
		s := a.Score(v, 1000)
		assert.GreaterOrEqual(t, s, prev)
		assert.LessOrEqual(t, s, 100.0)
		prev = s
	}
}

func TestScoreBounds(t *testing.T) {
	a := NewAnalyzer(testConfig())
	assert.Equal(t, 0.0, a.Score(0, 0))
	assert.InDelta(t, 100.0, a.Score(1e15, 1e9), 1e-9)
}

func TestScoreTradeCountBlend(t *testing.T) {
	a := NewAnalyzer(config.VolumeConfig{ReferenceVolume: 1e9, ReferenceTrades: 1e6, TradeCountWeight: 0})
	assert.Equal(t, a.Score(1e6, 0), a.Score(1e6, 1e6))

	b := NewAnalyzer(testConfig())
	assert.Greater(t, b.Score(1e6, 1e6), b.Score(1e6, 0))
}
