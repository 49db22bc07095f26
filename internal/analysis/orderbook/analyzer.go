package orderbook

import (
	"math"

	"github.com/skalibog/perpguard/internal/config"
	"github.com/skalibog/perpguard/pkg/models"
)

// Analyzer scores the top of book size imbalance
type Analyzer struct {
	config config.OrderBookConfig
}

// NewAnalyzer creates an orderbook imbalance analyzer
func NewAnalyzer(cfg config.OrderBookConfig) *Analyzer {
	return &Analyzer{
		config: cfg,
	}
}

// Score returns 100·bid/(bid+ask): 50 for a balanced book, towards 100
// when bids dominate and towards 0 when asks dominate.
func (a *Analyzer) Score(bidSize, askSize float64) float64 {
	total := bidSize + askSize
	if total <= 0 {
		return models.NeutralScore
	}

	score := 100 * bidSize / total

	// Near-balanced books snap to neutral
	if math.Abs(score-models.NeutralScore) < a.config.ImbalanceThreshold {
		score = models.NeutralScore
	}
	return models.Clamp(score)
}
