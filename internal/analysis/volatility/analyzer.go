package volatility

import (
	"math"

	"github.com/markcheno/go-talib"

	"github.com/skalibog/perpguard/internal/config"
	"github.com/skalibog/perpguard/pkg/models"
)

// Analyzer scores quoted spread and realized volatility. Wider and
// noisier markets score higher.
type Analyzer struct {
	config config.VolatilityConfig
}

// NewAnalyzer creates a volatility analyzer
func NewAnalyzer(cfg config.VolatilityConfig) *Analyzer {
	if cfg.SpreadReferenceBps <= 0 {
		cfg.SpreadReferenceBps = 5
	}
	if cfg.RealizedReferenceBps <= 0 {
		cfg.RealizedReferenceBps = 20
	}
	if cfg.RealizedWeight < 0 || cfg.RealizedWeight > 1 {
		cfg.RealizedWeight = 0
	}
	return &Analyzer{
		config: cfg,
	}
}

// SpreadBps returns the top of book spread relative to mid, crossed books count as zero
func SpreadBps(bid, ask float64) float64 {
	mid := (bid + ask) / 2
	if mid <= 0 || ask <= bid {
		return 0
	}
	return (ask - bid) / mid * 1e4
}

// RealizedBps returns the population standard deviation of log returns in bps
func RealizedBps(prices []float64) (float64, bool) {
	returns := make([]float64, 0, len(prices))
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 || prices[i] <= 0 {
			continue
		}
		returns = append(returns, math.Log(prices[i]/prices[i-1]))
	}
	if len(returns) < 2 {
		return 0, false
	}

	sd := talib.StdDev(returns, len(returns), 1)
	v := sd[len(sd)-1] * 1e4
	if math.IsNaN(v) || v < 0 {
		return 0, false
	}
	return v, true
}

// Score blends the spread and realized volatility curves
func (a *Analyzer) Score(bid, ask float64, prices []float64) float64 {
	spread := saturate(SpreadBps(bid, ask), a.config.SpreadReferenceBps)

	realized, ok := RealizedBps(prices)
	if !ok {
		return models.Clamp(spread)
	}

	w := a.config.RealizedWeight
	return models.Clamp((1-w)*spread + w*saturate(realized, a.config.RealizedReferenceBps))
}

func saturate(bps, ref float64) float64 {
	return 100 * (1 - math.Exp(-bps/ref))
}
