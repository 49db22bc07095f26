package momentum

import (
	"math"

	"github.com/markcheno/go-talib"

	"github.com/skalibog/perpguard/internal/config"
	"github.com/skalibog/perpguard/pkg/models"
)

// Analyzer scores recent price change
type Analyzer struct {
	config config.MomentumConfig
}

// NewAnalyzer creates a momentum analyzer
func NewAnalyzer(cfg config.MomentumConfig) *Analyzer {
	if cfg.Lookback < 1 {
		cfg.Lookback = 1
	}
	if cfg.Sensitivity <= 0 {
		cfg.Sensitivity = 1
	}
	return &Analyzer{
		config: cfg,
	}
}

// ChangePct returns the rate of change in percent of the last price over
// the lookback, shortened to what the window holds.
func (a *Analyzer) ChangePct(prices []float64) float64 {
	n := len(prices)
	if n < 2 {
		return 0
	}
	period := a.config.Lookback
	if period > n-1 {
		period = n - 1
	}

	roc := talib.Roc(prices, period)
	pct := roc[n-1]
	if math.IsNaN(pct) || math.IsInf(pct, 0) {
		return 0
	}
	return pct
}

// Score maps the change through tanh so that moves of either sign are
// treated alike and the result saturates at 0 and 100.
func (a *Analyzer) Score(prices []float64) float64 {
	pct := a.ChangePct(prices)
	return models.Clamp(models.NeutralScore + 50*math.Tanh(pct/a.config.Sensitivity))
}
