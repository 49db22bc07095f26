package volume

import (
	"math"

	"github.com/skalibog/perpguard/internal/config"
	"github.com/skalibog/perpguard/pkg/models"
)

// Analyzer scores 24h traded volume and trade count
type Analyzer struct {
	config config.VolumeConfig
}

// NewAnalyzer creates a volume analyzer
func NewAnalyzer(cfg config.VolumeConfig) *Analyzer {
	if cfg.ReferenceVolume <= 1 {
		cfg.ReferenceVolume = 1e9
	}
	if cfg.ReferenceTrades <= 1 {
		cfg.ReferenceTrades = 1e6
	}
	if cfg.TradeCountWeight < 0 || cfg.TradeCountWeight > 1 {
		cfg.TradeCountWeight = 0
	}
	return &Analyzer{
		config: cfg,
	}
}

// Score blends the log-scaled volume and trade count, each reaching 100 at its reference
func (a *Analyzer) Score(volume24h float64, trades24h int64) float64 {
	volScore := logScale(volume24h, a.config.ReferenceVolume)
	tradeScore := logScale(float64(trades24h), a.config.ReferenceTrades)

	w := a.config.TradeCountWeight
	return models.Clamp((1-w)*volScore + w*tradeScore)
}

func logScale(v, ref float64) float64 {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	return models.Clamp(100 * math.Log10(1+v) / math.Log10(1+ref))
}
