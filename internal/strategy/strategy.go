package strategy

import (
	"fmt"

	"github.com/skalibog/perpguard/internal/config"
	"github.com/skalibog/perpguard/pkg/models"
)

// Signal is the discrete action suggested by a composite score
type Signal int

const (
	Hold Signal = iota
	Buy
	Sell
)

func (s Signal) String() string {
	switch s {
	case Hold:
		return "HOLD"
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return fmt.Sprintf("signal(%d)", int(s))
	}
}

// MarshalText encodes the signal by name
func (s Signal) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Trigger tags a market with the signal its composite score produced
type Trigger struct {
	MarketID  string  `json:"market_id"`
	Signal    Signal  `json:"signal"`
	Composite float64 `json:"composite"`
}

// Thresholds for classifying composite scores
type Thresholds struct {
	Buy  float64
	Sell float64
}

// DefaultThresholds buy at 80 and above, sell at 30 and below
func DefaultThresholds() Thresholds {
	return Thresholds{Buy: 80, Sell: 30}
}

// ThresholdsFrom reads the thresholds from configuration
func ThresholdsFrom(cfg config.StrategyConfig) Thresholds {
	return Thresholds{Buy: cfg.BuyThreshold, Sell: cfg.SellThreshold}
}

// Classify maps a composite score to a signal
func (t Thresholds) Classify(composite float64) Signal {
	switch {
	case composite >= t.Buy:
		return Buy
	case composite <= t.Sell:
		return Sell
	default:
		return Hold
	}
}

// Triggers classifies every market of a ranking, keeping its order
func (t Thresholds) Triggers(ranking models.OpportunityRanking) []Trigger {
	out := make([]Trigger, len(ranking))
	for i, r := range ranking {
		out[i] = Trigger{MarketID: r.MarketID, Signal: t.Classify(r.Composite), Composite: r.Composite}
	}
	return out
}

// Allocation is the share of capital, in percent, assigned to a market
type Allocation struct {
	MarketID string  `json:"market_id"`
	Percent  float64 `json:"percent"`
}

// Allocate splits totalPct across the first topN markets of the ranking
// in proportion to their composite score.
func Allocate(ranking models.OpportunityRanking, topN int, totalPct float64) []Allocation {
	if topN <= 0 || totalPct <= 0 || len(ranking) == 0 {
		return nil
	}
	if topN > len(ranking) {
		topN = len(ranking)
	}
	top := ranking[:topN]

	var sum float64
	for _, r := range top {
		if r.Composite > 0 {
			sum += r.Composite
		}
	}

	out := make([]Allocation, len(top))
	for i, r := range top {
		out[i] = Allocation{MarketID: r.MarketID}
		if sum > 0 && r.Composite > 0 {
			out[i].Percent = r.Composite / sum * totalPct
		}
	}
	return out
}
