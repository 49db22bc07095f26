package aggregator

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/skalibog/perpguard/internal/config"
	"github.com/skalibog/perpguard/pkg/logger"
	"github.com/skalibog/perpguard/pkg/models"
)

// ErrNotFound is returned for markets that are not tracked or never published
var ErrNotFound = errors.New("aggregator: market not found")

// LatestSource is anything that publishes the latest signal set for one market
type LatestSource interface {
	MarketID() string
	Latest() (models.SignalSet, bool)
}

// Aggregator ranks the tracked markets by composite score
type Aggregator struct {
	weights config.Weights
	total   float64

	mu      sync.RWMutex
	sources map[string]LatestSource
}

// New creates an aggregator with the composite weights
func New(weights config.Weights) (*Aggregator, error) {
	for name, w := range map[string]float64{
		"momentum":            weights.Momentum,
		"volume":              weights.Volume,
		"volatility":          weights.Volatility,
		"orderbook_imbalance": weights.OrderbookImbalance,
	} {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("aggregator: weight %s=%v must be a non-negative number", name, w)
		}
	}
	total := weights.Sum()
	if total <= 0 {
		return nil, errors.New("aggregator: at least one weight must be positive")
	}

	return &Aggregator{
		weights: weights,
		total:   total,
		sources: make(map[string]LatestSource),
	}, nil
}

// Weights returns the configured composite weights
func (a *Aggregator) Weights() config.Weights {
	return a.weights
}

// Track adds a market source, replacing any previous source for the same market
func (a *Aggregator) Track(src LatestSource) {
	a.mu.Lock()
	a.sources[src.MarketID()] = src
	a.mu.Unlock()
	logger.Debug("Aggregator tracking market", zap.String("market", src.MarketID()))
}

// Untrack removes a market
func (a *Aggregator) Untrack(marketID string) {
	a.mu.Lock()
	delete(a.sources, marketID)
	a.mu.Unlock()
}

// Composite returns the weighted mean of the four scores
func (a *Aggregator) Composite(s models.SignalSet) float64 {
	sum := s.Momentum*a.weights.Momentum +
		s.Volume*a.weights.Volume +
		s.Volatility*a.weights.Volatility +
		s.OrderbookImbalance*a.weights.OrderbookImbalance
	return models.Clamp(sum / a.total)
}

// Score returns the latest signal set of one market
func (a *Aggregator) Score(marketID string) (models.SignalSet, error) {
	a.mu.RLock()
	src, ok := a.sources[marketID]
	a.mu.RUnlock()
	if !ok {
		return models.SignalSet{}, fmt.Errorf("%w: %s", ErrNotFound, marketID)
	}

	set, ok := src.Latest()
	if !ok {
		return models.SignalSet{}, fmt.Errorf("%w: %s has not published", ErrNotFound, marketID)
	}
	return set, nil
}

// Rankings computes a fresh ranking from the latest published sets.
// Markets that never published are left out.
func (a *Aggregator) Rankings() models.OpportunityRanking {
	a.mu.RLock()
	sources := make([]LatestSource, 0, len(a.sources))
	for _, src := range a.sources {
		sources = append(sources, src)
	}
	a.mu.RUnlock()

	ranking := make(models.OpportunityRanking, 0, len(sources))
	for _, src := range sources {
		set, ok := src.Latest()
		if !ok {
			continue
		}
		ranking = append(ranking, models.RankedMarket{
			MarketID:  src.MarketID(),
			Composite: a.Composite(set),
			Signals:   set,
		})
	}

	sort.Slice(ranking, func(i, j int) bool {
		if ranking[i].Composite != ranking[j].Composite {
			return ranking[i].Composite > ranking[j].Composite
		}
		return ranking[i].MarketID < ranking[j].MarketID
	})
	return ranking
}
