package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/skalibog/perpguard/internal/analysis/momentum"
	"github.com/skalibog/perpguard/internal/analysis/orderbook"
	"github.com/skalibog/perpguard/internal/analysis/volatility"
	"github.com/skalibog/perpguard/internal/analysis/volume"
	"github.com/skalibog/perpguard/internal/config"
	"github.com/skalibog/perpguard/internal/metrics"
	"github.com/skalibog/perpguard/pkg/logger"
	"github.com/skalibog/perpguard/pkg/models"
)

const (
	skipInvalid     = "invalid"
	skipWrongMarket = "wrong_market"
	skipStale       = "stale"
)

type sample struct {
	ts    time.Time
	price float64
}

// SignalEngine turns the ticks of one market into a SignalSet
type SignalEngine struct {
	marketID string
	config   config.SignalsConfig

	momentumAnal   *momentum.Analyzer
	volumeAnal     *volume.Analyzer
	volatilityAnal *volatility.Analyzer
	orderbookAnal  *orderbook.Analyzer

	mu       sync.Mutex
	window   []sample
	lastTs   time.Time
	accepted uint64

	latest atomic.Pointer[models.SignalSet]
}

// New creates the engine for one market
func New(marketID string, cfg config.SignalsConfig) *SignalEngine {
	if cfg.WindowSize < 2 {
		cfg.WindowSize = 2
	}
	return &SignalEngine{
		marketID:       marketID,
		config:         cfg,
		momentumAnal:   momentum.NewAnalyzer(cfg.Momentum),
		volumeAnal:     volume.NewAnalyzer(cfg.Volume),
		volatilityAnal: volatility.NewAnalyzer(cfg.Volatility),
		orderbookAnal:  orderbook.NewAnalyzer(cfg.OrderBook),
		window:         make([]sample, 0, cfg.WindowSize),
	}
}

// MarketID returns the market this engine scores
func (e *SignalEngine) MarketID() string {
	return e.marketID
}

// Latest returns the last published signal set, false before the first accepted update
func (e *SignalEngine) Latest() (models.SignalSet, bool) {
	p := e.latest.Load()
	if p == nil {
		return models.SignalSet{}, false
	}
	return *p, true
}

// OnUpdate scores one tick. Invalid, foreign or out of order ticks are
// skipped and leave the published set untouched.
func (e *SignalEngine) OnUpdate(u models.MarketUpdate) (models.SignalSet, bool) {
	start := time.Now()

	if err := u.Validate(); err != nil {
		e.skip(skipInvalid, zap.Error(err))
		return models.SignalSet{}, false
	}
	if u.MarketID != e.marketID {
		e.skip(skipWrongMarket, zap.String("got", u.MarketID))
		return models.SignalSet{}, false
	}

	e.mu.Lock()
	if !e.lastTs.IsZero() && u.Timestamp.Before(e.lastTs) {
		last := e.lastTs
		e.mu.Unlock()
		e.skip(skipStale, zap.Time("ts", u.Timestamp), zap.Time("last", last))
		return models.SignalSet{}, false
	}

	e.append(sample{ts: u.Timestamp, price: u.LastPrice})
	e.lastTs = u.Timestamp
	e.accepted++

	set := models.SignalSet{
		MarketID:    e.marketID,
		Timestamp:   u.Timestamp,
		Price:       u.LastPrice,
		FundingRate: u.FundingRate,
	}

	if e.accepted == 1 {
		set.Momentum = models.NeutralScore
		set.Volume = models.NeutralScore
		set.Volatility = models.NeutralScore
		set.OrderbookImbalance = models.NeutralScore
	} else {
		prices := e.prices()
		set.Momentum = e.momentumAnal.Score(prices)
		set.Volume = e.volumeAnal.Score(u.TradeVolume24h, u.TradeCount24h)
		set.Volatility = e.volatilityAnal.Score(u.Bid, u.Ask, prices)
		set.OrderbookImbalance = e.orderbookAnal.Score(u.BidSize, u.AskSize)
	}
	e.mu.Unlock()

	e.latest.Store(&set)
	metrics.EngineUpdateSeconds.Observe(time.Since(start).Seconds())

	logger.Debug("Signal set updated",
		zap.String("market", e.marketID),
		zap.Float64("momentum", set.Momentum),
		zap.Float64("volume", set.Volume),
		zap.Float64("volatility", set.Volatility),
		zap.Float64("orderbook", set.OrderbookImbalance))

	return set, true
}

// append adds a sample and trims the window by age and then by count
func (e *SignalEngine) append(s sample) {
	e.window = append(e.window, s)

	if e.config.WindowTTL > 0 {
		cutoff := s.ts.Add(-e.config.WindowTTL)
		idx := 0
		for idx < len(e.window)-1 && !e.window[idx].ts.After(cutoff) {
			idx++
		}
		if idx > 0 {
			e.window = append(e.window[:0], e.window[idx:]...)
		}
	}

	if extra := len(e.window) - e.config.WindowSize; extra > 0 {
		e.window = append(e.window[:0], e.window[extra:]...)
	}
}

func (e *SignalEngine) prices() []float64 {
	out := make([]float64, len(e.window))
	for i, s := range e.window {
		out[i] = s.price
	}
	return out
}

// WindowLen returns the number of samples currently held
func (e *SignalEngine) WindowLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.window)
}

func (e *SignalEngine) skip(reason string, fields ...zap.Field) {
	metrics.SignalSkipped.WithLabelValues(reason).Inc()
	logger.Warn("Market update skipped",
		append([]zap.Field{zap.String("market", e.marketID), zap.String("reason", reason)}, fields...)...)
}
