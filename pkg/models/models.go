package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidUpdate marks a tick that cannot be used for scoring
var ErrInvalidUpdate = errors.New("invalid market update")

// MarketUpdate represents one raw tick for a market
type MarketUpdate struct {
	MarketID       string
	Timestamp      time.Time
	LastPrice      float64
	Bid            float64
	Ask            float64
	BidSize        float64
	AskSize        float64
	TradeVolume24h float64
	TradeCount24h  int64
	MarkPrice      float64
	IndexPrice     float64
	FundingRate    float64
}

// Mid returns the mid price of the top of book
func (u MarketUpdate) Mid() float64 {
	return (u.Bid + u.Ask) / 2
}

// Validate reports the first missing or non-finite field of the tick
func (u MarketUpdate) Validate() error {
	if u.MarketID == "" {
		return fmt.Errorf("%w: empty market id", ErrInvalidUpdate)
	}
	if u.Timestamp.IsZero() {
		return fmt.Errorf("%w: %s: missing timestamp", ErrInvalidUpdate, u.MarketID)
	}

	positive := []struct {
		name  string
		value float64
	}{
		{"last_price", u.LastPrice},
		{"bid", u.Bid},
		{"ask", u.Ask},
	}
	for _, f := range positive {
		if !finite(f.value) || f.value <= 0 {
			return fmt.Errorf("%w: %s: %s=%v", ErrInvalidUpdate, u.MarketID, f.name, f.value)
		}
	}

	nonNegative := []struct {
		name  string
		value float64
	}{
		{"bid_size", u.BidSize},
		{"ask_size", u.AskSize},
		{"trade_volume_24h", u.TradeVolume24h},
		{"mark_price", u.MarkPrice},
		{"index_price", u.IndexPrice},
	}
	for _, f := range nonNegative {
		if !finite(f.value) || f.value < 0 {
			return fmt.Errorf("%w: %s: %s=%v", ErrInvalidUpdate, u.MarketID, f.name, f.value)
		}
	}

	if u.TradeCount24h < 0 {
		return fmt.Errorf("%w: %s: trade_count_24h=%d", ErrInvalidUpdate, u.MarketID, u.TradeCount24h)
	}
	if !finite(u.FundingRate) {
		return fmt.Errorf("%w: %s: funding_rate=%v", ErrInvalidUpdate, u.MarketID, u.FundingRate)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// NeutralScore is the midpoint of the 0..100 score range
const NeutralScore = 50.0

// SignalSet represents the latest scores of one market
type SignalSet struct {
	MarketID           string    `json:"market_id"`
	Timestamp          time.Time `json:"timestamp"`
	Momentum           float64   `json:"momentum"`
	Volume             float64   `json:"volume"`
	Volatility         float64   `json:"volatility"`
	OrderbookImbalance float64   `json:"orderbook_imbalance"`

	// Raw inputs carried for consumers, not scores
	Price       float64 `json:"price"`
	FundingRate float64 `json:"funding_rate"`
}

// RankedMarket is one row of an OpportunityRanking
type RankedMarket struct {
	MarketID  string    `json:"market_id"`
	Composite float64   `json:"composite"`
	Signals   SignalSet `json:"signals"`
}

// OpportunityRanking is ordered by Composite descending, MarketID ascending on ties
type OpportunityRanking []RankedMarket

// Clamp bounds a score to the 0..100 range, NaN maps to the neutral score
func Clamp(score float64) float64 {
	switch {
	case math.IsNaN(score):
		return NeutralScore
	case score < 0:
		return 0
	case score > 100:
		return 100
	default:
		return score
	}
}

// ConnectionState is the lifecycle state of the shared upstream subscription
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Degraded
	Failed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText encodes the state by name
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
