package exchange

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/skalibog/perpguard/pkg/models"
)

// Every key of a payload is declared, including ones we ignore, because
// encoding/json falls back to case-insensitive matching ("p" vs "P").

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type bookTickerEvent struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	TxTime    int64  `json:"T"`
	Symbol    string `json:"s"`
	BidPrice  string `json:"b"`
	BidQty    string `json:"B"`
	AskPrice  string `json:"a"`
	AskQty    string `json:"A"`
}

type markPriceEvent struct {
	Event       string `json:"e"`
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	MarkPrice   string `json:"p"`
	SettlePrice string `json:"P"`
	IndexPrice  string `json:"i"`
	FundingRate string `json:"r"`
	NextFunding int64  `json:"T"`
}

type tickerEvent struct {
	Event       string `json:"e"`
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	Change      string `json:"p"`
	ChangePct   string `json:"P"`
	LastPrice   string `json:"c"`
	CloseTime   int64  `json:"C"`
	QuoteVolume string `json:"q"`
	LastQty     string `json:"Q"`
	OpenPrice   string `json:"o"`
	OpenTime    int64  `json:"O"`
	LowPrice    string `json:"l"`
	LastID      int64  `json:"L"`
	Count       int64  `json:"n"`
}

// patch applies one stream event to a market's merged state
type patch struct {
	market string
	ts     time.Time
	apply  func(u *models.MarketUpdate)
}

// streamNames returns the combined stream names for one market
func streamNames(market string) []string {
	s := strings.ToLower(market)
	return []string{s + "@bookTicker", s + "@markPrice@1s", s + "@ticker"}
}

// decode turns one combined stream frame into a patch. ok is false for
// frames that carry no market data, such as subscription acks.
func decode(msg []byte) (p patch, ok bool, err error) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return patch{}, false, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Stream == "" || len(env.Data) == 0 {
		return patch{}, false, nil
	}

	parts := strings.Split(env.Stream, "@")
	if len(parts) < 2 {
		return patch{}, false, fmt.Errorf("unknown stream %q", env.Stream)
	}

	switch parts[1] {
	case "bookTicker":
		var ev bookTickerEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return patch{}, false, fmt.Errorf("decode %s: %w", env.Stream, err)
		}
		vals, err := parseAll(ev.BidPrice, ev.BidQty, ev.AskPrice, ev.AskQty)
		if err != nil {
			return patch{}, false, fmt.Errorf("decode %s: %w", env.Stream, err)
		}
		return patch{
			market: ev.Symbol,
			ts:     eventTime(ev.TxTime, ev.EventTime),
			apply: func(u *models.MarketUpdate) {
				u.Bid, u.BidSize, u.Ask, u.AskSize = vals[0], vals[1], vals[2], vals[3]
			},
		}, true, nil

	case "markPrice":
		var ev markPriceEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return patch{}, false, fmt.Errorf("decode %s: %w", env.Stream, err)
		}
		vals, err := parseAll(ev.MarkPrice, ev.IndexPrice, ev.FundingRate)
		if err != nil {
			return patch{}, false, fmt.Errorf("decode %s: %w", env.Stream, err)
		}
		return patch{
			market: ev.Symbol,
			ts:     eventTime(ev.EventTime, 0),
			apply: func(u *models.MarketUpdate) {
				u.MarkPrice, u.IndexPrice, u.FundingRate = vals[0], vals[1], vals[2]
			},
		}, true, nil

	case "ticker":
		var ev tickerEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return patch{}, false, fmt.Errorf("decode %s: %w", env.Stream, err)
		}
		vals, err := parseAll(ev.LastPrice, ev.QuoteVolume)
		if err != nil {
			return patch{}, false, fmt.Errorf("decode %s: %w", env.Stream, err)
		}
		count := ev.Count
		return patch{
			market: ev.Symbol,
			ts:     eventTime(ev.EventTime, 0),
			apply: func(u *models.MarketUpdate) {
				u.LastPrice, u.TradeVolume24h, u.TradeCount24h = vals[0], vals[1], count
			},
		}, true, nil
	}

	return patch{}, false, fmt.Errorf("unknown stream %q", env.Stream)
}

func parseAll(in ...string) ([]float64, error) {
	out := make([]float64, len(in))
	for i, s := range in {
		v, err := parseFloat(s)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func eventTime(ms, fallback int64) time.Time {
	if ms == 0 {
		ms = fallback
	}
	if ms == 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

// ready reports whether the merged state can be scored
func ready(u models.MarketUpdate) bool {
	return u.LastPrice > 0 && u.Bid > 0 && u.Ask > 0
}

// seed copies snapshot fields that the stream has not filled yet
func seed(dst *models.MarketUpdate, snap models.MarketUpdate) {
	fill := func(d *float64, v float64) {
		if *d == 0 {
			*d = v
		}
	}
	fill(&dst.LastPrice, snap.LastPrice)
	fill(&dst.Bid, snap.Bid)
	fill(&dst.Ask, snap.Ask)
	fill(&dst.BidSize, snap.BidSize)
	fill(&dst.AskSize, snap.AskSize)
	fill(&dst.TradeVolume24h, snap.TradeVolume24h)
	fill(&dst.MarkPrice, snap.MarkPrice)
	fill(&dst.IndexPrice, snap.IndexPrice)
	fill(&dst.FundingRate, snap.FundingRate)
	if dst.TradeCount24h == 0 {
		dst.TradeCount24h = snap.TradeCount24h
	}
	if dst.Timestamp.IsZero() {
		dst.Timestamp = snap.Timestamp
	}
}
