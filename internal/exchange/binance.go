package exchange

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"golang.org/x/sync/errgroup"

	"github.com/skalibog/perpguard/internal/config"
	"github.com/skalibog/perpguard/pkg/models"
)

// TestnetStreamURL is the combined stream endpoint of the futures testnet
const TestnetStreamURL = "wss://stream.binancefuture.com/stream"

// BinanceClient reads market snapshots from the Binance futures REST API
type BinanceClient struct {
	futures    *futures.Client
	depthLimit int
}

// NewBinanceClient creates a Binance futures client
func NewBinanceClient(cfg config.ExchangeConfig) *BinanceClient {
	if cfg.Testnet {
		futures.UseTestnet = true
	}
	return &BinanceClient{
		futures:    futures.NewClient(cfg.APIKey, cfg.APISecret),
		depthLimit: cfg.DepthLimit,
	}
}

// Snapshot builds a full update for symbol from the premium index, the
// 24h ticker and the top of the order book.
func (c *BinanceClient) Snapshot(ctx context.Context, symbol string) (models.MarketUpdate, error) {
	u := models.MarketUpdate{MarketID: symbol, Timestamp: time.Now()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.premiumIndex(gctx, symbol, &u) })
	g.Go(func() error { return c.ticker(gctx, symbol, &u) })
	g.Go(func() error { return c.topOfBook(gctx, symbol, &u) })
	if err := g.Wait(); err != nil {
		return models.MarketUpdate{}, err
	}
	return u, nil
}

// premiumIndex fills mark, index and funding
func (c *BinanceClient) premiumIndex(ctx context.Context, symbol string, u *models.MarketUpdate) error {
	rates, err := c.futures.NewPremiumIndexService().
		Symbol(symbol).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("premium index %s: %w", symbol, err)
	}
	if len(rates) == 0 {
		return fmt.Errorf("premium index %s: empty response", symbol)
	}

	r := rates[0]
	if u.MarkPrice, err = parseFloat(r.MarkPrice); err != nil {
		return fmt.Errorf("premium index %s mark: %w", symbol, err)
	}
	if u.IndexPrice, err = parseFloat(r.IndexPrice); err != nil {
		return fmt.Errorf("premium index %s index: %w", symbol, err)
	}
	if u.FundingRate, err = parseFloat(r.LastFundingRate); err != nil {
		return fmt.Errorf("premium index %s funding: %w", symbol, err)
	}
	return nil
}

// ticker fills last price and 24h activity
func (c *BinanceClient) ticker(ctx context.Context, symbol string, u *models.MarketUpdate) error {
	stats, err := c.futures.NewListPriceChangeStatsService().
		Symbol(symbol).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("24h ticker %s: %w", symbol, err)
	}
	if len(stats) == 0 {
		return fmt.Errorf("24h ticker %s: empty response", symbol)
	}

	s := stats[0]
	if u.LastPrice, err = parseFloat(s.LastPrice); err != nil {
		return fmt.Errorf("24h ticker %s last: %w", symbol, err)
	}
	if u.TradeVolume24h, err = parseFloat(s.QuoteVolume); err != nil {
		return fmt.Errorf("24h ticker %s volume: %w", symbol, err)
	}
	u.TradeCount24h = s.Count
	return nil
}

// topOfBook fills best bid and ask with their sizes
func (c *BinanceClient) topOfBook(ctx context.Context, symbol string, u *models.MarketUpdate) error {
	ob, err := c.futures.NewDepthService().
		Symbol(symbol).
		Limit(c.depthLimit).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("depth %s: %w", symbol, err)
	}
	if len(ob.Bids) == 0 || len(ob.Asks) == 0 {
		return fmt.Errorf("depth %s: empty book", symbol)
	}

	levels := []struct {
		price, qty     string
		toPrice, toQty *float64
	}{
		{ob.Bids[0].Price, ob.Bids[0].Quantity, &u.Bid, &u.BidSize},
		{ob.Asks[0].Price, ob.Asks[0].Quantity, &u.Ask, &u.AskSize},
	}
	for _, l := range levels {
		if *l.toPrice, err = parseFloat(l.price); err != nil {
			return fmt.Errorf("depth %s price: %w", symbol, err)
		}
		if *l.toQty, err = parseFloat(l.qty); err != nil {
			return fmt.Errorf("depth %s quantity: %w", symbol, err)
		}
	}
	return nil
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}
