package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/skalibog/perpguard/internal/config"
	"github.com/skalibog/perpguard/internal/stream"
	"github.com/skalibog/perpguard/pkg/logger"
	"github.com/skalibog/perpguard/pkg/models"
)

const (
	pingInterval = 15 * time.Second
	writeWait    = 5 * time.Second
	seedTimeout  = 10 * time.Second
)

// Snapshotter provides a REST snapshot used to seed a market
type Snapshotter interface {
	Snapshot(ctx context.Context, symbol string) (models.MarketUpdate, error)
}

// BinanceSource opens combined websocket streams on Binance futures
type BinanceSource struct {
	streamURL   string
	dialer      websocket.Dialer
	readTimeout time.Duration
	seeder      Snapshotter
}

// NewBinanceSource creates the source. seeder may be nil.
func NewBinanceSource(cfg config.ExchangeConfig, seeder Snapshotter) *BinanceSource {
	streamURL := cfg.StreamURL
	if cfg.Testnet && streamURL == config.DefaultStreamURL {
		streamURL = TestnetStreamURL
	}
	return &BinanceSource{
		streamURL:   streamURL,
		dialer:      websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		readTimeout: cfg.ReadTimeout,
		seeder:      seeder,
	}
}

// Subscribe dials one combined stream for markets
func (s *BinanceSource) Subscribe(ctx context.Context, markets []string) (stream.Subscription, error) {
	if len(markets) == 0 {
		return nil, errors.New("binance: no markets to subscribe")
	}

	names := make([]string, 0, len(markets)*3)
	for _, m := range markets {
		names = append(names, streamNames(m)...)
	}
	u, err := url.Parse(s.streamURL)
	if err != nil {
		return nil, fmt.Errorf("binance: stream url: %w", err)
	}
	u.RawQuery = "streams=" + strings.Join(names, "/")

	conn, _, err := s.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("binance: dial: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &binanceSub{
		conn:        conn,
		seeder:      s.seeder,
		readTimeout: s.readTimeout,
		ctx:         subCtx,
		cancel:      cancel,
		updates:     make(chan models.MarketUpdate, 256),
		state:       make(map[string]*models.MarketUpdate, len(markets)),
		done:        make(chan struct{}),
	}
	for _, m := range markets {
		sub.state[m] = &models.MarketUpdate{MarketID: m}
		sub.seed(m)
	}

	go sub.watch()
	go sub.ping()
	go sub.read()

	logger.Info("Connected to Binance stream", zap.Strings("markets", markets))
	return sub, nil
}

type binanceSub struct {
	conn        *websocket.Conn
	seeder      Snapshotter
	readTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	updates chan models.MarketUpdate
	done    chan struct{}
	nextID  atomic.Int64

	writeMu sync.Mutex

	mu    sync.Mutex
	state map[string]*models.MarketUpdate
	err   error
}

func (s *binanceSub) Updates() <-chan models.MarketUpdate {
	return s.updates
}

func (s *binanceSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Add subscribes the market's streams on the live connection
func (s *binanceSub) Add(marketID string) error {
	s.mu.Lock()
	if _, ok := s.state[marketID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.state[marketID] = &models.MarketUpdate{MarketID: marketID}
	s.mu.Unlock()

	if err := s.request("SUBSCRIBE", streamNames(marketID)); err != nil {
		s.mu.Lock()
		delete(s.state, marketID)
		s.mu.Unlock()
		return err
	}
	s.seed(marketID)
	return nil
}

// Remove unsubscribes the market's streams
func (s *binanceSub) Remove(marketID string) error {
	s.mu.Lock()
	_, ok := s.state[marketID]
	delete(s.state, marketID)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return s.request("UNSUBSCRIBE", streamNames(marketID))
}

// Close ends the session and waits for the reader
func (s *binanceSub) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *binanceSub) request(method string, params []string) error {
	msg, err := json.Marshal(struct {
		Method string   `json:"method"`
		Params []string `json:"params"`
		ID     int64    `json:"id"`
	}{method, params, s.nextID.Add(1)})
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("binance: %s: %w", strings.ToLower(method), err)
	}
	return nil
}

// watch closes the connection once the session context ends
func (s *binanceSub) watch() {
	<-s.ctx.Done()
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	s.writeMu.Unlock()
	_ = s.conn.Close()
}

func (s *binanceSub) ping() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.writeMu.Unlock()
			if err != nil {
				logger.Warn("Binance ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *binanceSub) read() {
	defer close(s.done)
	defer close(s.updates)

	s.conn.SetReadLimit(1 << 20)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	})

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
				logger.Warn("Binance stream disconnected", zap.Error(err))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))

		p, ok, err := decode(msg)
		if err != nil {
			logger.Warn("Failed to decode Binance message", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		u, ok := s.merge(p)
		if !ok {
			continue
		}
		select {
		case s.updates <- u:
		case <-s.ctx.Done():
			return
		}
	}
}

// merge applies p and returns a copy of the market state when it is complete
func (s *binanceSub) merge(p patch) (models.MarketUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.state[p.market]
	if !ok {
		return models.MarketUpdate{}, false
	}
	p.apply(st)
	if p.ts.After(st.Timestamp) {
		st.Timestamp = p.ts
	}
	if !ready(*st) {
		return models.MarketUpdate{}, false
	}
	return *st, true
}

// seed fills the market from a REST snapshot in the background
func (s *binanceSub) seed(marketID string) {
	if s.seeder == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, seedTimeout)
		defer cancel()

		snap, err := s.seeder.Snapshot(ctx, marketID)
		if err != nil {
			if s.ctx.Err() == nil {
				logger.Warn("Failed to seed market", zap.String("market", marketID), zap.Error(err))
			}
			return
		}

		s.mu.Lock()
		if st, ok := s.state[marketID]; ok {
			seed(st, snap)
		}
		s.mu.Unlock()
	}()
}
