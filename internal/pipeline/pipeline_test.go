package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/perpguard/internal/analysis/aggregator"
	"github.com/skalibog/perpguard/internal/config"
	"github.com/skalibog/perpguard/internal/metrics"
	"github.com/skalibog/perpguard/internal/risk"
	"github.com/skalibog/perpguard/internal/stream"
	"github.com/skalibog/perpguard/pkg/models"
)

type chanSource struct {
	mu  sync.Mutex
	sub *chanSub
}

func (s *chanSource) Subscribe(_ context.Context, _ []string) (stream.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sub = &chanSub{updates: make(chan models.MarketUpdate, 32)}
	return s.sub, nil
}

func (s *chanSource) current() *chanSub {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub
}

type chanSub struct {
	once    sync.Once
	mu      sync.Mutex
	closed  bool
	updates chan models.MarketUpdate
}

func (s *chanSub) Updates() <-chan models.MarketUpdate { return s.updates }
func (s *chanSub) Err() error                          { return nil }
func (s *chanSub) Add(string) error                    { return nil }
func (s *chanSub) Remove(string) error                 { return nil }

func (s *chanSub) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.updates)
		s.mu.Unlock()
	})
	return nil
}

func (s *chanSub) emit(u models.MarketUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.updates <- u
	}
}

type markRecorder struct {
	mu    sync.Mutex
	marks map[string]float64
}

func (m *markRecorder) OnMarkPrice(id string, mark float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.marks == nil {
		m.marks = make(map[string]float64)
	}
	m.marks[id] = mark
}

func (m *markRecorder) get(id string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.marks[id]
	return v, ok
}

func tick(market string, seq int, mark float64) models.MarketUpdate {
	return models.MarketUpdate{
		MarketID:       market,
		Timestamp:      time.Unix(int64(1700000000+seq), 0),
		LastPrice:      float64(100 + seq),
		Bid:            float64(100 + seq),
		Ask:            float64(101 + seq),
		BidSize:        3,
		AskSize:        1,
		TradeVolume24h: 1e6,
		TradeCount24h:  1000,
		MarkPrice:      mark,
	}
}

func newHarness(t *testing.T) (*Supervisor, *chanSource, *aggregator.Aggregator, *markRecorder) {
	t.Helper()
	src := &chanSource{}
	mux := stream.NewMultiplexer(stream.NewUpstream(src),
		config.StreamConfig{BufferSize: 16, BackoffMin: time.Millisecond, MaxRetries: 3},
		config.Options{ReconnectBackoffMax: 5 * time.Millisecond})

	agg, err := aggregator.New(config.Weights{Momentum: 1, Volume: 1, Volatility: 1, OrderbookImbalance: 1})
	require.NoError(t, err)

	marks := &markRecorder{}
	cfg := config.SignalsConfig{WindowSize: 16, WindowTTL: time.Hour}
	cfg.Momentum.Lookback = 5
	cfg.Momentum.Sensitivity = 1
	cfg.Volume.ReferenceVolume = 1e9
	cfg.Volume.ReferenceTrades = 1e6
	cfg.Volatility.SpreadReferenceBps = 5
	cfg.Volatility.RealizedReferenceBps = 20

	return NewSupervisor(mux, agg, marks, cfg), src, agg, marks
}

func TestSupervisorScoresAndForwardsMarks(t *testing.T) {
	sup, src, agg, marks := newHarness(t)
	ctx := context.Background()

	require.NoError(t, sup.Add(ctx, "BTCUSDT"))
	assert.ErrorIs(t, sup.Add(ctx, "BTCUSDT"), stream.ErrAlreadyRegistered)
	require.Eventually(t, func() bool { return src.current() != nil }, time.Second, time.Millisecond)

	src.current().emit(tick("BTCUSDT", 1, 0))
	src.current().emit(tick("BTCUSDT", 2, 99.5))

	require.Eventually(t, func() bool {
		m, ok := marks.get("BTCUSDT")
		return ok && m == 99.5
	}, time.Second, time.Millisecond)

	set, err := agg.Score("BTCUSDT")
	require.NoError(t, err)
	assert.Greater(t, set.Momentum, 50.0)
	assert.Equal(t, 75.0, set.OrderbookImbalance)

	assert.Equal(t, []string{"BTCUSDT"}, sup.Markets())
	sup.Stop()

	assert.Empty(t, sup.Markets())
	_, err = agg.Score("BTCUSDT")
	assert.ErrorIs(t, err, aggregator.ErrNotFound)
}

func TestSupervisorFirstTickUsesLastPriceAsMark(t *testing.T) {
	sup, src, _, marks := newHarness(t)
	require.NoError(t, sup.Add(context.Background(), "ETHUSDT"))
	require.Eventually(t, func() bool { return src.current() != nil }, time.Second, time.Millisecond)

	src.current().emit(tick("ETHUSDT", 7, 0))
	require.Eventually(t, func() bool {
		m, ok := marks.get("ETHUSDT")
		return ok && m == 107
	}, time.Second, time.Millisecond)
	sup.Stop()
}

func TestSupervisorRemoveDropsScoreSeries(t *testing.T) {
	sup, _, _, _ := newHarness(t)
	require.NoError(t, sup.Add(context.Background(), "SOLUSDT"))
	metrics.CompositeScore.WithLabelValues("SOLUSDT").Set(64)

	require.NoError(t, sup.Remove("SOLUSDT"))
	// already gone
	assert.False(t, metrics.CompositeScore.DeleteLabelValues("SOLUSDT"))
}

func TestSupervisorRemoveUnknown(t *testing.T) {
	sup, _, _, _ := newHarness(t)
	assert.ErrorIs(t, sup.Remove("DOGEUSDT"), ErrUnknownMarket)
}

type stubRanker struct{ ranking models.OpportunityRanking }

func (s stubRanker) Rankings() models.OpportunityRanking { return s.ranking }

type stubStore struct {
	err    error
	saved  []models.OpportunityRanking
	stamps []time.Time
}

func (s *stubStore) SaveRanking(_ context.Context, ts time.Time, r models.OpportunityRanking) error {
	s.saved = append(s.saved, r)
	s.stamps = append(s.stamps, ts)
	return s.err
}

func (s *stubStore) SaveEmergency(context.Context, risk.EmergencyDeleverage) error { return nil }

func (s *stubStore) GetSignalHistory(context.Context, string, int) ([]models.RankedMarket, error) {
	return nil, nil
}

func (s *stubStore) Close() {}

func TestRecorderRecord(t *testing.T) {
	ranking := models.OpportunityRanking{{MarketID: "BTCUSDT", Composite: 71}}
	store := &stubStore{}
	r := NewRecorder(stubRanker{ranking}, store, time.Minute)
	fixed := time.Unix(1700000000, 0)
	r.now = func() time.Time { return fixed }

	require.NoError(t, r.Record(context.Background()))
	require.Len(t, store.saved, 1)
	assert.Equal(t, ranking, store.saved[0])
	assert.Equal(t, fixed, store.stamps[0])

	store.err = errors.New("write failed")
	assert.Error(t, r.Record(context.Background()))

	// nothing to write
	empty := NewRecorder(stubRanker{}, store, 0)
	require.NoError(t, empty.Record(context.Background()))
	assert.Len(t, store.saved, 2)
}
