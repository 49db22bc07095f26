package stream

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/skalibog/perpguard/internal/config"
	"github.com/skalibog/perpguard/internal/metrics"
	"github.com/skalibog/perpguard/pkg/logger"
	"github.com/skalibog/perpguard/pkg/models"
)

// Stats is a read-only view of the multiplexer
type Stats struct {
	State      models.ConnectionState `json:"state"`
	Markets    []string               `json:"markets"`
	Delivered  uint64                 `json:"delivered"`
	Dropped    uint64                 `json:"dropped"`
	Unrouted   uint64                 `json:"unrouted"`
	Reconnects uint64                 `json:"reconnects"`
}

// Multiplexer fans one upstream subscription out to per-market consumers
type Multiplexer struct {
	up         *Upstream
	cfg        config.StreamConfig
	backoffMax time.Duration

	// serializes Register, Unregister and Reset; may be held while
	// waiting for the session goroutine to exit
	lifecycle sync.Mutex

	mu        sync.RWMutex
	state     models.ConnectionState
	consumers map[string]*Consumer
	sub       Subscription
	owns      bool
	cancel    context.CancelFunc
	done      chan struct{}

	delivered  atomic.Uint64
	dropped    atomic.Uint64
	unrouted   atomic.Uint64
	reconnects atomic.Uint64
}

// NewMultiplexer creates a multiplexer over the shared upstream
func NewMultiplexer(up *Upstream, cfg config.StreamConfig, opts config.Options) *Multiplexer {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 100 * time.Millisecond
	}
	ceiling := opts.ReconnectBackoffMax
	if ceiling < cfg.BackoffMin {
		ceiling = cfg.BackoffMin
	}
	return &Multiplexer{
		up:         up,
		cfg:        cfg,
		backoffMax: ceiling,
		consumers:  make(map[string]*Consumer),
	}
}

// Register creates the consumer for marketID. The first registration
// opens the upstream subscription.
func (m *Multiplexer) Register(marketID string) (*Consumer, error) {
	if marketID == "" {
		return nil, ErrEmptyMarket
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.state == models.Failed {
		m.mu.Unlock()
		return nil, ErrUpstreamFailed
	}
	if _, ok := m.consumers[marketID]; ok {
		m.mu.Unlock()
		return nil, ErrAlreadyRegistered
	}
	first := len(m.consumers) == 0
	m.mu.Unlock()

	c := newConsumer(marketID, m.cfg.BufferSize)

	if first {
		if !m.up.acquire() {
			return nil, ErrAlreadySubscribedElsewhere
		}
		m.mu.Lock()
		m.owns = true
		m.consumers[marketID] = c
		m.setStateLocked(models.Connecting, nil)
		m.mu.Unlock()

		m.startSession()
		logger.Info("Market registered, opening upstream", zap.String("market", marketID))
		return c, nil
	}

	m.mu.Lock()
	m.consumers[marketID] = c
	sub := m.sub
	m.mu.Unlock()

	// Without a live subscription the next Subscribe picks the market up.
	if sub != nil {
		if err := sub.Add(marketID); err != nil {
			logger.Warn("Failed to add market to live subscription, recycling session",
				zap.String("market", marketID), zap.Error(err))
			_ = sub.Close()
		}
	}

	logger.Info("Market registered", zap.String("market", marketID))
	return c, nil
}

// Unregister closes the consumer of marketID. Removing the last consumer
// tears the upstream subscription down and leaves the multiplexer
// Disconnected, Failed included. Unknown markets are ignored.
func (m *Multiplexer) Unregister(marketID string) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	c, ok := m.consumers[marketID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.consumers, marketID)
	c.close()

	if len(m.consumers) > 0 {
		sub := m.sub
		m.mu.Unlock()
		if sub != nil {
			if err := sub.Remove(marketID); err != nil {
				logger.Warn("Failed to remove market from subscription",
					zap.String("market", marketID), zap.Error(err))
			}
		}
		logger.Info("Market unregistered", zap.String("market", marketID))
		return
	}

	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	m.mu.Lock()
	m.sub = nil
	m.releaseLocked()
	m.setStateLocked(models.Disconnected, nil)
	m.mu.Unlock()

	logger.Info("Last market unregistered, upstream closed", zap.String("market", marketID))
}

// Reset leaves the Failed state and resubscribes for every still
// registered market. It is a no-op in any other state.
func (m *Multiplexer) Reset() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.state != models.Failed {
		m.mu.Unlock()
		return nil
	}
	done := m.done
	m.cancel, m.done = nil, nil
	empty := len(m.consumers) == 0
	m.mu.Unlock()

	if done != nil {
		<-done
	}

	if empty {
		m.mu.Lock()
		m.setStateLocked(models.Disconnected, nil)
		m.mu.Unlock()
		return nil
	}

	if !m.up.acquire() {
		return ErrAlreadySubscribedElsewhere
	}

	m.mu.Lock()
	m.owns = true
	m.setStateLocked(models.Connecting, nil)
	m.mu.Unlock()

	m.startSession()
	logger.Info("Upstream reset")
	return nil
}

// State returns the current connection state
func (m *Multiplexer) State() models.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Markets returns the registered markets in sorted order
func (m *Multiplexer) Markets() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.marketsLocked()
}

// Stats returns counters and state for dashboards
func (m *Multiplexer) Stats() Stats {
	m.mu.RLock()
	st := Stats{State: m.state, Markets: m.marketsLocked()}
	m.mu.RUnlock()

	st.Delivered = m.delivered.Load()
	st.Dropped = m.dropped.Load()
	st.Unrouted = m.unrouted.Load()
	st.Reconnects = m.reconnects.Load()
	return st
}

func (m *Multiplexer) marketsLocked() []string {
	out := make([]string, 0, len(m.consumers))
	for id := range m.consumers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Multiplexer) setStateLocked(s models.ConnectionState, err error) {
	if m.state == s {
		return
	}
	prev := m.state
	m.state = s
	metrics.StreamState.Set(float64(s))

	fields := []zap.Field{zap.Stringer("from", prev), zap.Stringer("to", s)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	switch s {
	case models.Degraded:
		logger.Warn("Upstream state changed", fields...)
	case models.Failed:
		logger.Error("Upstream state changed", fields...)
	default:
		logger.Info("Upstream state changed", fields...)
	}
}

func (m *Multiplexer) releaseLocked() {
	if m.owns {
		m.up.release()
		m.owns = false
	}
}

func (m *Multiplexer) startSession() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	m.cancel, m.done = cancel, done
	m.mu.Unlock()

	go m.run(ctx, done)
}

// run keeps the upstream subscription alive until cancelled or failed
func (m *Multiplexer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	b := &backoff.Backoff{
		Min:    m.cfg.BackoffMin,
		Max:    m.backoffMax,
		Factor: 2,
		Jitter: true,
	}
	failures := 0

	for {
		delivered, err := m.session(ctx)
		if ctx.Err() != nil {
			return
		}

		// a session that never delivered counts against the budget
		if delivered {
			failures = 0
			b.Reset()
		} else {
			failures++
		}

		if failures >= m.cfg.MaxRetries {
			m.fail(err)
			return
		}

		m.mu.Lock()
		m.setStateLocked(models.Degraded, err)
		m.mu.Unlock()

		wait := b.Duration()
		m.reconnects.Add(1)
		metrics.StreamReconnects.Inc()
		logger.Debug("Resubscribing", zap.Duration("backoff", wait), zap.Int("failures", failures))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// session subscribes and pumps updates until the subscription ends.
// delivered reports whether at least one update came through.
func (m *Multiplexer) session(ctx context.Context) (delivered bool, err error) {
	requested := m.Markets()
	sub, err := m.up.src.Subscribe(ctx, requested)
	if err != nil {
		return false, err
	}
	defer sub.Close()

	m.mu.Lock()
	m.sub = sub
	m.setStateLocked(models.Connected, nil)
	current := m.marketsLocked()
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.sub == sub {
			m.sub = nil
		}
		m.mu.Unlock()
	}()

	if err := reconcile(sub, requested, current); err != nil {
		return false, err
	}

	updates := sub.Updates()
	for {
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		case u, ok := <-updates:
			if !ok {
				if err := sub.Err(); err != nil {
					return delivered, err
				}
				return delivered, errSubscriptionClosed
			}
			delivered = true
			m.route(u)
		}
	}
}

// reconcile fixes up markets registered or removed while Subscribe was in flight
func reconcile(sub Subscription, requested, current []string) error {
	want := make(map[string]struct{}, len(current))
	for _, id := range current {
		want[id] = struct{}{}
	}
	for _, id := range requested {
		if _, ok := want[id]; ok {
			delete(want, id)
			continue
		}
		if err := sub.Remove(id); err != nil {
			logger.Warn("Failed to remove stale market", zap.String("market", id), zap.Error(err))
		}
	}
	for id := range want {
		if err := sub.Add(id); err != nil {
			return err
		}
	}
	return nil
}

func (m *Multiplexer) route(u models.MarketUpdate) {
	m.mu.RLock()
	c := m.consumers[u.MarketID]
	m.mu.RUnlock()

	if c == nil {
		m.unrouted.Add(1)
		metrics.StreamUnrouted.Inc()
		return
	}

	delivered, dropped := c.push(u)
	if dropped {
		m.dropped.Add(1)
		metrics.StreamDropped.WithLabelValues(u.MarketID).Inc()
	}
	if delivered {
		m.delivered.Add(1)
		metrics.StreamDelivered.Inc()
	}
}

func (m *Multiplexer) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sub = nil
	m.releaseLocked()
	m.setStateLocked(models.Failed, err)
	for _, c := range m.consumers {
		c.fail()
	}
}
