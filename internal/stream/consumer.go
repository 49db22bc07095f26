package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/skalibog/perpguard/pkg/models"
)

// Consumer is the per-market delivery queue handed out by Register.
// The queue is a fixed ring: when full, the oldest update is overwritten.
// Next is meant to be called from a single goroutine.
type Consumer struct {
	marketID string

	mu      sync.Mutex
	buf     []models.MarketUpdate
	head    int
	size    int
	failed  bool
	closed  bool
	notify  chan struct{}
	dropped atomic.Uint64
}

func newConsumer(marketID string, capacity int) *Consumer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Consumer{
		marketID: marketID,
		buf:      make([]models.MarketUpdate, capacity),
		notify:   make(chan struct{}, 1),
	}
}

// MarketID returns the market this consumer receives
func (c *Consumer) MarketID() string {
	return c.marketID
}

// Dropped returns how many updates were discarded for this consumer
func (c *Consumer) Dropped() uint64 {
	return c.dropped.Load()
}

// Len returns the number of queued updates
func (c *Consumer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Next blocks until an update is available, the upstream fails, the
// consumer is closed or ctx is done. ErrUpstreamFailed is returned once
// per failure, after any updates queued before it.
func (c *Consumer) Next(ctx context.Context) (models.MarketUpdate, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return models.MarketUpdate{}, ErrConsumerClosed
		}
		if c.size > 0 {
			u := c.buf[c.head]
			c.buf[c.head] = models.MarketUpdate{}
			c.head = (c.head + 1) % len(c.buf)
			c.size--
			c.mu.Unlock()
			return u, nil
		}
		if c.failed {
			c.failed = false
			c.mu.Unlock()
			return models.MarketUpdate{}, ErrUpstreamFailed
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return models.MarketUpdate{}, ctx.Err()
		case <-c.notify:
		}
	}
}

// push enqueues without blocking and reports whether an older update was dropped
func (c *Consumer) push(u models.MarketUpdate) (delivered, dropped bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, false
	}
	tail := (c.head + c.size) % len(c.buf)
	if c.size == len(c.buf) {
		// overwrite the oldest slot and advance head past it
		c.buf[c.head] = u
		c.head = (c.head + 1) % len(c.buf)
		dropped = true
	} else {
		c.buf[tail] = u
		c.size++
	}
	c.mu.Unlock()

	if dropped {
		c.dropped.Add(1)
	}
	c.wake()
	return true, dropped
}

func (c *Consumer) fail() {
	c.mu.Lock()
	if !c.closed {
		c.failed = true
	}
	c.mu.Unlock()
	c.wake()
}

func (c *Consumer) close() {
	c.mu.Lock()
	c.closed = true
	c.buf = nil
	c.size = 0
	c.head = 0
	c.mu.Unlock()
	c.wake()
}

func (c *Consumer) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}
