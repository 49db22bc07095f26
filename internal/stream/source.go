package stream

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/skalibog/perpguard/pkg/models"
)

var (
	ErrEmptyMarket                = errors.New("stream: empty market id")
	ErrAlreadyRegistered          = errors.New("stream: market already registered")
	ErrAlreadySubscribedElsewhere = errors.New("stream: upstream already subscribed by another multiplexer")
	ErrUpstreamFailed             = errors.New("stream: upstream failed")
	ErrConsumerClosed             = errors.New("stream: consumer closed")

	errSubscriptionClosed = errors.New("stream: subscription closed")
)

// Source opens subscriptions on the external market-data feed
type Source interface {
	Subscribe(ctx context.Context, markets []string) (Subscription, error)
}

// Subscription is one live upstream session. Updates is closed when the
// session ends, Err then reports why. Close must be safe to call more than once.
type Subscription interface {
	Updates() <-chan models.MarketUpdate
	Err() error
	Add(marketID string) error
	Remove(marketID string) error
	Close() error
}

// Upstream guards a Source so that at most one multiplexer holds a
// subscription on it at a time.
type Upstream struct {
	src  Source
	held atomic.Bool
}

// NewUpstream wraps the process-wide market data source
func NewUpstream(src Source) *Upstream {
	return &Upstream{src: src}
}

// Held reports whether a multiplexer currently owns the subscription
func (u *Upstream) Held() bool {
	return u.held.Load()
}

func (u *Upstream) acquire() bool {
	return u.held.CompareAndSwap(false, true)
}

func (u *Upstream) release() {
	u.held.Store(false)
}
