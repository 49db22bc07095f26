package events

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/skalibog/perpguard/internal/metrics"
	"github.com/skalibog/perpguard/internal/risk"
	"github.com/skalibog/perpguard/pkg/logger"
)

// Dispatcher fans emergency events out to every sink
type Dispatcher struct {
	sinks []Sink
}

// NewDispatcher creates a dispatcher over sinks
func NewDispatcher(sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks}
}

// Publish sends ev to all sinks. A failing sink does not stop the others.
func (d *Dispatcher) Publish(ctx context.Context, ev risk.EmergencyDeleverage) error {
	var errs error
	for _, s := range d.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			metrics.EventsFailed.WithLabelValues(s.Name()).Inc()
			errs = multierr.Append(errs, err)
			continue
		}
		metrics.EventsPublished.WithLabelValues(s.Name()).Inc()
	}
	return errs
}

// Run drains events until ctx is done or the channel closes
func (d *Dispatcher) Run(ctx context.Context, events <-chan risk.EmergencyDeleverage) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := d.Publish(ctx, ev); err != nil {
				logger.Error("Emergency event not delivered to every sink",
					zap.String("id", ev.ID.String()), zap.Error(err))
			}
		}
	}
}

// Close closes every sink
func (d *Dispatcher) Close() error {
	var errs error
	for _, s := range d.sinks {
		errs = multierr.Append(errs, s.Close())
	}
	return errs
}
