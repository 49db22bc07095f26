package pipeline

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/skalibog/perpguard/internal/analysis/engine"
	"github.com/skalibog/perpguard/internal/stream"
	"github.com/skalibog/perpguard/pkg/logger"
)

// MarkListener receives the mark price of every accepted update
type MarkListener interface {
	OnMarkPrice(marketID string, mark float64)
}

// Worker feeds one consumer queue into one signal engine
type Worker struct {
	consumer *stream.Consumer
	engine   *engine.SignalEngine
	marks    MarkListener
}

// NewWorker creates a worker. marks may be nil.
func NewWorker(consumer *stream.Consumer, eng *engine.SignalEngine, marks MarkListener) *Worker {
	return &Worker{consumer: consumer, engine: eng, marks: marks}
}

// Run processes updates until ctx is done or the consumer is closed
func (w *Worker) Run(ctx context.Context) error {
	market := w.consumer.MarketID()
	logger.Debug("Worker started", zap.String("market", market))
	defer logger.Debug("Worker stopped", zap.String("market", market))

	for {
		u, err := w.consumer.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, stream.ErrUpstreamFailed):
				logger.Warn("Upstream failed, waiting for reset", zap.String("market", market))
				continue
			case errors.Is(err, stream.ErrConsumerClosed), ctx.Err() != nil:
				return nil
			default:
				return err
			}
		}

		if _, ok := w.engine.OnUpdate(u); !ok {
			continue
		}
		if w.marks != nil {
			mark := u.MarkPrice
			if mark == 0 {
				mark = u.LastPrice
			}
			w.marks.OnMarkPrice(u.MarketID, mark)
		}
	}
}
