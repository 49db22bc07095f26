package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/skalibog/perpguard/internal/metrics"
	"github.com/skalibog/perpguard/internal/storage"
	"github.com/skalibog/perpguard/pkg/logger"
	"github.com/skalibog/perpguard/pkg/models"
)

// Ranker produces the current opportunity ranking
type Ranker interface {
	Rankings() models.OpportunityRanking
}

// Recorder periodically persists the ranking
type Recorder struct {
	ranker   Ranker
	store    storage.Storage
	interval time.Duration
	now      func() time.Time
}

// NewRecorder creates a recorder. store may be nil, then only gauges are updated.
func NewRecorder(ranker Ranker, store storage.Storage, interval time.Duration) *Recorder {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Recorder{ranker: ranker, store: store, interval: interval, now: time.Now}
}

// Run records on every tick until ctx is done
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Record(ctx); err != nil {
				logger.Error("Failed to record ranking", zap.Error(err))
			}
		}
	}
}

// Record takes one ranking snapshot
func (r *Recorder) Record(ctx context.Context) error {
	ranking := r.ranker.Rankings()
	for _, m := range ranking {
		metrics.CompositeScore.WithLabelValues(m.MarketID).Set(m.Composite)
	}

	if r.store == nil || len(ranking) == 0 {
		return nil
	}
	if err := r.store.SaveRanking(ctx, r.now(), ranking); err != nil {
		metrics.RecorderWrites.WithLabelValues("error").Inc()
		return err
	}
	metrics.RecorderWrites.WithLabelValues("ok").Inc()
	return nil
}
