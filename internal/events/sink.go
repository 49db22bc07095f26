package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/skalibog/perpguard/internal/risk"
	"github.com/skalibog/perpguard/internal/storage"
	"github.com/skalibog/perpguard/pkg/logger"
)

// Sink publishes emergency deleverage events somewhere
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev risk.EmergencyDeleverage) error
	Close() error
}

// LogSink writes events to the application log
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Publish(_ context.Context, ev risk.EmergencyDeleverage) error {
	logger.Warn("EMERGENCY DELEVERAGE",
		zap.String("id", ev.ID.String()),
		zap.String("market", ev.MarketID),
		zap.String("size", ev.Size.String()),
		zap.String("mark", ev.MarkPrice.String()),
		zap.String("liquidation", ev.LiquidationPrice.String()),
		zap.String("distance", ev.Distance.StringFixed(4)),
		zap.Time("time", ev.Time))
	return nil
}

func (LogSink) Close() error { return nil }

// StorageSink records events through the storage layer
type StorageSink struct {
	store storage.Storage
}

// NewStorageSink wraps a storage
func NewStorageSink(store storage.Storage) *StorageSink {
	return &StorageSink{store: store}
}

func (s *StorageSink) Name() string { return "influxdb" }

func (s *StorageSink) Publish(ctx context.Context, ev risk.EmergencyDeleverage) error {
	return s.store.SaveEmergency(ctx, ev)
}

// Close leaves the storage open, it is shared with the recorder
func (s *StorageSink) Close() error { return nil }
