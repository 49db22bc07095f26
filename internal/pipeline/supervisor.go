package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/skalibog/perpguard/internal/analysis/aggregator"
	"github.com/skalibog/perpguard/internal/analysis/engine"
	"github.com/skalibog/perpguard/internal/config"
	"github.com/skalibog/perpguard/internal/metrics"
	"github.com/skalibog/perpguard/internal/stream"
	"github.com/skalibog/perpguard/pkg/logger"
)

// ErrUnknownMarket is returned when removing a market that is not running
var ErrUnknownMarket = errors.New("pipeline: market not running")

// Registry hands out per-market consumer queues
type Registry interface {
	Register(marketID string) (*stream.Consumer, error)
	Unregister(marketID string)
}

type running struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor owns one engine and worker per tracked market
type Supervisor struct {
	registry Registry
	agg      *aggregator.Aggregator
	marks    MarkListener
	config   config.SignalsConfig

	mu      sync.Mutex
	workers map[string]*running
	wg      sync.WaitGroup
}

// NewSupervisor creates a supervisor. marks may be nil.
func NewSupervisor(registry Registry, agg *aggregator.Aggregator, marks MarkListener, cfg config.SignalsConfig) *Supervisor {
	return &Supervisor{
		registry: registry,
		agg:      agg,
		marks:    marks,
		config:   cfg,
		workers:  make(map[string]*running),
	}
}

// Add registers marketID with the stream and starts scoring it
func (s *Supervisor) Add(ctx context.Context, marketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[marketID]; ok {
		return fmt.Errorf("%w: %s", stream.ErrAlreadyRegistered, marketID)
	}

	consumer, err := s.registry.Register(marketID)
	if err != nil {
		return fmt.Errorf("register %s: %w", marketID, err)
	}

	eng := engine.New(marketID, s.config)
	s.agg.Track(eng)

	wctx, cancel := context.WithCancel(ctx)
	r := &running{cancel: cancel, done: make(chan struct{})}
	s.workers[marketID] = r

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(r.done)
		if err := NewWorker(consumer, eng, s.marks).Run(wctx); err != nil {
			logger.Error("Worker exited", zap.String("market", marketID), zap.Error(err))
		}
	}()

	logger.Info("Market added", zap.String("market", marketID))
	return nil
}

// Remove stops scoring marketID and releases its consumer
func (s *Supervisor) Remove(marketID string) error {
	s.mu.Lock()
	r, ok := s.workers[marketID]
	if ok {
		delete(s.workers, marketID)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMarket, marketID)
	}

	r.cancel()
	s.registry.Unregister(marketID)
	<-r.done
	s.agg.Untrack(marketID)
	metrics.CompositeScore.DeleteLabelValues(marketID)

	logger.Info("Market removed", zap.String("market", marketID))
	return nil
}

// Markets returns the running markets in order
func (s *Supervisor) Markets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.workers))
	for id := range s.workers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Stop removes every market and waits for the workers
func (s *Supervisor) Stop() {
	for _, id := range s.Markets() {
		_ = s.Remove(id)
	}
	s.wg.Wait()
}

// Wait blocks until every worker has returned
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
