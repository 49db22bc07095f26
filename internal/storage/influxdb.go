package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"github.com/skalibog/perpguard/internal/config"
	"github.com/skalibog/perpguard/internal/risk"
	"github.com/skalibog/perpguard/pkg/logger"
	"github.com/skalibog/perpguard/pkg/models"
)

const (
	measurementSignals   = "signals"
	measurementEmergency = "emergency_deleverage"
)

var marketPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,32}$`)

// ErrBadMarket is returned for market ids that cannot be used in a query
var ErrBadMarket = errors.New("storage: invalid market id")

// Storage records rankings and emergency events
type Storage interface {
	SaveRanking(ctx context.Context, ts time.Time, ranking models.OpportunityRanking) error
	SaveEmergency(ctx context.Context, ev risk.EmergencyDeleverage) error
	GetSignalHistory(ctx context.Context, marketID string, limit int) ([]models.RankedMarket, error)
	Close()
}

// InfluxDBStorage implements Storage on InfluxDB 2
type InfluxDBStorage struct {
	client   influxdb2.Client
	queryAPI api.QueryAPI
	writeAPI api.WriteAPI
	org      string
	bucket   string
	done     chan struct{}
}

// NewInfluxDBStorage connects and checks the server health
func NewInfluxDBStorage(ctx context.Context, cfg config.StorageConfig) (*InfluxDBStorage, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb health check: %w", err)
	}
	if health == nil || health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("influxdb not healthy: %+v", health)
	}

	s := &InfluxDBStorage{
		client:   client,
		queryAPI: client.QueryAPI(cfg.Organization),
		writeAPI: client.WriteAPI(cfg.Organization, cfg.Bucket),
		org:      cfg.Organization,
		bucket:   cfg.Bucket,
		done:     make(chan struct{}),
	}
	go s.logWriteErrors()
	return s, nil
}

// Close flushes pending points and closes the client
func (s *InfluxDBStorage) Close() {
	s.writeAPI.Flush()
	s.client.Close()
	close(s.done)
}

func (s *InfluxDBStorage) logWriteErrors() {
	errs := s.writeAPI.Errors()
	for {
		select {
		case err, ok := <-errs:
			if !ok {
				return
			}
			logger.Error("InfluxDB write failed", zap.Error(err))
		case <-s.done:
			return
		}
	}
}

// SaveRanking writes one point per ranked market
func (s *InfluxDBStorage) SaveRanking(ctx context.Context, ts time.Time, ranking models.OpportunityRanking) error {
	for i, r := range ranking {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.writeAPI.WritePoint(signalPoint(ts, i+1, r))
	}
	s.writeAPI.Flush()
	return nil
}

// SaveEmergency writes an emergency deleverage event
func (s *InfluxDBStorage) SaveEmergency(ctx context.Context, ev risk.EmergencyDeleverage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeAPI.WritePoint(emergencyPoint(ev))
	s.writeAPI.Flush()
	return nil
}

// GetSignalHistory returns the latest recorded scores of a market, newest first
func (s *InfluxDBStorage) GetSignalHistory(ctx context.Context, marketID string, limit int) ([]models.RankedMarket, error) {
	query, err := historyQuery(s.bucket, marketID, limit)
	if err != nil {
		return nil, err
	}

	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query signal history: %w", err)
	}
	defer result.Close()

	var history []models.RankedMarket
	for result.Next() {
		record := result.Record()
		history = append(history, models.RankedMarket{
			MarketID:  marketID,
			Composite: floatValue(record.ValueByKey("composite")),
			Signals: models.SignalSet{
				MarketID:           marketID,
				Timestamp:          record.Time(),
				Momentum:           floatValue(record.ValueByKey("momentum")),
				Volume:             floatValue(record.ValueByKey("volume")),
				Volatility:         floatValue(record.ValueByKey("volatility")),
				OrderbookImbalance: floatValue(record.ValueByKey("orderbook_imbalance")),
				Price:              floatValue(record.ValueByKey("price")),
				FundingRate:        floatValue(record.ValueByKey("funding_rate")),
			},
		})
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("read signal history: %w", result.Err())
	}
	return history, nil
}

func signalPoint(ts time.Time, rank int, r models.RankedMarket) *write.Point {
	return influxdb2.NewPoint(
		measurementSignals,
		map[string]string{
			"market": r.MarketID,
		},
		map[string]interface{}{
			"rank":                rank,
			"composite":           r.Composite,
			"momentum":            r.Signals.Momentum,
			"volume":              r.Signals.Volume,
			"volatility":          r.Signals.Volatility,
			"orderbook_imbalance": r.Signals.OrderbookImbalance,
			"price":               r.Signals.Price,
			"funding_rate":        r.Signals.FundingRate,
		},
		ts,
	)
}

func emergencyPoint(ev risk.EmergencyDeleverage) *write.Point {
	return influxdb2.NewPoint(
		measurementEmergency,
		map[string]string{
			"market": ev.MarketID,
		},
		map[string]interface{}{
			"id":          ev.ID.String(),
			"size":        ev.Size.InexactFloat64(),
			"mark":        ev.MarkPrice.InexactFloat64(),
			"liquidation": ev.LiquidationPrice.InexactFloat64(),
			"distance":    ev.Distance.InexactFloat64(),
		},
		ev.Time,
	)
}

func historyQuery(bucket, marketID string, limit int) (string, error) {
	if !marketPattern.MatchString(marketID) {
		return "", fmt.Errorf("%w: %q", ErrBadMarket, marketID)
	}
	if limit <= 0 {
		limit = 100
	}
	return fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -30d)
			|> filter(fn: (r) => r._measurement == "%s")
			|> filter(fn: (r) => r.market == "%s")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			|> sort(columns: ["_time"], desc: true)
			|> limit(n: %d)
	`, bucket, measurementSignals, marketID, limit), nil
}

func floatValue(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	default:
		return 0
	}
}
