package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"
)

// Config is the full application configuration
type Config struct {
	Markets  []string       `yaml:"markets" validate:"required,min=1,dive,required"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Options  Options        `yaml:"options"`
	Stream   StreamConfig   `yaml:"stream"`
	Signals  SignalsConfig  `yaml:"signals"`
	Risk     RiskConfig     `yaml:"risk"`
	Strategy StrategyConfig `yaml:"strategy"`
	Storage  StorageConfig  `yaml:"storage"`
	Events   EventsConfig   `yaml:"events"`
	API      APIConfig      `yaml:"api"`
	UI       UIConfig       `yaml:"ui"`
	Log      LogConfig      `yaml:"log"`
}

// Options is the core tuning surface shared by the aggregator, the risk guard and the multiplexer
type Options struct {
	CompositeWeights          Weights       `yaml:"composite_weights"`
	MarginCeiling             float64       `yaml:"margin_ceiling" default:"0.85" validate:"gt=0,lte=1"`
	MarginWarning             float64       `yaml:"margin_warning" default:"0.75" validate:"gt=0,ltefield=MarginCeiling"`
	LiquidationFloor          float64       `yaml:"liquidation_floor" default:"0.10" validate:"gt=0,lt=1"`
	EmergencyLiquidationFloor float64       `yaml:"emergency_liquidation_floor" default:"0.05" validate:"gt=0,ltefield=LiquidationFloor"`
	ReconnectBackoffMax       time.Duration `yaml:"reconnect_backoff_max" default:"30s" validate:"gt=0"`
}

// Weights are the composite score weights per signal dimension
type Weights struct {
	Momentum           float64 `yaml:"momentum" default:"1" validate:"gte=0"`
	Volume             float64 `yaml:"volume" default:"1" validate:"gte=0"`
	Volatility         float64 `yaml:"volatility" default:"1" validate:"gte=0"`
	OrderbookImbalance float64 `yaml:"orderbook_imbalance" default:"1" validate:"gte=0"`
}

// Sum returns the total weight
func (w Weights) Sum() float64 {
	return w.Momentum + w.Volume + w.Volatility + w.OrderbookImbalance
}

// DefaultStreamURL is the Binance futures combined stream endpoint
const DefaultStreamURL = "wss://fstream.binance.com/stream"

// ExchangeConfig holds the Binance futures connection settings
type ExchangeConfig struct {
	APIKey           string        `yaml:"api_key"`
	APISecret        string        `yaml:"api_secret"`
	Testnet          bool          `yaml:"testnet"`
	StreamURL        string        `yaml:"stream_url" default:"wss://fstream.binance.com/stream" validate:"required,url"`
	DepthLimit       int           `yaml:"depth_limit" default:"5" validate:"oneof=5 10 20 50 100 500 1000"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" default:"10s" validate:"gt=0"`
	ReadTimeout      time.Duration `yaml:"read_timeout" default:"60s" validate:"gt=0"`
}

// StreamConfig holds the multiplexer settings
type StreamConfig struct {
	BufferSize int           `yaml:"buffer_size" default:"256" validate:"gte=1"`
	BackoffMin time.Duration `yaml:"backoff_min" default:"250ms" validate:"gt=0"`
	MaxRetries int           `yaml:"max_retries" default:"5" validate:"gte=1"`
}

// SignalsConfig holds the per-market engine settings
type SignalsConfig struct {
	WindowSize int              `yaml:"window_size" default:"64" validate:"gte=2"`
	WindowTTL  time.Duration    `yaml:"window_ttl" default:"5m" validate:"gt=0"`
	Momentum   MomentumConfig   `yaml:"momentum"`
	Volume     VolumeConfig     `yaml:"volume"`
	Volatility VolatilityConfig `yaml:"volatility"`
	OrderBook  OrderBookConfig  `yaml:"orderbook"`
}

// MomentumConfig momentum scoring settings
type MomentumConfig struct {
	Lookback    int     `yaml:"lookback" default:"20" validate:"gte=1"`
	Sensitivity float64 `yaml:"sensitivity_pct" default:"1" validate:"gt=0"`
}

// VolumeConfig volume scoring settings
type VolumeConfig struct {
	ReferenceVolume  float64 `yaml:"reference_volume" default:"1000000000" validate:"gt=1"`
	ReferenceTrades  float64 `yaml:"reference_trades" default:"1000000" validate:"gt=1"`
	TradeCountWeight float64 `yaml:"trade_count_weight" default:"0.3" validate:"gte=0,lte=1"`
}

// VolatilityConfig volatility scoring settings
type VolatilityConfig struct {
	SpreadReferenceBps   float64 `yaml:"spread_reference_bps" default:"5" validate:"gt=0"`
	RealizedReferenceBps float64 `yaml:"realized_reference_bps" default:"20" validate:"gt=0"`
	RealizedWeight       float64 `yaml:"realized_weight" default:"0.5" validate:"gte=0,lte=1"`
}

// OrderBookConfig orderbook imbalance scoring settings
type OrderBookConfig struct {
	ImbalanceThreshold float64 `yaml:"imbalance_threshold" validate:"gte=0,lt=50"`
}

// RiskConfig holds the margin model settings not covered by Options
type RiskConfig struct {
	InitialBalance        float64 `yaml:"initial_balance" default:"10000" validate:"gte=0"`
	MaintenanceMarginRate float64 `yaml:"maintenance_margin_rate" default:"0.005" validate:"gte=0,lt=1"`
	DefaultLeverage       float64 `yaml:"default_leverage" default:"5" validate:"gte=1,ltefield=MaxLeverage"`
	MaxLeverage           float64 `yaml:"max_leverage" default:"20" validate:"gte=1"`
	SizePrecision         int32   `yaml:"size_precision" default:"4" validate:"gte=0,lte=12"`
	EventBuffer           int     `yaml:"event_buffer" default:"64" validate:"gte=1"`
}

// StrategyConfig thresholds and allocation for the downstream consumer helpers
type StrategyConfig struct {
	BuyThreshold       float64 `yaml:"buy_threshold" default:"80" validate:"gt=0,lte=100"`
	SellThreshold      float64 `yaml:"sell_threshold" default:"30" validate:"gte=0,ltfield=BuyThreshold"`
	TopN               int     `yaml:"top_n" default:"20" validate:"gte=1"`
	TotalAllocationPct float64 `yaml:"total_allocation_pct" default:"80" validate:"gt=0,lte=100"`
}

// StorageConfig InfluxDB recording settings
type StorageConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url" validate:"required_if=Enabled true"`
	Token          string        `yaml:"token"`
	Organization   string        `yaml:"organization" validate:"required_if=Enabled true"`
	Bucket         string        `yaml:"bucket" validate:"required_if=Enabled true"`
	RecordInterval time.Duration `yaml:"record_interval" default:"10s" validate:"gt=0"`
}

// EventsConfig emergency event publishing settings
type EventsConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

// KafkaConfig Kafka producer settings
type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers" validate:"required_if=Enabled true"`
	Topic        string        `yaml:"topic" default:"perpguard.emergency"`
	WriteTimeout time.Duration `yaml:"write_timeout" default:"5s" validate:"gt=0"`
}

// APIConfig read-only HTTP API settings
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" default:":8080"`
}

// UIConfig terminal dashboard settings
type UIConfig struct {
	Enabled     bool          `yaml:"enabled"`
	RefreshRate time.Duration `yaml:"refresh_rate" default:"500ms" validate:"gt=0"`
	LogFile     string        `yaml:"log_file" default:"app.json.log"`
}

// LogConfig logger settings
type LogConfig struct {
	Level    string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	File     string `yaml:"file" default:"app.log"`
	JSONFile string `yaml:"json_file" default:"app.json.log"`
	Console  bool   `yaml:"console"`
}

var validate = validator.New()

// Default returns a configuration with every default applied
func Default() (*Config, error) {
	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	return &cfg, nil
}

// Load reads, defaults and validates the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse builds a configuration from YAML bytes
func Parse(data []byte) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Markets = normalizeMarkets(cfg.Markets)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	return c.Options.Validate()
}

// Validate checks the options on their own, for callers that build them in code
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return err
	}
	if o.CompositeWeights.Sum() <= 0 {
		return errors.New("composite_weights: at least one weight must be positive")
	}
	return nil
}

func normalizeMarkets(markets []string) []string {
	seen := make(map[string]struct{}, len(markets))
	out := make([]string, 0, len(markets))
	for _, m := range markets {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
