package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del market maker.
type Config struct {
	MarketMaker MarketMakerConfig `yaml:"market_maker"`
	Feed        FeedConfig        `yaml:"feed"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	API         APIConfig         `yaml:"api"`
	Chain       ChainConfig       `yaml:"chain"`
	Storage     StorageConfig     `yaml:"storage"`
	Log         LogConfig         `yaml:"log"`
}

// MarketMakerConfig controla el ciclo de vida de las posiciones.
// Los tiempos se expresan en segundos.
type MarketMakerConfig struct {
	SplitAmount                float64  `yaml:"split_amount"`
	OffsetAboveMidpoint        float64  `yaml:"offset_above_midpoint"`
	PriceStep                  float64  `yaml:"price_step"`
	WaitAfterFill              float64  `yaml:"wait_after_fill"`
	WaitIfNeitherFills         float64  `yaml:"wait_if_neither_fills"`
	MergeThreshold             float64  `yaml:"merge_threshold"`
	WaitBeforeResplit          float64  `yaml:"wait_before_resplit"`
	PollInterval               float64  `yaml:"poll_interval"`
	MinMinutesBeforeResolution *float64 `yaml:"min_minutes_before_resolution"` // nil = sin límite
	MaxMinutesBeforeResolution *float64 `yaml:"max_minutes_before_resolution"` // nil = sin límite
	MaxAdjustments             *int     `yaml:"max_adjustments"`              // nil = 10; 0 desactiva
	MaxIterationsNeitherFills  *int     `yaml:"max_iterations_neither_fills"` // nil = 10; 0 desactiva
	MaxPositions               int      `yaml:"max_positions"`
	UseWeightedMidpoint        bool     `yaml:"use_weighted_midpoint"`
	MidpointDepthLevels        int      `yaml:"midpoint_depth_levels"`
	Workers                    int      `yaml:"workers"`         // posiciones procesadas en paralelo
	RedeemInterval             float64  `yaml:"redeem_interval"` // barrido de redenciones pendientes
}

// FeedConfig controla el transporte de orderbooks y de estados de órdenes.
type FeedConfig struct {
	UseWebsocket            *bool   `yaml:"use_websocket"`
	UseWebsocketOrderStatus *bool   `yaml:"use_websocket_order_status"`
	MarketWSURL             string  `yaml:"market_ws_url"`
	UserWSURL               string  `yaml:"user_ws_url"`
	HealthCheckTimeout      float64 `yaml:"health_check_timeout"`
	ReconnectDelay          float64 `yaml:"reconnect_delay"`
	MaxReconnectDelay       float64 `yaml:"max_reconnect_delay"`
}

// DiscoveryConfig controla la búsqueda de mercados.
type DiscoveryConfig struct {
	IntervalSeconds int      `yaml:"interval_seconds"`
	SlugPrefixes    []string `yaml:"slug_prefixes"`
	Limit           int      `yaml:"limit"`
}

// APIConfig contiene los base URLs de las APIs.
type APIConfig struct {
	CLOBBase  string `yaml:"clob_base"`
	GammaBase string `yaml:"gamma_base"`
}

// ChainConfig contiene el acceso on-chain. La clave privada solo por entorno.
type ChainConfig struct {
	RPCURL     string `yaml:"rpc_url"`
	PrivateKey string `yaml:"-"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del entorno sobreescriben los del YAML para las keys que correspondan.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return cfg, nil
}

// Parse decodifica YAML, aplica entorno y defaults, y valida.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("POLYGON_RPC_URL"); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := os.Getenv("POLY_PRIVATE_KEY"); v != "" {
		cfg.Chain.PrivateKey = v
	}
	if v := os.Getenv("POLYSPLIT_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
}

// setDefaults asegura que los valores opcionales tengan valores sensatos.
// Los parámetros de trading obligatorios no tienen default: los valida Validate.
func setDefaults(cfg *Config) {
	mm := &cfg.MarketMaker
	if mm.PollInterval == 0 {
		mm.PollInterval = 5
	}
	if mm.MaxAdjustments == nil {
		mm.MaxAdjustments = intPtr(10)
	}
	if mm.MaxIterationsNeitherFills == nil {
		mm.MaxIterationsNeitherFills = intPtr(10)
	}
	if mm.RedeemInterval <= 0 {
		mm.RedeemInterval = 300
	}
	if mm.MergeThreshold == 0 {
		mm.MergeThreshold = 1.0
	}
	if mm.MidpointDepthLevels <= 0 {
		mm.MidpointDepthLevels = 5
	}
	if mm.MaxPositions <= 0 {
		mm.MaxPositions = 5
	}
	if mm.Workers <= 0 {
		mm.Workers = 8
	}

	f := &cfg.Feed
	if f.UseWebsocket == nil {
		f.UseWebsocket = boolPtr(true)
	}
	if f.UseWebsocketOrderStatus == nil {
		f.UseWebsocketOrderStatus = boolPtr(true)
	}
	if f.MarketWSURL == "" {
		f.MarketWSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	}
	if f.UserWSURL == "" {
		f.UserWSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/user"
	}
	if f.HealthCheckTimeout <= 0 {
		f.HealthCheckTimeout = 14
	}
	if f.ReconnectDelay <= 0 {
		f.ReconnectDelay = 5
	}
	if f.MaxReconnectDelay <= 0 {
		f.MaxReconnectDelay = 60
	}

	if cfg.Discovery.IntervalSeconds <= 0 {
		cfg.Discovery.IntervalSeconds = 30
	}
	if cfg.Discovery.Limit <= 0 {
		cfg.Discovery.Limit = 100
	}
	if cfg.API.CLOBBase == "" {
		cfg.API.CLOBBase = "https://clob.polymarket.com"
	}
	if cfg.API.GammaBase == "" {
		cfg.API.GammaBase = "https://gamma-api.polymarket.com"
	}
	if cfg.Chain.RPCURL == "" {
		cfg.Chain.RPCURL = "https://polygon-rpc.com"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "polysplit.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// Validate comprueba los rangos de los parámetros de trading.
func (c *Config) Validate() error {
	mm := c.MarketMaker
	var errs []error

	if mm.SplitAmount <= 0 {
		errs = append(errs, fmt.Errorf("split_amount must be > 0, got %v", mm.SplitAmount))
	}
	if mm.OffsetAboveMidpoint <= 0 || mm.OffsetAboveMidpoint > 1 {
		errs = append(errs, fmt.Errorf("offset_above_midpoint must be in (0,1], got %v", mm.OffsetAboveMidpoint))
	}
	if mm.PriceStep <= 0 || mm.PriceStep > 1 {
		errs = append(errs, fmt.Errorf("price_step must be in (0,1], got %v", mm.PriceStep))
	}
	for name, v := range map[string]float64{
		"wait_after_fill":       mm.WaitAfterFill,
		"wait_if_neither_fills": mm.WaitIfNeitherFills,
		"wait_before_resplit":   mm.WaitBeforeResplit,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0, got %v", name, v))
		}
	}
	if mm.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be > 0, got %v", mm.PollInterval))
	}
	if (mm.MaxAdjustments != nil && *mm.MaxAdjustments < 0) ||
		(mm.MaxIterationsNeitherFills != nil && *mm.MaxIterationsNeitherFills < 0) {
		errs = append(errs, errors.New("max_adjustments and max_iterations_neither_fills must be >= 0"))
	}
	if lo, hi := mm.MinMinutesBeforeResolution, mm.MaxMinutesBeforeResolution; lo != nil && hi != nil && *lo > *hi {
		errs = append(errs, fmt.Errorf("min_minutes_before_resolution (%v) > max_minutes_before_resolution (%v)", *lo, *hi))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config.Validate: %w", errors.Join(errs...))
	}
	return nil
}

// PollInterval devuelve el intervalo del loop de posiciones.
func (c *Config) PollInterval() time.Duration {
	return seconds(c.MarketMaker.PollInterval)
}

// DiscoveryInterval devuelve el intervalo del loop de detección.
func (c *Config) DiscoveryInterval() time.Duration {
	return time.Duration(c.Discovery.IntervalSeconds) * time.Second
}

// Seconds convierte segundos de configuración a time.Duration.
func Seconds(v float64) time.Duration {
	return seconds(v)
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func boolPtr(b bool) *bool { return &b }

func intPtr(v int) *int { return &v }
