package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string `yaml:"environment" default:"development" validate:"required,oneof=development staging production"`
	Server      struct {
		Port            int           `yaml:"port" default:"8080" validate:"gt=0,lte=65535"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
		Format string `yaml:"format" default:"json" validate:"oneof=json console"`
	} `yaml:"log"`
	Metrics struct {
		Enabled bool   `yaml:"enabled" default:"true"`
		Path    string `yaml:"path" default:"/metrics"`
	} `yaml:"metrics"`
	Poll struct {
		Interval     time.Duration `yaml:"interval" default:"120s"`
		Workers      int           `yaml:"workers" default:"4" validate:"gte=1,lte=64"`
		Lookback     time.Duration `yaml:"lookback" default:"24h"`
		FetchTimeout time.Duration `yaml:"fetch_timeout" default:"15s"`
		LockWait     time.Duration `yaml:"lock_wait" default:"5s"`
		QuoteAsset   string        `yaml:"quote_asset" default:"USDT" validate:"required"`
	} `yaml:"poll"`
	Indicators struct {
		RSIPeriod        int     `yaml:"rsi_period" default:"14" validate:"gte=2"`
		MACDFast         int     `yaml:"macd_fast" default:"12" validate:"gte=1"`
		MACDSlow         int     `yaml:"macd_slow" default:"26" validate:"gtfield=MACDFast"`
		MACDSignal       int     `yaml:"macd_signal" default:"9" validate:"gte=0"`
		BollingerPeriod  int     `yaml:"bollinger_period" default:"20" validate:"gte=2"`
		BollingerMult    float64 `yaml:"bollinger_mult" default:"2" validate:"gt=0"`
		VolatilityWindow int     `yaml:"volatility_window" default:"20" validate:"gte=2"`
		VolumeWindow     int     `yaml:"volume_window" default:"20" validate:"gte=1"`
	} `yaml:"indicators"`
	Scoring struct {
		TrendWeight            float64 `yaml:"trend_weight" default:"3" validate:"gte=0"`
		HighVolatilityPct      float64 `yaml:"high_volatility_pct" default:"8" validate:"gt=0"`
		LowVolatilityPct       float64 `yaml:"low_volatility_pct" default:"2" validate:"gte=0,ltfield=HighVolatilityPct"`
		MajorMultiplier        float64 `yaml:"major_multiplier" default:"0.8" validate:"gt=0"`
		HighVarianceMultiplier float64 `yaml:"high_variance_multiplier" default:"1.2" validate:"gt=0"`
		MaxReasons             int     `yaml:"max_reasons" default:"4" validate:"gte=1"`
	} `yaml:"scoring"`
	Stabilizer struct {
		Cooldown                   time.Duration `yaml:"cooldown" default:"300s"`
		MinReemitInterval          time.Duration `yaml:"min_reemit_interval" default:"300s"`
		MinDirectionChangeInterval time.Duration `yaml:"min_direction_change_interval" default:"900s"`
		MinConfidenceDelta         float64       `yaml:"min_confidence_delta" default:"20" validate:"gte=0"`
	} `yaml:"stabilizer"`
	Signals struct {
		Validity    time.Duration `yaml:"validity" default:"30m"`
		HistorySize int           `yaml:"history_size" default:"100" validate:"gte=1"`
		SnapshotTTL time.Duration `yaml:"snapshot_ttl" default:"10m"`
		SnapshotKey string        `yaml:"snapshot_key" default:"signals:active"`
		AutoTrade   bool          `yaml:"auto_trade"`
	} `yaml:"signals"`
	Risk struct {
		MinConfidence   float64 `yaml:"min_confidence" default:"75" validate:"gte=0,lte=100"`
		RiskFraction    float64 `yaml:"risk_fraction" default:"0.02" validate:"gt=0,lte=1"`
		MaxLossFraction float64 `yaml:"max_loss_fraction" default:"0.01" validate:"gt=0,lte=1"`
		RiskReward      float64 `yaml:"risk_reward" default:"3" validate:"gt=0"`
	} `yaml:"risk"`
	Execution struct {
		Connector     string        `yaml:"connector" default:"paper" validate:"oneof=paper"`
		MaxAttempts   int           `yaml:"max_attempts" default:"3" validate:"gte=1,lte=10"`
		BackoffBase   time.Duration `yaml:"backoff_base" default:"500ms"`
		BackoffMax    time.Duration `yaml:"backoff_max" default:"5s"`
		SubmitTimeout time.Duration `yaml:"submit_timeout" default:"10s"`
		PaperBalance  float64       `yaml:"paper_balance" default:"10000" validate:"gte=0"`
		Breaker       struct {
			FailureThreshold int           `yaml:"failure_threshold" default:"5" validate:"gte=1"`
			SuccessThreshold int           `yaml:"success_threshold" default:"2" validate:"gte=1"`
			Timeout          time.Duration `yaml:"timeout" default:"60s"`
		} `yaml:"breaker"`
	} `yaml:"execution"`
	MarketData struct {
		Source     string        `yaml:"source" default:"http" validate:"oneof=http clickhouse"`
		BaseURL    string        `yaml:"base_url" default:"https://api.coingecko.com/api/v3" validate:"required,url"`
		APIKey     string        `yaml:"api_key"`
		VsCurrency string        `yaml:"vs_currency" default:"usd"`
		RatePerSec float64       `yaml:"rate_per_sec" default:"1" validate:"gt=0"`
		Burst      int           `yaml:"burst" default:"1" validate:"gte=1"`
		SeriesTTL  time.Duration `yaml:"series_ttl" default:"60s"`
		QuoteTTL   time.Duration `yaml:"quote_ttl" default:"30s"`
		Cache      string        `yaml:"cache" default:"memory" validate:"oneof=memory redis layered none"`
		Stream     struct {
			Enabled      bool          `yaml:"enabled"`
			URL          string        `yaml:"url" default:"wss://stream.binance.com:9443/ws/!miniTicker@arr"`
			PingInterval time.Duration `yaml:"ping_interval" default:"30s"`
			MaxStaleness time.Duration `yaml:"max_staleness" default:"60s"`
		} `yaml:"stream"`
	} `yaml:"marketdata"`
	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Addr     string `yaml:"addr" default:"localhost:6379"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Kafka struct {
		Enabled      bool     `yaml:"enabled"`
		Brokers      []string `yaml:"brokers"`
		RequiredAcks int      `yaml:"required_acks" default:"-1"`
		Compression  string   `yaml:"compression" default:"snappy"`
		Topics       struct {
			Signals    string `yaml:"signals" default:"signals.accepted"`
			Alerts     string `yaml:"alerts" default:"signals.alerts"`
			Executions string `yaml:"executions" default:"signals.executions"`
			Control    string `yaml:"control" default:"signals.control"`
		} `yaml:"topics"`
		Producer struct {
			MaxAttempts  int           `yaml:"max_attempts" default:"5"`
			Linger       time.Duration `yaml:"linger" default:"10ms"`
			BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
			BatchSize    int           `yaml:"batch_size" default:"100"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
		} `yaml:"producer"`
		Consumer struct {
			GroupID    string        `yaml:"group_id" default:"signaldesk-control"`
			Workers    int           `yaml:"workers" default:"1" validate:"gte=1"`
			RetryMax   int           `yaml:"retry_max" default:"3"`
			BackoffMin time.Duration `yaml:"backoff_min" default:"100ms"`
			BackoffMax time.Duration `yaml:"backoff_max" default:"2s"`
			DLQTopic   string        `yaml:"dlq_topic"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	ClickHouse struct {
		Host        string        `yaml:"host" default:"localhost"`
		Port        int           `yaml:"port" default:"9000"`
		Database    string        `yaml:"database" default:"default"`
		User        string        `yaml:"user" default:"default"`
		Password    string        `yaml:"password"`
		Table       string        `yaml:"table" default:"candles_1m"`
		Timeframe   string        `yaml:"timeframe" default:"5m" validate:"oneof=1m 5m 1h"`
		DialTimeout time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout time.Duration `yaml:"read_timeout" default:"30s"`
	} `yaml:"clickhouse"`
	Instruments []Instrument `yaml:"instruments" validate:"required,min=1,dive"`
}

// Instrument is one configured trading pair.
type Instrument struct {
	ID           string        `yaml:"id" validate:"required"`
	Symbol       string        `yaml:"symbol" validate:"required,max=32"`
	Class        string        `yaml:"class" default:"standard" validate:"oneof=standard major high_variance"`
	MinIncrement string        `yaml:"min_increment" default:"0.00000001"`
	OrderType    string        `yaml:"order_type" default:"MARKET" validate:"oneof=MARKET LIMIT TWAP"`
	TWAPSlices   int           `yaml:"twap_slices" default:"4" validate:"gte=1"`
	TWAPInterval time.Duration `yaml:"twap_interval" default:"30s"`
}

var validate = validator.New()

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse applies defaults to a YAML document and validates the result.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.setDefaults(); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

func (c *Config) setDefaults() error {
	if err := defaults.Set(c); err != nil {
		return err
	}
	for i := range c.Instruments {
		if err := defaults.Set(&c.Instruments[i]); err != nil {
			return err
		}
	}
	return nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("SIGNALDESK_ENV"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("SIGNALDESK_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("SIGNALDESK_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("SIGNALDESK_PORT: %w", err)
		}
		c.Server.Port = p
	}
	if v := os.Getenv("SIGNALDESK_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("SIGNALDESK_POLL_INTERVAL: %w", err)
		}
		c.Poll.Interval = d
	}
	if v := os.Getenv("SIGNALDESK_MARKETDATA_API_KEY"); v != "" {
		c.MarketData.APIKey = v
	}
	if v := os.Getenv("SIGNALDESK_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("SIGNALDESK_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("SIGNALDESK_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
		c.Kafka.Enabled = true
	}
	if v := os.Getenv("SIGNALDESK_CLICKHOUSE_PASSWORD"); v != "" {
		c.ClickHouse.Password = v
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// Validate checks tags and the rules that span sections.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be positive")
	}
	if c.Execution.SubmitTimeout <= 0 {
		return fmt.Errorf("execution.submit_timeout must be positive")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty when kafka is enabled")
	}
	if (c.MarketData.Cache == "redis" || c.MarketData.Cache == "layered") && !c.Redis.Enabled {
		return fmt.Errorf("marketdata.cache=%s requires redis.enabled", c.MarketData.Cache)
	}
	seen := make(map[string]bool, len(c.Instruments))
	for _, in := range c.Instruments {
		if seen[in.Symbol] {
			return fmt.Errorf("duplicate instrument symbol %q", in.Symbol)
		}
		seen[in.Symbol] = true
	}
	return nil
}
