package main

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "XBRIDGE"

// Config is read from XBRIDGE_* environment variables.
type Config struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`
	SQLitePath string `envconfig:"SQLITE_PATH" default:"xbridge.db"`

	ClientID     string `envconfig:"CLIENT_ID"`
	ClientSecret string `envconfig:"CLIENT_SECRET"`
	UserID       string `envconfig:"USER_ID"`
	APIBaseURL   string `envconfig:"API_BASE_URL" default:"https://api.twitter.com/2"`
	TokenURL     string `envconfig:"TOKEN_URL" default:"https://api.twitter.com/2/oauth2/token"`

	RequestTimeout       time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	MaxRequestsPerSecond float64       `envconfig:"MAX_REQUESTS_PER_SECOND" default:"5"`

	MetricsStaleAfter         time.Duration `envconfig:"METRICS_STALE_AFTER" default:"6h"`
	MetricsMinRequestInterval time.Duration `envconfig:"METRICS_MIN_REQUEST_INTERVAL" default:"1h"`

	RetryMaxAttempts  int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialDelay time.Duration `envconfig:"RETRY_INITIAL_DELAY" default:"60s"`

	// Mention timeline filters. A zero MaxMentionEntities disables the cap.
	FilterCashtagMentions bool     `envconfig:"FILTER_CASHTAG_MENTIONS" default:"false"`
	WhitelistedCashtags   []string `envconfig:"WHITELISTED_CASHTAGS"`
	FilterHashtagMentions bool     `envconfig:"FILTER_HASHTAG_MENTIONS" default:"false"`
	MaxMentionEntities    int      `envconfig:"MAX_MENTION_ENTITIES" default:"0"`

	// Empty keeps admission ledgers in process.
	RedisAddr string `envconfig:"REDIS_ADDR"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	OTel OTelConfig `envconfig:"OTEL"`
}

// OTelConfig holds the OTLP metrics exporter settings.
type OTelConfig struct {
	Enabled  bool   `envconfig:"ENABLED" default:"false"`
	Endpoint string `envconfig:"ENDPOINT" default:"localhost:4317"`
	Insecure bool   `envconfig:"INSECURE" default:"true"`
}

func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) retryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: c.RetryMaxAttempts, InitialDelay: c.RetryInitialDelay}
}

func (c *Config) mentionFilter() MentionFilter {
	return NewMentionFilter(c.FilterCashtagMentions, c.WhitelistedCashtags, c.FilterHashtagMentions, c.MaxMentionEntities)
}
