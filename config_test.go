package main

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MetricsStaleAfter != 6*time.Hour || cfg.MetricsMinRequestInterval != time.Hour {
		t.Errorf("cache gates = %v / %v", cfg.MetricsStaleAfter, cfg.MetricsMinRequestInterval)
	}
	policy := cfg.retryPolicy()
	if policy.MaxAttempts != 3 || policy.InitialDelay != 60*time.Second {
		t.Errorf("retry policy = %+v", policy)
	}
	if cfg.APIBaseURL != defaultAPIBaseURL || cfg.TokenURL != defaultTokenURL {
		t.Errorf("urls = %s, %s", cfg.APIBaseURL, cfg.TokenURL)
	}
	if cfg.OTel.Enabled || cfg.OTel.Endpoint != "localhost:4317" {
		t.Errorf("otel = %+v", cfg.OTel)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("XBRIDGE_LISTEN_ADDR", "127.0.0.1:9090")
	t.Setenv("XBRIDGE_RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("XBRIDGE_METRICS_STALE_AFTER", "2h")
	t.Setenv("XBRIDGE_REDIS_ADDR", "redis:6379")
	t.Setenv("XBRIDGE_OTEL_ENABLED", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9090" || cfg.RetryMaxAttempts != 5 || cfg.MetricsStaleAfter != 2*time.Hour {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.RedisAddr != "redis:6379" || !cfg.OTel.Enabled {
		t.Errorf("redis %q otel %+v", cfg.RedisAddr, cfg.OTel)
	}
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	t.Setenv("XBRIDGE_REQUEST_TIMEOUT", "soon")
	if _, err := LoadConfig(); err == nil {
		t.Error("invalid duration accepted")
	}
}

func TestLoadConfigMentionFilter(t *testing.T) {
	t.Setenv("XBRIDGE_FILTER_CASHTAG_MENTIONS", "true")
	t.Setenv("XBRIDGE_WHITELISTED_CASHTAGS", "btc, eth,,")
	t.Setenv("XBRIDGE_MAX_MENTION_ENTITIES", "3")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	f := cfg.mentionFilter()
	if !f.filterCashtags || f.filterHashtags || f.maxEntities != 3 {
		t.Errorf("filter = %+v", f)
	}
	for _, tag := range []string{"BTC", "ETH"} {
		if _, ok := f.cashtagAllow[tag]; !ok {
			t.Errorf("%s not whitelisted: %v", tag, f.cashtagAllow)
		}
	}
	if len(f.cashtagAllow) != 2 {
		t.Errorf("whitelist = %v", f.cashtagAllow)
	}
}
