package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// app holds everything a command needs, built from one Config.
type app struct {
	cfg       *Config
	db        *sql.DB
	redis     *redis.Client
	doer      *azureDoer
	telemetry Telemetry

	tokens       *TokenManager
	refreshState *RefreshStateStore
	cache        *MetricsCache
	service      *Service
}

func buildApp(ctx context.Context, cfg *Config) (*app, error) {
	setLogLevel(cfg.LogLevel)

	db, err := openSQLite(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, db: db}

	kv := NewKVStore(db)
	a.refreshState = NewRefreshStateStore(db)
	a.telemetry = newTelemetry(ctx, cfg.OTel)
	a.doer = newAzureDoer(cfg.RequestTimeout)

	var exchanger tokenExchanger
	if cfg.ClientID != "" {
		exchanger = NewOAuth2Client(a.doer, cfg.TokenURL, cfg.ClientID, cfg.ClientSecret)
	} else {
		logWarn("app.token_exchange_disabled", "reason", "XBRIDGE_CLIENT_ID not set")
	}
	a.tokens = NewTokenManager(NewCredentialStore(kv), exchanger, a.refreshState, a.telemetry)

	var (
		admission Admitter
		limits    usageReporter
	)
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		shared, err := NewRedisAdmission(ctx, a.redis, nil)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("redis admission: %w", err)
		}
		admission = shared
	} else {
		local := NewAdmissionController(nil)
		admission = local
		limits = local
	}
	retry := NewRetryCoordinator(admission, cfg.retryPolicy(), a.telemetry)

	gateway, err := NewXClient(a.doer, cfg.APIBaseURL, cfg.UserID, a.tokens, cfg.MaxRequestsPerSecond)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.cache, err = NewMetricsCache(NewMetricsCacheStore(kv), cfg.MetricsStaleAfter, cfg.MetricsMinRequestInterval, a.telemetry)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.service = NewService(a.tokens, retry, gateway, a.cache, limits, a.refreshState)
	a.service.mentions = cfg.mentionFilter()
	return a, nil
}

func (a *app) Close(ctx context.Context) {
	if a.telemetry != nil {
		if err := a.telemetry.Close(ctx); err != nil {
			logWarn("app.telemetry_close_failed", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.doer != nil {
		a.doer.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
