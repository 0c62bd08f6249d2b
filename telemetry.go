package main

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	serviceName    = "xbridge"
	serviceVersion = "1.0.0"
)

// Telemetry records admission, retry, cache and credential outcomes.
type Telemetry interface {
	RecordAdmission(ctx context.Context, action ActionClass, scope Scope, admitted bool)
	RecordRemoteCall(ctx context.Context, operation, outcome string)
	RecordRetry(ctx context.Context, operation string, attempt int)
	RecordCacheLookup(ctx context.Context, outcome string)
	RecordTokenRefresh(ctx context.Context, source string, ok bool)
	Close(ctx context.Context) error
}

// OTelTelemetry exports counters to an OTEL collector.
type OTelTelemetry struct {
	provider       *sdkmetric.MeterProvider
	admissions     metric.Int64Counter
	remoteCalls    metric.Int64Counter
	retries        metric.Int64Counter
	cacheLookups   metric.Int64Counter
	tokenRefreshes metric.Int64Counter
}

func NewOTelTelemetry(ctx context.Context, cfg OTelConfig) (*OTelTelemetry, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return nil, fmt.Errorf("OTEL exporter is disabled or endpoint not configured")
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)
	t := &OTelTelemetry{provider: provider}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&t.admissions, "xbridge_admission_checks_total", "Local admission decisions", "{check}"},
		{&t.remoteCalls, "xbridge_remote_calls_total", "Upstream calls by outcome", "{call}"},
		{&t.retries, "xbridge_remote_retries_total", "Backoff retries after throttling or server errors", "{retry}"},
		{&t.cacheLookups, "xbridge_metrics_cache_lookups_total", "Metrics cache lookups by outcome", "{lookup}"},
		{&t.tokenRefreshes, "xbridge_token_refreshes_total", "OAuth2 token renewals", "{refresh}"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("creating %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	return t, nil
}

func (t *OTelTelemetry) RecordAdmission(ctx context.Context, action ActionClass, scope Scope, admitted bool) {
	t.admissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", string(action)),
		attribute.String("scope", string(scope)),
		attribute.Bool("admitted", admitted),
	))
}

func (t *OTelTelemetry) RecordRemoteCall(ctx context.Context, operation, outcome string) {
	t.remoteCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

func (t *OTelTelemetry) RecordRetry(ctx context.Context, operation string, attempt int) {
	t.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Int("attempt", attempt),
	))
}

func (t *OTelTelemetry) RecordCacheLookup(ctx context.Context, outcome string) {
	t.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (t *OTelTelemetry) RecordTokenRefresh(ctx context.Context, source string, ok bool) {
	t.tokenRefreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.Bool("ok", ok),
	))
}

// Close shuts down the exporter and flushes any pending metrics.
func (t *OTelTelemetry) Close(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

// NoOpTelemetry is used when no collector is configured.
type NoOpTelemetry struct{}

func (NoOpTelemetry) RecordAdmission(context.Context, ActionClass, Scope, bool) {}
func (NoOpTelemetry) RecordRemoteCall(context.Context, string, string) {}
func (NoOpTelemetry) RecordRetry(context.Context, string, int) {}
func (NoOpTelemetry) RecordCacheLookup(context.Context, string) {}
func (NoOpTelemetry) RecordTokenRefresh(context.Context, string, bool) {}
func (NoOpTelemetry) Close(context.Context) error { return nil }

// newTelemetry degrades to the no-op recorder when the exporter cannot start.
func newTelemetry(ctx context.Context, cfg OTelConfig) Telemetry {
	if !cfg.Enabled {
		return NoOpTelemetry{}
	}
	t, err := NewOTelTelemetry(ctx, cfg)
	if err != nil {
		logWarn("telemetry.disabled", "error", err)
		return NoOpTelemetry{}
	}
	logInfo("telemetry.enabled", "endpoint", cfg.Endpoint)
	return t
}
