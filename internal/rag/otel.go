package rag

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// NewStdoutMeterProvider builds a MeterProvider that periodically prints
// collected metrics to stdout, for local development and tests that want to
// see AnalyticsStore's counters and histogram without standing up a full
// metrics collector. Callers register it with otel.SetMeterProvider before
// constructing an AnalyticsStore; production deployments should register a
// collector-backed provider instead.
func NewStdoutMeterProvider(interval time.Duration) (*sdkmetric.MeterProvider, error) {
	exporter, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("create stdout metric exporter: %w", err)
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	return provider, nil
}

// ShutdownMeterProvider flushes and closes a MeterProvider created by
// NewStdoutMeterProvider, forcing any pending metrics to be exported.
func ShutdownMeterProvider(ctx context.Context, provider *sdkmetric.MeterProvider) error {
	return provider.Shutdown(ctx)
}
