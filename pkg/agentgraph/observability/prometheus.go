package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// PrometheusProvider is a meter provider whose instruments are scraped over
// HTTP in the Prometheus text format.
type PrometheusProvider struct {
	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry
}

// NewPrometheusProvider creates a meter provider backed by a private
// Prometheus registry that also carries Go runtime and process collectors.
func NewPrometheusProvider() (*PrometheusProvider, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	return &PrometheusProvider{
		provider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)),
		registry: reg,
	}, nil
}

// MeterProvider returns the OTel meter provider.
func (p *PrometheusProvider) MeterProvider() *sdkmetric.MeterProvider { return p.provider }

// Recorder returns a MetricsRecorder bound to this provider.
func (p *PrometheusProvider) Recorder() MetricsRecorder {
	return NewMetricsRecorderWithMeter(p.provider.Meter(MeterName))
}

// Handler serves the registry for scraping.
func (p *PrometheusProvider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (p *PrometheusProvider) Shutdown(ctx context.Context) error {
	return p.provider.Shutdown(ctx)
}
