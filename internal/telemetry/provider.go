package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Config controls self-instrumentation export.
type Config struct {
	ServiceName    string     `yaml:"service_name"`
	ServiceVersion string     `yaml:"service_version"`
	Exporter       string     `yaml:"exporter"` // "none", "prom" or "otlp"
	Interval       string     `yaml:"interval"` // OTLP push interval, e.g. "30s"
	Prometheus     PromConfig `yaml:"prometheus"`
	OTLP           OTLPConfig `yaml:"otlp"`
}

// PromConfig defines the Prometheus scrape endpoint.
type PromConfig struct {
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
}

// OTLPConfig defines the OTLP/HTTP exporter options.
type OTLPConfig struct {
	Endpoint string            `yaml:"endpoint"`
	Insecure bool              `yaml:"insecure"`
	Headers  map[string]string `yaml:"headers"`
}

var (
	initOnce     sync.Once
	initErr      error
	shutdownFunc = func(context.Context) error { return nil }
)

// Init installs the meter provider for the configured exporter. It runs at
// most once per process; later calls return the first result. The returned
// shutdown func may be called any number of times.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	initOnce.Do(func() {
		shutdownFunc, initErr = initProvider(ctx, cfg)
	})
	return shutdownFunc, initErr
}

func initProvider(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	exporter := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	if exporter == "" || exporter == "none" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := buildResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	var (
		reader metric.Reader
		srv    *http.Server
		stop   func(context.Context) error
	)
	switch exporter {
	case "otlp":
		reader, stop, err = buildOTLPExporter(ctx, cfg)
	case "prom", "prometheus":
		reader, srv, err = buildPrometheusExporter(cfg)
	default:
		return nil, fmt.Errorf("telemetry: unsupported exporter %q", exporter)
	}
	if err != nil {
		return nil, err
	}

	mp := metric.NewMeterProvider(
		metric.WithReader(reader),
		metric.WithResource(res),
	)
	if err := configureMeterProvider(mp); err != nil {
		_ = mp.Shutdown(ctx)
		if stop != nil {
			_ = stop(ctx)
		}
		if srv != nil {
			_ = srv.Close()
		}
		return nil, fmt.Errorf("telemetry: configure meter: %w", err)
	}

	var (
		shutdownOnce sync.Once
		shutdownErr  error
	)
	return func(ctx context.Context) error {
		shutdownOnce.Do(func() { shutdownErr = shutdownProvider(ctx, mp, srv) })
		return shutdownErr
	}, nil
}

func shutdownProvider(ctx context.Context, mp *metric.MeterProvider, srv *http.Server) error {
	var errs []error
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}
	// The provider shuts its readers and their exporters down.
	if err := mp.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func buildResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "glean"
	}
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(name)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(cfg.ServiceVersion))
	}
	return resource.New(ctx,
		resource.WithOS(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(attrs...),
	)
}

func buildPrometheusExporter(cfg Config) (metric.Reader, *http.Server, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(
		prometheus.WithoutTargetInfo(),
		prometheus.WithoutUnits(),
		prometheus.WithRegisterer(registry),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: create prometheus exporter: %w", err)
	}

	addr := cfg.Prometheus.Addr
	if addr == "" {
		addr = "127.0.0.1:9465"
	}
	path := cfg.Prometheus.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: listen on %s: %w", addr, err)
	}
	srv := &http.Server{Addr: ln.Addr().String(), Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			otel.Handle(fmt.Errorf("telemetry: prometheus server: %w", err))
		}
	}()

	return exporter, srv, nil
}

func buildOTLPExporter(ctx context.Context, cfg Config) (metric.Reader, func(context.Context) error, error) {
	endpoint := cfg.OTLP.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4318"
	}
	options := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
	if cfg.OTLP.Insecure {
		options = append(options, otlpmetrichttp.WithInsecure())
	}
	if len(cfg.OTLP.Headers) > 0 {
		options = append(options, otlpmetrichttp.WithHeaders(cfg.OTLP.Headers))
	}

	exporter, err := otlpmetrichttp.New(ctx, options...)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: create otlp exporter: %w", err)
	}

	var readerOpts []metric.PeriodicReaderOption
	if cfg.Interval != "" {
		interval, err := time.ParseDuration(cfg.Interval)
		if err != nil {
			return nil, nil, fmt.Errorf("telemetry: parse interval %q: %w", cfg.Interval, err)
		}
		readerOpts = append(readerOpts, metric.WithInterval(interval))
	}
	reader := metric.NewPeriodicReader(exporter, readerOpts...)
	return reader, func(ctx context.Context) error { return exporter.Shutdown(ctx) }, nil
}
