// Package observability wires structured logging, Prometheus metrics and
// optional OTLP tracing for RepSentinel.
package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lvonguyen/repsentinel/internal/config"
)

const systemSampleInterval = 15 * time.Second

// Config selects the logging, tracing and metrics backends.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	LogLevel  string // debug, info, warn, error
	LogFormat string // json, console

	TracingEnabled bool
	OTLPEndpoint   string
	SamplingRate   float64 // 0 samples everything

	MetricsEnabled bool
}

// ConfigFrom derives telemetry settings from the application config.
func ConfigFrom(cfg *config.Config, version string) Config {
	return Config{
		ServiceName:    "repsentinel",
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Environment,
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
		TracingEnabled: cfg.Telemetry.TracingEnabled,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	}
}

// Telemetry owns the process logger, tracer and metrics.
type Telemetry struct {
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *Metrics

	closeOnce sync.Once
	closers   []func(context.Context) error
}

// New builds telemetry from cfg. A tracing exporter that cannot be
// created is logged and tracing stays on the global no-op provider.
func New(cfg Config) (*Telemetry, error) {
	logger, err := buildLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	t := &Telemetry{logger: logger}

	if cfg.TracingEnabled && cfg.OTLPEndpoint != "" {
		tp, err := newTracerProvider(context.Background(), cfg)
		if err != nil {
			logger.Warn("Tracing disabled", zap.String("endpoint", cfg.OTLPEndpoint), zap.Error(err))
		} else {
			otel.SetTracerProvider(tp)
			otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
				propagation.TraceContext{},
				propagation.Baggage{},
			))
			t.closers = append(t.closers, tp.Shutdown)
			logger.Info("Tracing enabled", zap.String("endpoint", cfg.OTLPEndpoint))
		}
	}
	t.tracer = otel.Tracer(cfg.ServiceName)

	if cfg.MetricsEnabled {
		t.metrics = DefaultMetrics()
	}
	return t, nil
}

// NewNop returns telemetry that discards logs and records no metrics.
func NewNop() *Telemetry {
	return &Telemetry{
		logger: zap.NewNop(),
		tracer: otel.Tracer("repsentinel"),
	}
}

// buildLogger returns a JSON production logger, or a colored console
// logger for local use. Output goes to stderr so CLI results and the MCP
// protocol own stdout.
func buildLogger(cfg Config) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	level := zapcore.InfoLevel
	if cfg.LogLevel != "" {
		parsed, err := zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		level = parsed
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.InitialFields = map[string]any{
		"service":     cfg.ServiceName,
		"version":     cfg.ServiceVersion,
		"environment": cfg.Environment,
	}
	return zc.Build()
}

func newTracerProvider(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SamplingRate > 0 && cfg.SamplingRate < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	), nil
}

// Logger returns the process logger.
func (t *Telemetry) Logger() *zap.Logger { return t.logger }

// Tracer returns the service tracer.
func (t *Telemetry) Tracer() trace.Tracer { return t.tracer }

// Metrics returns the metrics, or nil when metrics are disabled. All
// Metrics methods accept a nil receiver.
func (t *Telemetry) Metrics() *Metrics { return t.metrics }

// MetricsHandler serves the default Prometheus registry.
func (t *Telemetry) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// StartSystemMetricsCollector samples goroutine count and heap usage
// until ctx ends.
func (t *Telemetry) StartSystemMetricsCollector(ctx context.Context) {
	if t.metrics == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(systemSampleInterval)
		defer ticker.Stop()
		var ms runtime.MemStats
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runtime.ReadMemStats(&ms)
				t.metrics.GoroutineCount.Set(float64(runtime.NumGoroutine()))
				t.metrics.MemoryUsage.Set(float64(ms.Alloc))
			}
		}
	}()
}

// Shutdown flushes the tracer provider and the logger. It is safe to call
// more than once.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	t.closeOnce.Do(func() {
		for _, closeFn := range t.closers {
			errs = append(errs, closeFn(ctx))
		}
		_ = t.logger.Sync()
	})
	return errors.Join(errs...)
}
