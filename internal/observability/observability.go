// Package observability provides structured logging and Prometheus
// metrics behind a single provider, so every component gets its own
// named logger and metric set from one configuration.
package observability

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Fields carries structured key-value context on a log entry.
type Fields map[string]interface{}

// Logger is the structured logging contract. Implementations emit
// JSON lines suitable for log aggregation.
type Logger interface {
	Debug(ctx context.Context, msg string, fields Fields)
	Info(ctx context.Context, msg string, fields Fields)
	Warn(ctx context.Context, msg string, fields Fields)
	Error(ctx context.Context, msg string, err error, fields Fields)

	// WithFields returns a logger that includes fields on every entry.
	WithFields(fields Fields) Logger
}

// Metrics is the metrics contract for one component.
type Metrics interface {
	RecordSuccess(operation string)
	RecordError(operation, errorType string)
	RecordDuration(operation string, seconds float64)
	RecordBytes(operation string, bytes int64)
	StartOperation(operation string)
	EndOperation(operation string)
}

// Config configures the provider.
type Config struct {
	ServiceName string
	Environment string
	LogLevel    string
	LogOutput   io.Writer // defaults to os.Stdout
	// Registry receives all metrics. Nil uses a fresh registry, which
	// keeps repeated construction (tests) from colliding on
	// duplicate registration.
	Registry *prometheus.Registry
}

// Provider hands out per-component loggers and metrics. Each component
// name maps to a single instance for the lifetime of the provider.
type Provider struct {
	cfg      Config
	registry *prometheus.Registry

	mu      sync.Mutex
	loggers map[string]Logger
	metrics map[string]Metrics
}

// NewProvider creates a provider from cfg.
func NewProvider(cfg Config) *Provider {
	if cfg.LogOutput == nil {
		cfg.LogOutput = os.Stdout
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Provider{
		cfg:      cfg,
		registry: reg,
		loggers:  make(map[string]Logger),
		metrics:  make(map[string]Metrics),
	}
}

// Logger returns the logger for component, creating it on first use.
func (p *Provider) Logger(component string) Logger {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.loggers[component]; ok {
		return l
	}
	l := newJSONLogger(
		p.cfg.ServiceName+"."+component,
		p.cfg.Environment,
		p.cfg.LogLevel,
		p.cfg.LogOutput,
		Fields{"component": component},
	)
	p.loggers[component] = l
	return l
}

// Metrics returns the metric set for component, creating it on first use.
func (p *Provider) Metrics(component string) Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.metrics[component]; ok {
		return m
	}
	m := newPromMetrics(p.registry, component)
	p.metrics[component] = m
	return m
}

// Registry exposes the underlying registry for the /metrics endpoint.
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}
