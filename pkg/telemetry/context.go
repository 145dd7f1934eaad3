package telemetry

import (
	"context"
	"errors"
	"io"

	"github.com/openfroyo/devfleet/pkg/orchestrator"
)

// Telemetry bundles the logger, tracer and metrics configured for a process.
type Telemetry struct {
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config

	logCloser io.Closer
}

// NewTelemetry validates cfg, installs the global logger and tracer
// provider, and creates the metrics collector.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	closer, err := SetupLogging(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment, nil)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	return &Telemetry{
		Tracer:    tracer,
		Metrics:   NewMetrics(cfg.Metrics),
		Config:    cfg,
		logCloser: closer,
	}, nil
}

// WithContext attaches the metrics collector as the orchestration observer.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	if t.Metrics == nil || !t.Metrics.Enabled() {
		return ctx
	}
	return orchestrator.WithObserver(ctx, t.Metrics)
}

// Shutdown flushes traces and closes the log output.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.Tracer != nil {
		errs = append(errs, t.Tracer.Shutdown(ctx))
	}
	if t.logCloser != nil {
		errs = append(errs, t.logCloser.Close())
	}
	return errors.Join(errs...)
}
