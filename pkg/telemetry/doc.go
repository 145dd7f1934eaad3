// Package telemetry wires structured logging (zerolog), distributed tracing
// (OpenTelemetry) and Prometheus metrics for devfleet.
//
// # Usage
//
// Initialize telemetry at startup and hand its observer to the
// orchestration core through the context:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Logging
//
// SetupLogging installs the configured logger as the zerolog global, which
// every devfleet package logs through:
//
//	log.Info().Str("device", id).Msg("device online")
//
// # Tracing
//
// NewTracer installs a global tracer provider. The dispatcher and resource
// scopes start their spans from otel.Tracer, so they are exported without
// further wiring. Exporters: stdout (pretty-printed JSON) and otlp (gRPC).
//
// # Metrics
//
// Metrics implements orchestrator.Observer and exports:
//
//	devfleet_retries_total
//	devfleet_timeouts_total
//	devfleet_cache_lookups_total{cache,result}
//	devfleet_dispatch_items_total{status}
//	devfleet_dispatch_duration_seconds
//	devfleet_cleanup_paths_total{status}
//
// Serve them with Metrics.Handler or Metrics.StartServer.
package telemetry
