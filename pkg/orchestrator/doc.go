// Package orchestrator turns a slow, flaky, blocking command primitive into
// predictable behaviour across a fleet of devices.
//
// # Overview
//
// The package never talks to a device itself. It consumes an Executor
// (run a command on a device) and a DeviceLister (discover devices) and
// composes five building blocks on top of them:
//
//   - RunWithRetry: bounded retries with exponential backoff
//   - RunWithTimeout: a deadline enforced by abandoning the operation
//   - Cache: a keyed TTL cache with lazy expiry
//   - Dispatch / DispatchOnline: fan-out over devices with per-device results
//   - WithScope / WithTempFile: best-effort removal of remote temporary paths
//
// The blocks compose freely. A typical command wrapper is a timeout inside a
// retry:
//
//	out, err := orchestrator.RunWithRetry(ctx, policy, func(ctx context.Context) (string, error) {
//	    return orchestrator.RunWithTimeout(ctx, 30*time.Second, func(ctx context.Context) (string, error) {
//	        return exec.Execute(ctx, device, "getprop ro.build.version.release")
//	    })
//	})
//
// # Errors
//
// Failures are classified by ErrorKind and matched with errors.Is and
// errors.As. See IsTransient, IsTimeout, IsCleanupFailure, IsNoOnlineDevices
// and IsConfiguration.
//
// # Observability
//
// Diagnostic callbacks reach an Observer attached with WithObserver. Fan-out
// and scopes also emit OpenTelemetry spans through the global tracer provider.
package orchestrator
