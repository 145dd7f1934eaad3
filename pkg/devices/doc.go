// Package devices provides device-level operations built on the
// orchestrator: shell commands with retries and timeouts, cached platform
// versions and pids, fan-out helpers and scoped captures.
//
// An Operator needs an orchestrator.Executor and an Inventory, which the
// transports in pkg/transports provide.
package devices
