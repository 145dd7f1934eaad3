// Package policy guards device commands with Open Policy Agent (Rego)
// policies.
//
// Every policy is a Rego module whose package defines a `deny` set. Each
// entry is either a message string or an object with "message" and
// "severity" keys. Entries with error or critical severity block the
// command; lower severities are reported as warnings.
//
// The document available as `input` is:
//
//	{
//	  "command":   "rm -rf /sdcard",
//	  "device":    "emulator-5554",
//	  "operation": "shell",
//	  "timestamp": "2026-01-02T15:04:05Z"
//	}
//
// # Built-in Policies
//
//   - destructive-commands: recursive removal of system paths, mkfs, dd to
//     block devices (critical)
//   - factory-reset: MASTER_CLEAR broadcasts and data wipes (critical)
//   - reboot: reboots and power-offs (warning)
//
// # Usage
//
//	engine, err := policy.NewEngine(log.Logger)
//	if err != nil {
//	    return err
//	}
//	if err := engine.LoadPolicies(ctx, []string{"/etc/devfleet/policies"}); err != nil {
//	    return err
//	}
//
//	exec := policy.NewGuard(engine, bridge, "shell", log.Logger)
//
// A denied command fails with a *DeniedError wrapped by
// orchestrator.Permanent, so it is never retried.
//
// Engine.Watch reloads policy files when they change on disk. Built-in
// policies stay loaded across reloads.
package policy
