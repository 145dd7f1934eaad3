package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/devfleet/pkg/devices"
	"github.com/openfroyo/devfleet/pkg/orchestrator"
)

// DeniedError is returned when policies refuse a command. It is wrapped as
// permanent so retries stop immediately.
type DeniedError struct {
	Device     orchestrator.DeviceID
	Command    string
	Violations []Violation
}

func (e *DeniedError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return fmt.Sprintf("command denied on %s: %s", e.Device, strings.Join(msgs, "; "))
}

// Guard is an orchestrator.Executor that checks every command against the
// engine before handing it to the wrapped executor.
type Guard struct {
	engine    *Engine
	next      orchestrator.Executor
	operation string
	logger    zerolog.Logger
	onDeny    func(context.Context, *DeniedError)
}

// NewGuard wraps next with policy checks. operation is passed to policies
// as input.operation.
func NewGuard(engine *Engine, next orchestrator.Executor, operation string, logger zerolog.Logger) *Guard {
	return &Guard{
		engine:    engine,
		next:      next,
		operation: operation,
		logger:    logger.With().Str("component", "policy-guard").Logger(),
	}
}

// OnDeny registers fn to be called with every denial, e.g. to write an
// audit entry. It must be set before the guard is used.
func (g *Guard) OnDeny(fn func(context.Context, *DeniedError)) {
	g.onDeny = fn
}

// Execute evaluates command and runs it only when no blocking violation is
// found.
func (g *Guard) Execute(ctx context.Context, device orchestrator.DeviceID, command string) (string, error) {
	if err := g.check(ctx, device, command); err != nil {
		return "", err
	}
	return g.next.Execute(ctx, device, command)
}

// check evaluates command for device. A denial is returned permanent.
func (g *Guard) check(ctx context.Context, device orchestrator.DeviceID, command string) error {
	result, err := g.engine.Evaluate(ctx, Input{
		Command:   command,
		Device:    string(device),
		Operation: g.operation,
	})
	if err != nil {
		return err
	}

	for _, w := range result.Warnings {
		g.logger.Warn().
			Str("device", string(device)).
			Str("policy", w.Policy).
			Msg(w.Message)
	}

	if result.Allowed {
		return nil
	}
	g.logger.Error().
		Str("device", string(device)).
		Int("violations", len(result.Violations)).
		Msg("Command denied by policy")
	denied := &DeniedError{
		Device:     device,
		Command:    command,
		Violations: result.Violations,
	}
	if g.onDeny != nil {
		g.onDeny(ctx, denied)
	}
	return orchestrator.Permanent(denied)
}

// Pull forwards to the wrapped executor when it can pull files. Transfers
// are not checked by policies.
func (g *Guard) Pull(ctx context.Context, device orchestrator.DeviceID, remote, local string) error {
	p, ok := g.next.(devices.Puller)
	if !ok {
		return orchestrator.NewConfigurationError("transport does not support pulling files", nil)
	}
	return p.Pull(ctx, device, remote, local)
}

// Push forwards to the wrapped executor when it can push files.
func (g *Guard) Push(ctx context.Context, device orchestrator.DeviceID, local, remote string) error {
	p, ok := g.next.(devices.Pusher)
	if !ok {
		return orchestrator.NewConfigurationError("transport does not support pushing files", nil)
	}
	return p.Push(ctx, device, local, remote)
}

// Install is checked by policies as "pm install -r <apk>".
func (g *Guard) Install(ctx context.Context, device orchestrator.DeviceID, apk string) error {
	inst, ok := g.next.(devices.Installer)
	if !ok {
		return orchestrator.NewConfigurationError("transport does not support installing packages", nil)
	}
	if err := g.check(ctx, device, "pm install -r "+orchestrator.ShellQuote(apk)); err != nil {
		return err
	}
	return inst.Install(ctx, device, apk)
}

// Uninstall is checked by policies as "pm uninstall <pkg>".
func (g *Guard) Uninstall(ctx context.Context, device orchestrator.DeviceID, pkg string) error {
	inst, ok := g.next.(devices.Installer)
	if !ok {
		return orchestrator.NewConfigurationError("transport does not support installing packages", nil)
	}
	if err := g.check(ctx, device, "pm uninstall "+orchestrator.ShellQuote(pkg)); err != nil {
		return err
	}
	return inst.Uninstall(ctx, device, pkg)
}
