package devices

import (
	"fmt"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/openfroyo/devfleet/pkg/orchestrator"
)

// maxSelectorSteps bounds the work a single selector evaluation may do.
const maxSelectorSteps = 100000

// Selector filters devices with a boolean Starlark expression, e.g.
//
//	online and model.startswith("Pixel")
//	status == "unauthorized" or id in ["emulator-5554", "R58M"]
//
// The expression sees id, name, model, product, status, transport_id,
// online and props (a dict of cached properties).
type Selector struct {
	source string
	expr   syntax.Expr
}

// ParseSelector compiles expr. Syntax errors are configuration errors.
func ParseSelector(expr string) (*Selector, error) {
	if expr == "" {
		return nil, orchestrator.NewConfigurationError("selector is empty", nil)
	}
	parsed, err := syntax.ParseExpr("selector", expr, 0)
	if err != nil {
		return nil, orchestrator.NewConfigurationError("invalid selector", err)
	}
	return &Selector{source: expr, expr: parsed}, nil
}

// String returns the selector source.
func (s *Selector) String() string { return s.source }

// Match evaluates the selector against d. The expression must yield a bool.
func (s *Selector) Match(d Device) (bool, error) {
	thread := &starlark.Thread{
		Name:  "selector",
		Print: func(*starlark.Thread, string) {},
	}
	thread.SetMaxExecutionSteps(maxSelectorSteps)

	v, err := starlark.EvalExpr(thread, s.expr, deviceEnv(d))
	if err != nil {
		return false, orchestrator.NewConfigurationError(fmt.Sprintf("selector %q failed", s.source), err).WithDevice(d.ID)
	}
	b, ok := v.(starlark.Bool)
	if !ok {
		return false, orchestrator.NewConfigurationError(
			fmt.Sprintf("selector %q returned %s, want bool", s.source, v.Type()), nil).WithDevice(d.ID)
	}
	return bool(b), nil
}

// Filter returns the devices matching the selector, preserving order.
func (s *Selector) Filter(devs []Device) ([]Device, error) {
	out := make([]Device, 0, len(devs))
	for _, d := range devs {
		ok, err := s.Match(d)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func deviceEnv(d Device) starlark.StringDict {
	props := starlark.NewDict(len(d.Properties))
	for k, v := range d.Properties {
		_ = props.SetKey(starlark.String(k), starlark.String(v))
	}
	props.Freeze()

	return starlark.StringDict{
		"id":           starlark.String(d.ID),
		"name":         starlark.String(d.Name),
		"model":        starlark.String(d.Model),
		"product":      starlark.String(d.Product),
		"status":       starlark.String(d.Status),
		"transport_id": starlark.String(d.TransportID),
		"online":       starlark.Bool(d.IsOnline()),
		"props":        props,
	}
}
