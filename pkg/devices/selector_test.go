package devices

import (
	"errors"
	"testing"

	"github.com/openfroyo/devfleet/pkg/orchestrator"
)

func selectorFleet() []Device {
	pixel := NewDevice("emulator-5554", StatusOnline)
	pixel.Model = "Pixel_7"
	pixel.Properties = map[string]string{"ro.build.version.release": "14"}

	galaxy := NewDevice("R58M", StatusUnauthorized)
	galaxy.Model = "SM_G991B"
	galaxy.TransportID = "3"

	tablet := NewDevice("tab-1", StatusOffline)
	tablet.Model = "Pixel_Tablet"

	return []Device{pixel, galaxy, tablet}
}

func ids(devs []Device) []string {
	out := make([]string, 0, len(devs))
	for _, d := range devs {
		out = append(out, string(d.ID))
	}
	return out
}

func TestSelectorFilter(t *testing.T) {
	tests := []struct {
		expr string
		want []string
	}{
		{`online`, []string{"emulator-5554"}},
		{`not online`, []string{"R58M", "tab-1"}},
		{`model.startswith("Pixel")`, []string{"emulator-5554", "tab-1"}},
		{`status == "unauthorized" or id in ["tab-1"]`, []string{"R58M", "tab-1"}},
		{`transport_id == "3"`, []string{"R58M"}},
		{`props.get("ro.build.version.release", "") == "14"`, []string{"emulator-5554"}},
		{`name == "Device R58M"`, []string{"R58M"}},
		{`False`, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			sel, err := ParseSelector(tt.expr)
			if err != nil {
				t.Fatalf("ParseSelector(%q) error = %v", tt.expr, err)
			}
			got, err := sel.Filter(selectorFleet())
			if err != nil {
				t.Fatalf("Filter error = %v", err)
			}
			gotIDs := ids(got)
			if len(gotIDs) != len(tt.want) {
				t.Fatalf("Filter = %v, want %v", gotIDs, tt.want)
			}
			for i := range gotIDs {
				if gotIDs[i] != tt.want[i] {
					t.Errorf("Filter = %v, want %v", gotIDs, tt.want)
				}
			}
		})
	}
}

func TestParseSelectorErrors(t *testing.T) {
	for _, expr := range []string{"", "online and", "x = 1"} {
		if _, err := ParseSelector(expr); !orchestrator.IsConfiguration(err) {
			t.Errorf("ParseSelector(%q) error = %v, want configuration error", expr, err)
		}
	}
}

func TestSelectorMatchErrors(t *testing.T) {
	d := NewDevice("d1", StatusOnline)

	tests := []struct {
		name string
		expr string
	}{
		{"non bool", `model`},
		{"unknown name", `serial == "x"`},
		{"runtime error", `1 // 0 == 1`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := ParseSelector(tt.expr)
			if err != nil {
				t.Fatalf("ParseSelector error = %v", err)
			}
			_, err = sel.Match(d)
			if !orchestrator.IsConfiguration(err) {
				t.Fatalf("Match error = %v, want configuration error", err)
			}
			var oe *orchestrator.Error
			if !errors.As(err, &oe) || oe.Device != "d1" {
				t.Errorf("expected error to carry the device, got %v", err)
			}
		})
	}
}

func TestSelectorStepLimit(t *testing.T) {
	sel, err := ParseSelector(`len([x for x in range(1000000)]) > 0`)
	if err != nil {
		t.Fatalf("ParseSelector error = %v", err)
	}
	if _, err := sel.Match(NewDevice("d1", StatusOnline)); err == nil {
		t.Error("expected step limit to stop evaluation")
	}
}
