package devices

import (
	"context"
	"errors"
	"strings"

	"github.com/openfroyo/devfleet/pkg/orchestrator"
)

var (
	// ErrDeviceNotFound is returned when no known device matches a query.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrProcessNotFound is returned when a package has no running process.
	ErrProcessNotFound = errors.New("process not found")
)

// Status is the connection state reported for a device.
type Status string

// Device states.
const (
	StatusOnline       Status = "online"
	StatusOffline      Status = "offline"
	StatusUnauthorized Status = "unauthorized"
	StatusRecovery     Status = "recovery"
	StatusSideload     Status = "sideload"
	StatusBootloader   Status = "bootloader"
)

// ParseStatus maps a transport state string onto a Status. Unknown states
// are kept verbatim.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "device", "online":
		return StatusOnline
	case "offline":
		return StatusOffline
	case "unauthorized":
		return StatusUnauthorized
	case "recovery":
		return StatusRecovery
	case "sideload":
		return StatusSideload
	case "bootloader", "fastboot":
		return StatusBootloader
	default:
		return Status(s)
	}
}

// Device describes one device known to a transport.
type Device struct {
	ID          orchestrator.DeviceID `json:"id" yaml:"id"`
	Name        string                `json:"name" yaml:"name"`
	Model       string                `json:"model,omitempty" yaml:"model,omitempty"`
	Product     string                `json:"product,omitempty" yaml:"product,omitempty"`
	TransportID string                `json:"transport_id,omitempty" yaml:"transport_id,omitempty"`
	Status      Status                `json:"status" yaml:"status"`
	Properties  map[string]string     `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// NewDevice creates a device with a placeholder name.
func NewDevice(id orchestrator.DeviceID, status Status) Device {
	return Device{
		ID:     id,
		Name:   "Device " + string(id),
		Status: status,
	}
}

// IsOnline reports whether commands can be sent to the device.
func (d Device) IsOnline() bool {
	return d.Status == StatusOnline
}

// Descriptor returns the minimal view used by the orchestrator.
func (d Device) Descriptor() orchestrator.DeviceDescriptor {
	return orchestrator.DeviceDescriptor{ID: d.ID, Online: d.IsOnline()}
}

// Inventory discovers devices.
type Inventory interface {
	ListDevices(ctx context.Context) ([]Device, error)
}

// Puller copies a remote file to the local filesystem.
type Puller interface {
	Pull(ctx context.Context, device orchestrator.DeviceID, remote, local string) error
}

// Pusher copies a local file to a device.
type Pusher interface {
	Push(ctx context.Context, device orchestrator.DeviceID, local, remote string) error
}

// Installer installs and removes application packages.
type Installer interface {
	Install(ctx context.Context, device orchestrator.DeviceID, apk string) error
	Uninstall(ctx context.Context, device orchestrator.DeviceID, pkg string) error
}

// OnlineLister adapts an Inventory to orchestrator.DeviceLister.
func OnlineLister(inv Inventory) orchestrator.DeviceLister {
	return orchestrator.DeviceListerFunc(func(ctx context.Context) ([]orchestrator.DeviceDescriptor, error) {
		devs, err := inv.ListDevices(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]orchestrator.DeviceDescriptor, 0, len(devs))
		for _, d := range devs {
			out = append(out, d.Descriptor())
		}
		return out, nil
	})
}

// ProcessKey identifies a package on a device.
type ProcessKey struct {
	Device  orchestrator.DeviceID
	Package string
}

// Validate rejects keys with an empty device or package.
func (k ProcessKey) Validate() error {
	if k.Device == "" {
		return errors.New("process key: device is required")
	}
	if k.Package == "" {
		return errors.New("process key: package is required")
	}
	return nil
}

func (k ProcessKey) String() string {
	return string(k.Device) + ":" + k.Package
}
