package config

import (
	"time"

	"github.com/openfroyo/devfleet/pkg/orchestrator"
	"github.com/openfroyo/devfleet/pkg/telemetry"
)

// Transport names which collaborator executes device commands.
type Transport string

const (
	// TransportADB drives devices through the adb binary.
	TransportADB Transport = "adb"

	// TransportSSH drives devices over SSH.
	TransportSSH Transport = "ssh"
)

// Config is the devfleet configuration file.
type Config struct {
	// Transport selects adb or ssh.
	Transport Transport `yaml:"transport" validate:"required,oneof=adb ssh"`

	// ADB configures the adb bridge.
	ADB ADBConfig `yaml:"adb"`

	// Hosts is the SSH inventory, used when Transport is ssh.
	Hosts []HostConfig `yaml:"hosts" validate:"dive"`

	// Retry bounds retries of every device command.
	Retry orchestrator.RetryPolicy `yaml:"retry"`

	// CommandTimeout bounds a single command attempt.
	CommandTimeout time.Duration `yaml:"command_timeout" validate:"gt=0"`

	// TransferTimeout bounds a single push, pull or install attempt.
	TransferTimeout time.Duration `yaml:"transfer_timeout" validate:"gt=0"`

	// Cache configures result caching.
	Cache CacheConfig `yaml:"cache"`

	// Dispatch configures fan-out.
	Dispatch DispatchConfig `yaml:"dispatch"`

	// Wait configures WaitForDevice.
	Wait WaitConfig `yaml:"wait"`

	// Store configures the run history database.
	Store StoreConfig `yaml:"store"`

	// Policy configures the command policy guard.
	Policy PolicyConfig `yaml:"policy"`

	// Telemetry configures logging, metrics and tracing.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// ADBConfig configures the adb bridge.
type ADBConfig struct {
	// Path is the adb binary, looked up in PATH when not absolute.
	Path string `yaml:"path" validate:"required"`

	// ExtraArgs are passed before every adb subcommand, e.g. ["-H", "host"].
	ExtraArgs []string `yaml:"extra_args"`

	// TempDir is the remote directory for scripts and captures.
	TempDir string `yaml:"temp_dir" validate:"required,startswith=/"`
}

// HostConfig is one SSH-reachable device.
type HostConfig struct {
	ID                    string        `yaml:"id" validate:"required"`
	Address               string        `yaml:"address" validate:"required"`
	Port                  int           `yaml:"port" validate:"gte=0,lte=65535"`
	User                  string        `yaml:"user" validate:"required"`
	PrivateKeyPath        string        `yaml:"private_key_path"`
	PrivateKeyPassphrase  string        `yaml:"private_key_passphrase"`
	Password              string        `yaml:"password"`
	KnownHostsPath        string        `yaml:"known_hosts_path"`
	StrictHostKeyChecking *bool         `yaml:"strict_host_key_checking"`
	ConnectionTimeout     time.Duration `yaml:"connection_timeout" validate:"gte=0"`
	KeepAliveInterval     time.Duration `yaml:"keep_alive_interval" validate:"gte=0"`
	ProxyHost             string        `yaml:"proxy_host"`
	ProxyPort             int           `yaml:"proxy_port" validate:"gte=0,lte=65535"`
	ProxyUser             string        `yaml:"proxy_user"`
	ProxyPassword         string        `yaml:"proxy_password"`
	ProxyPrivateKeyPath   string        `yaml:"proxy_private_key_path"`
}

// CacheConfig configures the version and process caches.
type CacheConfig struct {
	// VersionTTL is how long a device's platform version stays cached.
	VersionTTL time.Duration `yaml:"version_ttl" validate:"gte=0"`

	// ProcessTTL is how long a resolved process id stays cached.
	ProcessTTL time.Duration `yaml:"process_ttl" validate:"gte=0"`
}

// DispatchConfig configures fan-out.
type DispatchConfig struct {
	// MaxParallel bounds concurrent device operations. Zero is unbounded.
	MaxParallel int `yaml:"max_parallel" validate:"gte=0"`
}

// WaitConfig configures device polling.
type WaitConfig struct {
	Timeout      time.Duration `yaml:"timeout" validate:"gt=0"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
}

// StoreConfig configures the run history database.
type StoreConfig struct {
	// Path is the SQLite database file. Empty disables history.
	Path string `yaml:"path"`
}

// PolicyConfig configures the command policy guard.
type PolicyConfig struct {
	// Enabled turns command checks on.
	Enabled bool `yaml:"enabled"`

	// Paths lists .rego/.json files or directories loaded on top of the
	// built-in policies.
	Paths []string `yaml:"paths"`

	// Watch reloads Paths when they change. Only long-running commands
	// honour it.
	Watch bool `yaml:"watch"`
}
