package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/devfleet/pkg/devices"
	"github.com/openfroyo/devfleet/pkg/orchestrator"
	"github.com/openfroyo/devfleet/pkg/telemetry"
	"github.com/openfroyo/devfleet/pkg/transports/adb"
	"github.com/openfroyo/devfleet/pkg/transports/ssh"
)

// Environment variables that override the file.
const (
	EnvTransport = "DEVFLEET_TRANSPORT"
	EnvADBPath   = "DEVFLEET_ADB_PATH"
	EnvLogLevel  = "DEVFLEET_LOG_LEVEL"
	EnvStorePath = "DEVFLEET_STORE_PATH"
)

var validate = validator.New()

// Default returns the configuration used when no file is given.
func Default() *Config {
	opts := devices.DefaultOptions()
	return &Config{
		Transport: TransportADB,
		ADB: ADBConfig{
			Path:    adb.DefaultPath,
			TempDir: opts.TempDir,
		},
		Retry:           opts.Retry,
		CommandTimeout:  opts.CommandTimeout,
		TransferTimeout: opts.TransferTimeout,
		Cache: CacheConfig{
			VersionTTL: opts.VersionTTL,
			ProcessTTL: opts.ProcessTTL,
		},
		Dispatch: DispatchConfig{MaxParallel: opts.MaxParallel},
		Wait: WaitConfig{
			Timeout:      opts.WaitTimeout,
			PollInterval: opts.PollInterval,
		},
		Policy:    PolicyConfig{Enabled: true},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads the file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, orchestrator.NewConfigurationError("failed to read config file", err)
		}
	}
	return Parse(data)
}

// Parse decodes a YAML document over the defaults, applies environment
// overrides and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	if len(data) > 0 {
		if err := ValidateDocument(data); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, orchestrator.NewConfigurationError("failed to decode config", err)
		}
	}

	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from the environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvTransport); ok && v != "" {
		c.Transport = Transport(v)
	}
	if v, ok := lookup(EnvADBPath); ok && v != "" {
		c.ADB.Path = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Telemetry.Logging.Level = v
	}
	if v, ok := lookup(EnvStorePath); ok {
		c.Store.Path = v
	}
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return orchestrator.NewConfigurationError("invalid config", err)
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if err := c.Telemetry.Validate(); err != nil {
		return orchestrator.NewConfigurationError("invalid telemetry config", err)
	}

	if c.Transport == TransportSSH && len(c.Hosts) == 0 {
		return orchestrator.NewConfigurationError("ssh transport requires at least one host", nil)
	}
	seen := make(map[string]bool, len(c.Hosts))
	for _, h := range c.Hosts {
		if seen[h.ID] {
			return orchestrator.NewConfigurationError(fmt.Sprintf("duplicate host id %q", h.ID), nil)
		}
		seen[h.ID] = true
		if h.ProxyHost != "" && h.ProxyUser == "" {
			return orchestrator.NewConfigurationError(fmt.Sprintf("host %q: proxy_user is required with proxy_host", h.ID), nil)
		}
	}
	if c.Wait.PollInterval > c.Wait.Timeout {
		return orchestrator.NewConfigurationError("wait.poll_interval must not exceed wait.timeout", nil)
	}
	return nil
}

// DeviceOptions converts the tuning sections into operator options.
func (c *Config) DeviceOptions() devices.Options {
	opts := devices.DefaultOptions()
	opts.Retry = c.Retry
	opts.CommandTimeout = c.CommandTimeout
	opts.TransferTimeout = c.TransferTimeout
	opts.VersionTTL = c.Cache.VersionTTL
	opts.ProcessTTL = c.Cache.ProcessTTL
	opts.MaxParallel = c.Dispatch.MaxParallel
	opts.WaitTimeout = c.Wait.Timeout
	opts.PollInterval = c.Wait.PollInterval
	opts.TempDir = c.ADB.TempDir
	return opts
}

// SSHHosts converts the host inventory into transport configs. Hosts
// without a password use key authentication.
func (c *Config) SSHHosts() ([]ssh.Host, error) {
	hosts := make([]ssh.Host, 0, len(c.Hosts))
	var errs []error
	for _, h := range c.Hosts {
		sc := ssh.DefaultConfig(h.Address, h.User)
		if h.Port != 0 {
			sc.Port = h.Port
		}
		if h.Password != "" {
			sc.AuthMethod = ssh.AuthMethodPassword
			sc.Password = h.Password
		} else {
			sc.PrivateKeyPath = h.PrivateKeyPath
			sc.PrivateKeyPassphrase = h.PrivateKeyPassphrase
		}
		if h.KnownHostsPath != "" {
			sc.KnownHostsPath = h.KnownHostsPath
		}
		if h.StrictHostKeyChecking != nil {
			sc.StrictHostKeyChecking = *h.StrictHostKeyChecking
		}
		if h.ConnectionTimeout > 0 {
			sc.ConnectionTimeout = h.ConnectionTimeout
		}
		sc.KeepAliveInterval = h.KeepAliveInterval

		if h.ProxyHost != "" {
			sc.ProxyHost = h.ProxyHost
			if h.ProxyPort != 0 {
				sc.ProxyPort = h.ProxyPort
			}
			sc.ProxyUser = h.ProxyUser
			if h.ProxyPassword != "" {
				sc.ProxyAuthMethod = ssh.AuthMethodPassword
				sc.ProxyPassword = h.ProxyPassword
			} else {
				sc.ProxyAuthMethod = ssh.AuthMethodKey
				sc.ProxyPrivateKeyPath = h.ProxyPrivateKeyPath
			}
		}

		if err := sc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("host %q: %w", h.ID, err))
			continue
		}
		hosts = append(hosts, ssh.Host{ID: orchestrator.DeviceID(h.ID), Config: sc})
	}
	if len(errs) > 0 {
		return nil, orchestrator.NewConfigurationError("invalid ssh host", errors.Join(errs...))
	}
	return hosts, nil
}
