package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client is a single SSH connection to one host.
type Client struct {
	config *Config

	mu          sync.RWMutex
	client      *ssh.Client
	proxy       *ssh.Client
	isConnected bool
	connectedAt time.Time
	lastUsedAt  time.Time
	stopKeep    chan struct{}
}

// NewClient creates an unconnected client.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{config: config}, nil
}

// Connect establishes the connection. A live connection is reused; a dead
// one is replaced.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isConnected && c.client != nil {
		if err := healthCheck(c.client); err == nil {
			return nil
		}
		log.Warn().Str("host", c.config.Host).Msg("existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	if c.config.IsProxyEnabled() {
		return c.connectViaProxy(ctx, clientConfig)
	}
	return c.connectDirect(ctx, clientConfig)
}

// connectDirect dials the host. Must be called with c.mu held.
func (c *Client) connectDirect(ctx context.Context, clientConfig *ssh.ClientConfig) error {
	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	done := make(chan dialResult, 1)

	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		done <- dialResult{client: client, err: err}
	}()

	select {
	case <-ctx.Done():
		// close the connection if the dial finishes after we gave up
		go func() {
			if r := <-done; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case r := <-done:
		if r.err != nil {
			return classifyDialError("connect", r.err)
		}
		c.established(r.client, nil)
		log.Info().Str("address", address).Msg("SSH connection established")
		return nil
	}
}

// connectViaProxy reaches the host through a jump host. Must be called with
// c.mu held.
func (c *Client) connectViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	proxyConfig := c.config.proxyConfig()
	proxyClientConfig, err := proxyConfig.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect-proxy", Err: fmt.Errorf("failed to build proxy config: %w", err), IsAuthError: true}
	}

	log.Debug().Str("proxy", proxyConfig.Address()).Msg("connecting to proxy host")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	proxyConn, err := dialer.DialContext(ctx, "tcp", proxyConfig.Address())
	if err != nil {
		return &TransportError{Op: "connect-proxy", Err: err, IsTemporary: true}
	}
	pc, pchans, preqs, err := ssh.NewClientConn(proxyConn, proxyConfig.Address(), proxyClientConfig)
	if err != nil {
		_ = proxyConn.Close()
		return classifyDialError("connect-proxy", err)
	}
	proxyClient := ssh.NewClient(pc, pchans, preqs)

	targetAddress := c.config.Address()
	log.Debug().Str("target", targetAddress).Msg("connecting to target through proxy")

	targetConn, err := proxyClient.Dial("tcp", targetAddress)
	if err != nil {
		_ = proxyClient.Close()
		return &TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: true}
	}

	ncc, chans, reqs, err := ssh.NewClientConn(targetConn, targetAddress, targetConfig)
	if err != nil {
		_ = targetConn.Close()
		_ = proxyClient.Close()
		return classifyDialError("connect-via-proxy", err)
	}

	c.established(ssh.NewClient(ncc, chans, reqs), proxyClient)
	log.Info().Str("target", targetAddress).Str("proxy", proxyConfig.Address()).Msg("SSH connection established via proxy")
	return nil
}

func (c *Client) established(client, proxy *ssh.Client) {
	c.client = client
	c.proxy = proxy
	c.isConnected = true
	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt

	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(client, c.stopKeep)
	}
}

// classifyDialError marks handshake failures as authentication errors.
func classifyDialError(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransportError{Op: op, Err: err, IsTemporary: true}
	}
	return &TransportError{Op: op, Err: err, IsAuthError: true}
}

// Disconnect closes the connection and releases all resources.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil
	}
	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")

	if err := c.closeLocked(); err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

func (c *Client) closeLocked() error {
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	err := c.client.Close()
	if c.proxy != nil {
		_ = c.proxy.Close()
		c.proxy = nil
	}
	c.client = nil
	c.isConnected = false
	return err
}

// IsConnected returns true if the client has an active connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

// HealthCheck verifies the connection is alive by running `true`.
func (c *Client) HealthCheck(ctx context.Context) error {
	client, err := c.sshClient()
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- healthCheck(client) }()

	select {
	case <-ctx.Done():
		return &TransportError{Op: "healthcheck", Err: ctx.Err(), IsTemporary: true}
	case err := <-done:
		return err
	}
}

func healthCheck(client *ssh.Client) error {
	session, err := client.NewSession()
	if err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

// keepAlive sends periodic keep-alive requests until stop is closed or too
// many requests fail in a row.
func (c *Client) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			failures++
			log.Warn().Err(err).Str("host", c.config.Host).Int("failures", failures).Msg("keep-alive failed")
			if failures >= c.config.MaxKeepAliveRetries {
				log.Error().Str("host", c.config.Host).Msg("keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		failures = 0
		c.touch()
	}
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastUsedAt = time.Now()
	c.mu.Unlock()
}

// ConnectionInfo returns information about the current connection.
func (c *Client) ConnectionInfo() ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
	}
}

// sshClient returns the underlying connection.
func (c *Client) sshClient() (*ssh.Client, error) {
	c.mu.RLock()
	client, ok := c.client, c.isConnected
	c.mu.RUnlock()

	if !ok || client == nil {
		return nil, &TransportError{Op: "get-client", Err: errors.New("not connected"), IsTemporary: true}
	}
	c.touch()
	return client, nil
}
