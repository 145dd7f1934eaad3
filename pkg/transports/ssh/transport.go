// Package ssh runs device commands on Linux hosts over SSH and pulls files
// from them over SFTP.
package ssh

import (
	"fmt"
	"time"
)

// ConnectionInfo describes the live connection of a Client.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// ExecResult is the outcome of one remote command. ExitCode is -1 when the
// command never ran or was killed by a signal.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// TransportError wraps a failure of Op ("connect", "execute", "download"
// and so on). IsTemporary marks failures a retry may fix; IsAuthError
// marks rejected credentials, which never are.
type TransportError struct {
	Op          string
	Err         error
	ExitCode    int
	IsTemporary bool
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ssh %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports whether retrying may succeed.
func (e *TransportError) Temporary() bool { return e.IsTemporary }
