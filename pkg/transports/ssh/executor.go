package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Run executes cmd in a new session. A command that exits non-zero yields a
// *TransportError carrying the exit code alongside the captured output.
// When ctx is done first the remote process is signalled and ctx.Err() is
// wrapped.
func (c *Client) Run(ctx context.Context, cmd string) (ExecResult, error) {
	start := time.Now()
	log.Debug().Str("host", c.config.Host).Str("command", cmd).Msg("executing command")

	client, err := c.sshClient()
	if err != nil {
		return ExecResult{ExitCode: -1}, err
	}

	session, err := client.NewSession()
	if err != nil {
		return ExecResult{ExitCode: -1}, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var execErr error
	drained := true
	select {
	case <-ctx.Done():
		execErr = ctx.Err()
		drained = stopSession(session, done)
	case execErr = <-done:
	}

	res := ExecResult{Duration: time.Since(start)}
	// the output buffers are only safe to read once session.Run has returned
	if drained {
		res.Stdout = stdoutBuf.String()
		res.Stderr = strings.TrimSpace(stderrBuf.String())
	}

	log.Debug().
		Str("host", c.config.Host).
		Str("command", cmd).
		Int("stdout_len", len(res.Stdout)).
		Int("stderr_len", len(res.Stderr)).
		Dur("duration", res.Duration).
		Err(execErr).
		Msg("command completed")

	if execErr == nil {
		return res, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, &TransportError{
			Op:       "execute",
			Err:      fmt.Errorf("command exited with code %d: %s", res.ExitCode, res.Stderr),
			ExitCode: res.ExitCode,
		}
	}

	res.ExitCode = -1
	return res, &TransportError{Op: "execute", Err: execErr, IsTemporary: !errors.Is(execErr, context.Canceled)}
}

// sessionDrainTimeout bounds the wait for a closed session to finish copying
// output after its command was abandoned.
const sessionDrainTimeout = 2 * time.Second

// stopSession terminates the remote command of an abandoned session and
// reports whether session.Run returned, which ends all writes to the
// session's output buffers.
func stopSession(session *ssh.Session, done <-chan error) bool {
	_ = session.Signal(ssh.SIGTERM)
	select {
	case <-done:
		return true
	case <-time.After(100 * time.Millisecond):
	}

	_ = session.Signal(ssh.SIGKILL)
	_ = session.Close()
	select {
	case <-done:
		return true
	case <-time.After(sessionDrainTimeout):
		return false
	}
}
