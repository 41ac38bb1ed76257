// Package errors classifies sshlink failures.
//
// Every failure that leaves the remote or tunnel packages is one of a
// small set of kinds: configuration, authentication, network, remote
// operation, cancellation or tunnel setup.  The structured types carry
// enough context (operation, path, address) for a caller to decide
// whether to retry, suppress, or surface the failure.
package errors

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrNotConnected    = errors.New("not connected")
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTimeout         = errors.New("operation timed out")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrHostKeyMismatch = errors.New("host key mismatch")
	ErrCancelled       = errors.New("operation cancelled")
	ErrTunnelStopped   = errors.New("tunnel is stopped")
)

// ── Structured error types ───────────────────────────────────────────

// NetworkError represents a failure reaching the server or moving bytes.
type NetworkError struct {
	Op        string // operation: "dial", "listen", "accept", "channel"
	Addr      string // network address involved
	Err       error  // underlying error
	Retryable bool   // whether the caller should retry
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SSHError represents an SSH protocol failure with host context.
type SSHError struct {
	Op   string // "handshake", "hostkey", "secrets", "session", "sftp"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// AuthError means credentials were missing or rejected.  It matches
// [ErrAuthFailed] under errors.Is.
type AuthError struct {
	User string
	Host string
	Port int
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth %s@%s:%d: %v", e.User, e.Host, e.Port, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool { return target == ErrAuthFailed }

// RemoteError is a failed filesystem call or command on the server.
type RemoteError struct {
	Op   string // "stat", "remove", "rename", "exec", ...
	Path string
	Err  error
}

func (e *RemoteError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("remote %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// TunnelError is a local bind or forwarded-channel failure for a named
// tunnel.
type TunnelError struct {
	Name string
	Op   string // "connect", "listen", "channel"
	Err  error
}

func (e *TunnelError) Error() string {
	return fmt.Sprintf("tunnel %q %s: %v", e.Name, e.Op, e.Err)
}

func (e *TunnelError) Unwrap() error { return e.Err }

// ConfigError represents an invalid or missing configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: %s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, automatically detecting retryability
// from the underlying error.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// Remote creates a RemoteError.  A nil err yields nil.
func Remote(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &RemoteError{Op: op, Path: path, Err: err}
}

// Tunnel creates a TunnelError.
func Tunnel(name, op string, err error) *TunnelError {
	return &TunnelError{Name: name, Op: op, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

// IsNotFound reports whether err means the remote path does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// IsCancelled reports whether err came from cooperative cancellation,
// either an explicit abort or a cancelled context.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuthFailed)
}

// classifyRetryable inspects standard library error types.
func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Timeout() || opErr.Temporary() //nolint:staticcheck // Temporary is deprecated but still useful
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-exports for convenience ───────────────────────────────────────

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
