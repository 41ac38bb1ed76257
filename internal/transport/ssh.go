package transport

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"sshlink/config"
	ncerr "sshlink/internal/errors"
	"sshlink/secrets"
	"sshlink/util"
)

// SSHDialer implements [Dialer] with golang.org/x/crypto/ssh.
type SSHDialer struct {
	secrets secrets.Store
	prompt  Prompter // nil disables interactive prompts
	timeout time.Duration
	logger  *util.Logger
}

// NewSSHDialer returns a dialer that looks credentials up in store.
// A nil prompt means missing secrets fail instead of asking the
// terminal.
func NewSSHDialer(store secrets.Store, prompt Prompter, timeout time.Duration, logger *util.Logger) *SSHDialer {
	if timeout <= 0 {
		timeout = config.DefaultConnTimeout
	}
	if logger == nil {
		logger = util.Discard()
	}
	return &SSHDialer{secrets: store, prompt: prompt, timeout: timeout, logger: logger.Named("ssh")}
}

// DialSSH dials p and completes the SSH handshake.
func (d *SSHDialer) DialSSH(ctx context.Context, p config.Profile) (*ssh.Client, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	authMethods, release, err := BuildAuthMethods(ctx, p, d.secrets, d.prompt)
	if err != nil {
		var se *StoreError
		if errors.As(err, &se) {
			return nil, ncerr.WrapSSH("secrets", p.Host, p.Port, err)
		}
		return nil, &ncerr.AuthError{User: p.User, Host: p.Host, Port: p.Port, Err: err}
	}
	defer release()

	hkCallback, err := hostKeyCallback(p)
	if err != nil {
		return nil, ncerr.WrapSSH("hostkey", p.Host, p.Port, err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            p.User,
		Auth:            authMethods,
		HostKeyCallback: hkCallback,
		Timeout:         d.timeout,
	}

	addr := p.Addr()
	d.logger.Debug("dialing %s as %s", addr, p.User)

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var dialer net.Dialer
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, ncerr.Wrap("dial", addr, err)
	}

	// The handshake itself ignores ctx; closing the socket unblocks it.
	stop := context.AfterFunc(ctx, func() { tcpConn.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, sshCfg)
	stopped := stop()
	if err != nil {
		tcpConn.Close()
		if !stopped {
			return nil, ncerr.Wrap("handshake", addr, ctx.Err())
		}
		return nil, classifyHandshake(p, err)
	}
	if !stopped {
		sshConn.Close()
		return nil, ncerr.Wrap("handshake", addr, ctx.Err())
	}

	d.logger.Verbose("connected to %s (%s)", addr, sshConn.ServerVersion())
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// classifyHandshake separates rejected credentials from other
// handshake failures.  x/crypto/ssh reports both as plain errors.
func classifyHandshake(p config.Profile, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return &ncerr.AuthError{User: p.User, Host: p.Host, Port: p.Port, Err: err}
	}
	if strings.Contains(msg, "knownhosts:") || strings.Contains(msg, "host key mismatch") {
		return ncerr.WrapSSH("hostkey", p.Host, p.Port, ncerr.Join(ncerr.ErrHostKeyMismatch, err))
	}
	return ncerr.WrapSSH("handshake", p.Host, p.Port, err)
}
