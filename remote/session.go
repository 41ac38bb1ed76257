package remote

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"sshlink/internal/metrics"
)

// session is one authenticated SSH connection plus the SFTP channel
// opened on top of it.  A session never comes back once closed; the
// handle replaces it instead.
type session struct {
	client  *ssh.Client
	metrics *metrics.Collector

	dead      atomic.Bool
	closeOnce sync.Once

	mu   sync.Mutex
	sftp *sftp.Client
}

func newSession(client *ssh.Client, m *metrics.Collector) *session {
	return &session{client: client, metrics: m}
}

func (s *session) alive() bool { return !s.dead.Load() }

// sftpClient returns the session's SFTP client, opening it on first
// use.
func (s *session) sftpClient() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftp != nil {
		return s.sftp, nil
	}
	c, err := sftp.NewClient(s.client, sftp.UseConcurrentReads(true))
	if err != nil {
		return nil, err
	}
	s.sftp = c
	return c, nil
}

// close tears down the SSH client first so that a blocked SFTP
// handshake returns before the lock is taken.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.dead.Store(true)
		s.client.Close()

		s.mu.Lock()
		if s.sftp != nil {
			s.sftp.Close()
			s.sftp = nil
		}
		s.mu.Unlock()

		s.metrics.SessionClosed()
	})
}
