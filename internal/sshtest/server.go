// Package sshtest runs an in-process SSH server for tests.  It speaks
// password and public-key auth, serves the sftp subsystem from the
// local filesystem, runs exec requests through sh, and forwards
// direct-tcpip channels.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"sshlink/config"
	"sshlink/secrets"
)

// Options configures a test server.
type Options struct {
	User          string
	Password      string
	AuthorizedKey ssh.PublicKey // optional
	AuthDelay     time.Duration // slows every successful auth
}

// Server is a running test SSH server.
type Server struct {
	opts     Options
	listener net.Listener
	config   *ssh.ServerConfig

	handshakes atomic.Int64
	directs    atomic.Int64

	mu     sync.Mutex
	conns  map[*ssh.ServerConn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Start launches a server on 127.0.0.1 and stops it when t finishes.
func Start(t testing.TB, opts Options) *Server {
	t.Helper()
	if opts.User == "" {
		opts.User = "media"
	}
	if opts.Password == "" {
		opts.Password = "secret"
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	hostKey, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	s := &Server{opts: opts, conns: make(map[*ssh.ServerConn]struct{})}
	s.config = &ssh.ServerConfig{
		PasswordCallback:  s.checkPassword,
		PublicKeyCallback: s.checkKey,
	}
	s.config.AddHostKey(hostKey)

	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// Port returns the listening port.
func (s *Server) Port() int { return s.listener.Addr().(*net.TCPAddr).Port }

// Profile returns a password profile pointing at the server.
func (s *Server) Profile(name string) config.Profile {
	return config.Profile{
		Name: name,
		Host: "127.0.0.1",
		Port: s.Port(),
		User: s.opts.User,
	}
}

// Secrets returns a store holding the password for name.
func (s *Server) Secrets(name string) *secrets.Memory {
	return secrets.NewMemory(map[string]string{
		secrets.PasswordKey(name): s.opts.Password,
	})
}

// Handshakes returns the number of completed SSH handshakes.
func (s *Server) Handshakes() int64 { return s.handshakes.Load() }

// DirectChannels returns the number of direct-tcpip channels opened.
func (s *Server) DirectChannels() int64 { return s.directs.Load() }

// DropAll severs every client connection without stopping the server.
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := make([]*ssh.ServerConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Close stops the server and waits for its goroutines.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.listener.Close()
	s.DropAll()
	s.wg.Wait()
}

func (s *Server) checkPassword(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
	if meta.User() == s.opts.User && string(pass) == s.opts.Password {
		time.Sleep(s.opts.AuthDelay)
		return &ssh.Permissions{}, nil
	}
	return nil, fmt.Errorf("password rejected for %q", meta.User())
}

func (s *Server) checkKey(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	if s.opts.AuthorizedKey != nil && meta.User() == s.opts.User &&
		string(key.Marshal()) == string(s.opts.AuthorizedKey.Marshal()) {
		time.Sleep(s.opts.AuthDelay)
		return &ssh.Permissions{}, nil
	}
	return nil, fmt.Errorf("key rejected for %q", meta.User())
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.serveConn(nc)
	}
}

func (s *Server) serveConn(nc net.Conn) {
	defer s.wg.Done()

	sconn, chans, reqs, err := ssh.NewServerConn(nc, s.config)
	if err != nil {
		nc.Close()
		return
	}
	s.handshakes.Add(1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sconn.Close()
		return
	}
	s.conns[sconn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, sconn)
		s.mu.Unlock()
		sconn.Close()
	}()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(req.Type == "keepalive@openssh.com", nil) //nolint:errcheck
			}
		}
	}()

	for newCh := range chans {
		switch newCh.ChannelType() {
		case "session":
			go s.handleSession(newCh)
		case "direct-tcpip":
			go s.handleDirect(newCh)
		default:
			newCh.Reject(ssh.UnknownChannelType, "unsupported channel type") //nolint:errcheck
		}
	}
}

func (s *Server) handleSession(newCh ssh.NewChannel) {
	ch, reqs, err := newCh.Accept()
	if err != nil {
		return
	}
	for req := range reqs {
		switch req.Type {
		case "subsystem":
			var p struct{ Name string }
			if ssh.Unmarshal(req.Payload, &p) != nil || p.Name != "sftp" {
				req.Reply(false, nil) //nolint:errcheck
				continue
			}
			req.Reply(true, nil) //nolint:errcheck
			go serveSFTP(ch)
		case "exec":
			var p struct{ Command string }
			if ssh.Unmarshal(req.Payload, &p) != nil {
				req.Reply(false, nil) //nolint:errcheck
				continue
			}
			req.Reply(true, nil) //nolint:errcheck
			go runExec(ch, p.Command)
		default:
			if req.WantReply {
				req.Reply(false, nil) //nolint:errcheck
			}
		}
	}
}

func serveSFTP(ch ssh.Channel) {
	defer ch.Close()
	srv, err := sftp.NewServer(ch)
	if err != nil {
		return
	}
	if err := srv.Serve(); err != nil && !errors.Is(err, io.EOF) {
		srv.Close()
	}
}

func runExec(ch ssh.Channel, command string) {
	defer ch.Close()
	cmd := exec.Command("sh", "-c", command)
	cmd.Stdout = ch
	cmd.Stderr = ch.Stderr()

	status := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			status = exitErr.ExitCode()
		} else {
			status = 127
		}
	}
	payload := ssh.Marshal(struct{ Status uint32 }{uint32(status)})
	ch.SendRequest("exit-status", false, payload) //nolint:errcheck
}

func (s *Server) handleDirect(newCh ssh.NewChannel) {
	var p struct {
		Host     string
		Port     uint32
		OrigHost string
		OrigPort uint32
	}
	if err := ssh.Unmarshal(newCh.ExtraData(), &p); err != nil {
		newCh.Reject(ssh.ConnectionFailed, "bad direct-tcpip payload") //nolint:errcheck
		return
	}
	s.directs.Add(1)

	target, err := net.DialTimeout("tcp", net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port))), 5*time.Second)
	if err != nil {
		newCh.Reject(ssh.ConnectionFailed, err.Error()) //nolint:errcheck
		return
	}
	ch, reqs, err := newCh.Accept()
	if err != nil {
		target.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(ch, target) //nolint:errcheck
		done <- struct{}{}
	}()
	go func() {
		io.Copy(target, ch) //nolint:errcheck
		done <- struct{}{}
	}()
	<-done
	ch.Close()
	target.Close()
}
