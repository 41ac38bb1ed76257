package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	ncerr "sshlink/internal/errors"
)

// ExecuteCommand runs command on the server and returns its exit
// status with stdout and stderr interleaved.  A non-zero status is not
// an error.
func (h *Handle) ExecuteCommand(ctx context.Context, command string) (int, string, error) {
	var (
		status int
		output string
	)
	err := h.do(ctx, "exec", "", func(s *session) error {
		sess, err := s.client.NewSession()
		if err != nil {
			return err
		}
		defer sess.Close()

		var out lockedBuffer
		sess.Stdout = &out
		sess.Stderr = &out

		err = sess.Run(command)
		var exitErr *ssh.ExitError
		switch {
		case err == nil:
			status = 0
		case errors.As(err, &exitErr):
			status = exitErr.ExitStatus()
		default:
			return err
		}
		output = out.String()
		return nil
	})
	if err != nil {
		return -1, "", err
	}
	h.log.Debug("exec %q exited %d", command, status)
	return status, output, nil
}

// DiskUsage returns the size of p in bytes as reported by du -sk.
func (h *Handle) DiskUsage(ctx context.Context, p string) (int64, error) {
	status, out, err := h.ExecuteCommand(ctx, "du -sk -- "+shellQuote(p))
	if err != nil {
		return 0, err
	}
	if status != 0 {
		return 0, ncerr.Remote("du", p, fmt.Errorf("exit status %d: %s", status, strings.TrimSpace(out)))
	}
	return parseDu(out)
}

func parseDu(out string) (int64, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty du output")
	}
	kb, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected du output %q", strings.TrimSpace(out))
	}
	return kb * 1024, nil
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// lockedBuffer is written from the stdout and stderr copy goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
