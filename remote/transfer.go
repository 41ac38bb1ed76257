package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"

	ncerr "sshlink/internal/errors"
	"sshlink/util"
)

// Progress receives the completed fraction of a transfer after every
// chunk.  Returning false cancels the transfer.
type Progress func(fraction float64) bool

// DownloadFile copies remotePath to localPath.  On cancellation or
// failure the partial local file is removed.
func (h *Handle) DownloadFile(ctx context.Context, remotePath, localPath string, progress Progress) error {
	var (
		src  *sftp.File
		size int64
		sess *session
	)
	err := h.do(ctx, "download", remotePath, func(s *session) error {
		c, err := s.sftpClient()
		if err != nil {
			return err
		}
		f, err := c.Open(remotePath)
		if err != nil {
			return err
		}
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return err
		}
		src, size, sess = f, fi.Size(), s
		return nil
	})
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("download %s: %w", remotePath, err)
	}

	n, err := h.pump(ctx, sess, dst, src, size, progress)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(localPath)
		return h.transferFailed("download", remotePath, err)
	}

	h.touch(sess)
	h.opts.Metrics.TransferCompleted(n)
	h.log.Verbose("downloaded %s (%d bytes)", remotePath, n)
	return nil
}

// UploadFile copies localPath to remotePath, replacing it.  A
// cancelled upload removes the partial remote file.
func (h *Handle) UploadFile(ctx context.Context, localPath, remotePath string, progress Progress) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("upload %s: %w", localPath, err)
	}
	defer src.Close()
	fi, err := src.Stat()
	if err != nil {
		return fmt.Errorf("upload %s: %w", localPath, err)
	}

	var (
		dst  *sftp.File
		c    *sftp.Client
		sess *session
	)
	err = h.do(ctx, "upload", remotePath, func(s *session) error {
		client, err := s.sftpClient()
		if err != nil {
			return err
		}
		f, err := client.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
		if err != nil {
			return err
		}
		dst, c, sess = f, client, s
		return nil
	})
	if err != nil {
		return err
	}

	n, err := h.pump(ctx, sess, dst, src, fi.Size(), progress)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if ncerr.IsCancelled(err) && sess.alive() {
			c.Remove(remotePath) //nolint:errcheck
		}
		return h.transferFailed("upload", remotePath, err)
	}

	h.touch(sess)
	h.opts.Metrics.TransferCompleted(n)
	h.log.Verbose("uploaded %s (%d bytes)", remotePath, n)
	return nil
}

// DownloadToMemory reads remotePath into memory.  A positive maxBytes
// rejects larger files.
func (h *Handle) DownloadToMemory(ctx context.Context, remotePath string, maxBytes int64) ([]byte, error) {
	var data []byte
	err := h.do(ctx, "read", remotePath, func(s *session) error {
		c, err := s.sftpClient()
		if err != nil {
			return err
		}
		f, err := c.Open(remotePath)
		if err != nil {
			return err
		}
		defer f.Close()

		var r io.Reader = f
		if maxBytes > 0 {
			r = io.LimitReader(f, maxBytes+1)
		}
		data, err = io.ReadAll(r)
		if err != nil {
			return err
		}
		if maxBytes > 0 && int64(len(data)) > maxBytes {
			data = nil
			return fmt.Errorf("file is larger than %d bytes", maxBytes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// pump copies src to dst in DefaultBufSize chunks.  A watchdog drops
// the session if no chunk completes within the operation timeout.
func (h *Handle) pump(ctx context.Context, s *session, dst io.Writer, src io.Reader, size int64, progress Progress) (int64, error) {
	bufp := util.GetBuf()
	defer util.PutBuf(bufp)
	buf := *bufp

	var stalled atomic.Bool
	watchdog := time.AfterFunc(h.opts.OpTimeout, func() {
		stalled.Store(true)
		h.log.Warn("transfer stalled for %v, dropping session", h.opts.OpTimeout)
		h.dropSession(s)
	})
	defer watchdog.Stop()

	stallErr := func(err error) error {
		if stalled.Load() {
			return ncerr.Wrap("transfer", h.profile.Addr(), ncerr.ErrTimeout)
		}
		return err
	}

	var done int64
	last := -1.0
	for {
		if err := ctx.Err(); err != nil {
			return done, fmt.Errorf("%w: %w", ncerr.ErrCancelled, err)
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return done, stallErr(werr)
			}
			done += int64(n)
			watchdog.Reset(h.opts.OpTimeout)

			if progress != nil {
				last = fraction(done, size)
				if !progress(last) {
					return done, ncerr.ErrCancelled
				}
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return done, stallErr(rerr)
		}
	}

	if progress != nil && last < 1 {
		progress(1)
	}
	return done, nil
}

func fraction(done, size int64) float64 {
	if size <= 0 || done >= size {
		return 1
	}
	return float64(done) / float64(size)
}

func (h *Handle) transferFailed(op, p string, err error) error {
	if ncerr.IsCancelled(err) {
		h.opts.Metrics.TransferCancelled()
		h.log.Info("%s of %s cancelled", op, p)
		return fmt.Errorf("%s %s: %w", op, p, err)
	}
	return h.fail(op, p, err)
}
