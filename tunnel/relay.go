package tunnel

import (
	"bytes"
	"net"
	"sync"
	"sync/atomic"

	ncerr "sshlink/internal/errors"
	"sshlink/util"
)

// RelayPipe splices one accepted local connection to its forwarded
// channel.  Bytes the local peer sends before the channel is open are
// held in order, up to a bound; once the bound is reached the pipe
// stops reading from the local socket until [RelayPipe.Attach] is
// called.
//
// When either direction ends, both connections are closed.
type RelayPipe struct {
	local      net.Conn
	maxPending int

	mu       sync.Mutex
	cond     *sync.Cond
	pending  bytes.Buffer
	remote   net.Conn
	localEOF bool
	closed   bool

	up   atomic.Int64 // local → remote
	down atomic.Int64 // remote → local

	wg       sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once
}

// NewRelayPipe starts buffering from local.  maxPending <= 0 uses
// DefaultBufSize.
func NewRelayPipe(local net.Conn, maxPending int) *RelayPipe {
	if maxPending <= 0 {
		maxPending = util.DefaultBufSize
	}
	p := &RelayPipe{local: local, maxPending: maxPending, done: make(chan struct{})}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(1)
	go p.upstream()
	return p
}

// Pending returns the number of buffered bytes not yet sent.
func (p *RelayPipe) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending.Len()
}

// Attach connects the forwarded channel.  Buffered bytes are written
// to remote before anything read afterwards.
func (p *RelayPipe) Attach(remote net.Conn) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		remote.Close()
		return ncerr.ErrTunnelStopped
	}
	if p.remote != nil {
		p.mu.Unlock()
		return ncerr.New("relay already attached")
	}

	// Flush while holding the lock so the reader cannot write a newer
	// chunk ahead of the buffered ones.
	if p.pending.Len() > 0 {
		n, err := remote.Write(p.pending.Bytes())
		p.up.Add(int64(n))
		p.pending.Reset()
		if err != nil {
			p.remote = remote
			p.mu.Unlock()
			p.finish()
			return err
		}
	}
	p.remote = remote
	localEOF := p.localEOF
	p.cond.Broadcast()
	p.mu.Unlock()

	if localEOF {
		p.finish()
		return nil
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		n, _ := util.CopyPooled(p.local, remote)
		p.down.Add(n)
		p.finish()
	}()
	return nil
}

// upstream reads the local socket for the lifetime of the pipe.
func (p *RelayPipe) upstream() {
	defer p.wg.Done()

	bufp := util.GetBuf()
	defer util.PutBuf(bufp)
	buf := *bufp

	for {
		p.mu.Lock()
		for p.remote == nil && !p.closed && p.pending.Len() >= p.maxPending {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		remote := p.remote
		room := p.maxPending - p.pending.Len()
		p.mu.Unlock()

		if remote != nil {
			n, _ := util.CopyPooled(remote, p.local)
			p.up.Add(n)
			p.finish()
			return
		}

		limit := len(buf)
		if room < limit {
			limit = room
		}
		n, err := p.local.Read(buf[:limit])

		if n > 0 {
			p.mu.Lock()
			remote = p.remote
			if remote == nil {
				p.pending.Write(buf[:n])
				p.mu.Unlock()
			} else {
				p.mu.Unlock()
				w, werr := remote.Write(buf[:n])
				p.up.Add(int64(w))
				if werr != nil {
					p.finish()
					return
				}
			}
		}
		if err != nil {
			p.mu.Lock()
			attached := p.remote != nil
			if !attached && util.IsClosed(err) {
				// Keep what was sent; Attach flushes it and closes.
				p.localEOF = true
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
			p.finish()
			return
		}
	}
}

// Close tears the pipe down.  It is safe to call more than once.
func (p *RelayPipe) Close() { p.finish() }

func (p *RelayPipe) finish() {
	p.doneOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		remote := p.remote
		p.cond.Broadcast()
		p.mu.Unlock()

		p.local.Close()
		if remote != nil {
			remote.Close()
		}
		close(p.done)
	})
}

// Done is closed once the pipe has shut down.
func (p *RelayPipe) Done() <-chan struct{} { return p.done }

// Wait blocks until the pipe has shut down and its copy loops have
// returned, then reports the bytes moved in each direction.
func (p *RelayPipe) Wait() (up, down int64) {
	<-p.done
	p.wg.Wait()
	return p.up.Load(), p.down.Load()
}
