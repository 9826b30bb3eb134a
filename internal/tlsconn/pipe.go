package tlsconn

import (
	"io"
	"net"
	"sync"
	"time"
)

type wouldBlock struct{}

func (wouldBlock) Error() string   { return "tlsconn: operation would block" }
func (wouldBlock) Timeout() bool   { return true }
func (wouldBlock) Temporary() bool { return true }

// ErrWouldBlock is returned by Session.Read when more ciphertext is needed.
// crypto/tls does not latch temporary net errors, so the read can be retried
// after the next Feed.
var ErrWouldBlock net.Error = wouldBlock{}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

// pipe is the net.Conn handed to crypto/tls. Ciphertext received from the
// socket is queued by feed; ciphertext produced by crypto/tls accumulates in
// out until the owner takes it. Reads block until the handshake is over and
// return ErrWouldBlock afterwards.
type pipe struct {
	mu       sync.Mutex
	cond     *sync.Cond
	in       []byte
	out      []byte
	eof      bool
	closed   bool
	nonblock bool
	onWrite  func()
}

func newPipe(onWrite func()) *pipe {
	p := &pipe{onWrite: onWrite}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pipe) feed(b []byte) {
	p.mu.Lock()
	p.in = append(p.in, b...)
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *pipe) feedEOF() {
	p.mu.Lock()
	p.eof = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *pipe) setNonblock() {
	p.mu.Lock()
	p.nonblock = true
	p.mu.Unlock()
}

func (p *pipe) takeOutbound(dst []byte) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	dst = append(dst, p.out...)
	p.out = p.out[:0]
	return dst
}

func (p *pipe) pendingOutbound() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.out) > 0
}

func (p *pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.in) == 0 {
		switch {
		case p.closed:
			return 0, net.ErrClosed
		case p.eof:
			return 0, io.EOF
		case p.nonblock:
			return 0, ErrWouldBlock
		}
		p.cond.Wait()
	}

	n := copy(b, p.in)
	p.in = p.in[:copy(p.in, p.in[n:])]

	return n, nil
}

func (p *pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, net.ErrClosed
	}
	p.out = append(p.out, b...)
	handshaking := !p.nonblock
	p.mu.Unlock()

	// After the handshake writes happen on the owner's goroutine, which
	// flushes right away.
	if handshaking && p.onWrite != nil {
		p.onWrite()
	}

	return len(b), nil
}

func (p *pipe) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	return nil
}

func (p *pipe) LocalAddr() net.Addr                { return pipeAddr{} }
func (p *pipe) RemoteAddr() net.Addr               { return pipeAddr{} }
func (p *pipe) SetDeadline(t time.Time) error      { return nil }
func (p *pipe) SetReadDeadline(t time.Time) error  { return nil }
func (p *pipe) SetWriteDeadline(t time.Time) error { return nil }
