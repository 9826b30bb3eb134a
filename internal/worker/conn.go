package worker

import (
	"bytes"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"wrkloop/internal/buffer"
	"wrkloop/internal/eventloop"
	"wrkloop/internal/httpparse"
	"wrkloop/internal/request"
	"wrkloop/internal/ring"
	"wrkloop/internal/tlsconn"
)

// State is the lifecycle position of a connection.
type State int

const (
	Connecting State = iota
	Handshake
	Writing
	ReadingHeaders
	ReadingBody
	Complete
	Failed
	Closed
)

var stateNames = [...]string{
	Connecting:     "connecting",
	Handshake:      "handshake",
	Writing:        "writing",
	ReadingHeaders: "reading-headers",
	ReadingBody:    "reading-body",
	Complete:       "complete",
	Failed:         "failed",
	Closed:         "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

type headerState uint8

const (
	headerField headerState = iota
	headerValue
)

// errReplaced is returned from parser callbacks once the connection has been
// torn down inside the callback; it stops the parser from touching the new
// connection's state.
var errReplaced = errors.New("connection replaced")

type connection struct {
	t       *Thread
	idx     int
	fd      int
	gen     uint64
	state   State
	handler eventloop.Handler

	tls     *tlsconn.Session
	parser  httpparse.ResponseParser
	out     buffer.Buffer
	scratch []byte

	// pending is set while out holds part of a request that has not been
	// fully written yet.
	pending   bool
	delayed   bool
	keepAlive bool
	inflight  *ring.Ring[time.Time]

	status  int
	headers buffer.Buffer
	body    buffer.Buffer
	hstate  headerState

	timer    eventloop.TimerID
	deadline eventloop.TimerID
	interest eventloop.Interest
}

func (c *connection) init(t *Thread, idx int) {
	c.t = t
	c.idx = idx
	c.fd = -1
	c.state = Closed
	c.handler = c.onEvent
	c.inflight = ring.New[time.Time](t.cfg.Pipeline)
}

func (c *connection) setState(s State) {
	from := c.state
	c.state = s
	if c.t.observe != nil {
		c.t.observe(c.idx, from, s)
	}
}

// guard wraps a deferred callback so it is dropped once the connection has
// moved on to a new socket.
func (c *connection) guard(fn func()) func() {
	gen := c.gen
	return func() {
		if c.gen == gen {
			fn()
		}
	}
}

func (c *connection) setInterest(in eventloop.Interest) {
	if c.fd < 0 || c.interest == in {
		return
	}
	if err := c.t.loop.Watch(c.fd, in, c.handler); err != nil {
		c.t.abort(err)
		return
	}
	c.interest = in
}

func (c *connection) connect() {
	t := c.t
	c.gen++
	c.setState(Connecting)

	fd, err := unix.Socket(t.domain, unix.SOCK_STREAM, 0)
	if err != nil {
		t.log.Warn("Socket create failed", zap.Error(err))
		c.connectFailed()
		return
	}
	unix.CloseOnExec(fd)
	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		c.connectFailed()
		return
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	err = unix.Connect(fd, t.sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		t.log.Debug("Connect failed", zap.Int("conn", c.idx), zap.Error(err))
		c.connectFailed()
		return
	}

	c.fd = fd
	t.Connections++
	c.setInterest(eventloop.Writable)
	c.timer = t.loop.AddTimer(t.cfg.Timeout, c.guard(c.connectTimedOut))
}

func (c *connection) connected() {
	soerr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err == nil && soerr != 0 {
		err = unix.Errno(soerr)
	}
	if err != nil {
		c.t.log.Debug("Connect failed", zap.Int("conn", c.idx), zap.Error(err))
		c.connectFailed()
		return
	}

	if c.t.cfg.TLS != nil {
		c.startTLS()
		return
	}

	c.ready()
}

func (c *connection) startTLS() {
	t := c.t
	gen := c.gen
	c.tls = tlsconn.New(t.cfg.TLS, func() {
		t.loop.Post(func() {
			if c.gen == gen {
				c.onTLS()
			}
		})
	})
	c.setState(Handshake)
	c.setInterest(eventloop.Readable)
	c.tls.Start(t.ctx)
}

// onTLS runs on the loop whenever the handshake goroutine queued ciphertext
// or finished.
func (c *connection) onTLS() {
	if c.state != Handshake {
		return
	}

	gen := c.gen
	c.takeTLSOutbound()
	c.flush()
	if c.gen != gen {
		return
	}

	done, err := c.tls.Handshake()
	if !done {
		return
	}
	if err != nil {
		c.t.log.Debug("TLS handshake failed", zap.Int("conn", c.idx), zap.Error(err))
		c.connectFailed()
		return
	}

	c.ready()
}

func (c *connection) takeTLSOutbound() {
	c.scratch = c.tls.TakeOutbound(c.scratch[:0])
	c.out.Append(c.scratch)
}

// ready is reached once the connection can carry requests.
func (c *connection) ready() {
	if c.timer != 0 {
		c.t.loop.CancelTimer(c.timer)
		c.timer = 0
	}

	c.setState(Writing)
	if c.t.stopping {
		c.close()
		return
	}
	if c.next() {
		c.flush()
	} else if c.delayed {
		c.setInterest(eventloop.Readable)
	}
}

func (c *connection) connectTimedOut() {
	c.timer = 0
	c.t.log.Debug("Connect timed out", zap.Int("conn", c.idx))
	c.connectFailed()
}

func (c *connection) connectFailed() {
	t := c.t
	t.Errors.Connect++
	c.teardown()
	c.setState(Failed)

	if t.stopping {
		c.setState(Closed)
		return
	}
	c.timer = t.loop.AddTimer(t.cfg.ReconnectDelay, c.guard(c.connect))
}

// fail handles a broken connection after the caller counted the error.
func (c *connection) fail() {
	c.teardown()
	c.setState(Failed)
	c.reopen()
}

// reconnect replaces a connection that cannot be reused, without counting an
// error.
func (c *connection) reconnect() {
	c.teardown()
	c.reopen()
}

func (c *connection) reopen() {
	if c.t.stopping {
		c.setState(Closed)
		return
	}
	c.connect()
}

func (c *connection) close() {
	c.teardown()
	c.setState(Closed)
}

func (c *connection) teardown() {
	t := c.t
	c.gen++

	if c.timer != 0 {
		t.loop.CancelTimer(c.timer)
		c.timer = 0
	}
	if c.deadline != 0 {
		t.loop.CancelTimer(c.deadline)
		c.deadline = 0
	}
	if c.tls != nil {
		c.tls.Close()
		c.tls = nil
	}
	if c.fd >= 0 {
		if err := t.loop.Unwatch(c.fd); err != nil {
			t.log.Debug("Unwatch failed", zap.Int("fd", c.fd), zap.Error(err))
		}
		unix.Close(c.fd)
		c.fd = -1
	}

	c.interest = 0
	t.outstanding -= c.inflight.Len()
	c.inflight.Reset()
	c.out.Reset()
	c.pending = false
	c.delayed = false
	c.parser.Reset()
	c.headers.Reset()
	c.body.Reset()
}

func (c *connection) onEvent(fd int, ev eventloop.Event) {
	switch c.state {
	case Connecting:
		c.connected()
		return
	case Handshake:
		gen := c.gen
		if ev&eventloop.EventRead != 0 {
			c.readHandshake()
		}
		if c.gen == gen && ev&eventloop.EventWrite != 0 {
			c.flush()
		}
		return
	case Closed, Failed:
		return
	}

	gen := c.gen
	if ev&eventloop.EventRead != 0 {
		c.read()
	}
	if c.gen == gen && ev&eventloop.EventWrite != 0 {
		c.flush()
	}
}

// next prepares the following request unless pacing postpones it.
func (c *connection) next() bool {
	if d := c.t.delay(); d > 0 {
		c.delayed = true
		c.timer = c.t.loop.AddTimer(d, c.guard(c.resume))
		return false
	}

	return c.load()
}

func (c *connection) resume() {
	c.timer = 0
	c.delayed = false

	if c.t.stopping {
		if c.inflight.Len() == 0 {
			c.close()
		}
		return
	}

	if c.load() {
		c.flush()
	}
}

// more starts another request when the pipeline has room.
func (c *connection) more() bool {
	if c.t.stopping || c.pending || c.delayed || c.inflight.Len() >= c.t.cfg.Pipeline {
		return false
	}

	return c.next()
}

func (c *connection) load() bool {
	t := c.t
	b, keepAlive, method := t.cfg.Request.Bytes, t.cfg.Request.KeepAlive, t.cfg.Request.Method
	if t.script != nil {
		if dyn, ok := t.script.Request(); ok {
			p := request.Parse(dyn)
			b, keepAlive, method = p.Bytes, p.KeepAlive, p.Method
		}
	}
	c.keepAlive = keepAlive
	c.parser.SkipBody = method == "HEAD"

	if c.tls != nil {
		if _, err := c.tls.Write(b); err != nil {
			t.Errors.Write++
			t.log.Debug("TLS write failed", zap.Int("conn", c.idx), zap.Error(err))
			c.fail()
			return false
		}
		c.takeTLSOutbound()
	} else {
		c.out.Append(b)
	}
	c.pending = true

	return true
}

// flush writes queued bytes and keeps issuing requests while the pipeline
// has room.
func (c *connection) flush() {
	t := c.t
	gen := c.gen
	for {
		for c.out.Len() > 0 {
			n, err := unix.Write(c.fd, c.out.Bytes())
			if err != nil {
				switch err {
				case unix.EAGAIN:
					c.setInterest(eventloop.Readable | eventloop.Writable)
					return
				case unix.EINTR:
					continue
				}
				t.Errors.Write++
				t.log.Debug("Write failed", zap.Int("conn", c.idx), zap.Error(err))
				c.fail()
				return
			}
			c.out.Advance(n)
		}

		if !c.pending {
			break
		}
		c.pending = false
		c.issued(time.Now())

		if !c.more() {
			if c.gen != gen {
				return
			}
			break
		}
	}

	c.setInterest(eventloop.Readable)
}

func (c *connection) issued(now time.Time) {
	t := c.t
	c.inflight.Put(now)
	t.outstanding++
	t.Requests++

	if c.inflight.Len() == 1 {
		c.armDeadline(now)
		if c.state == Writing {
			c.setState(ReadingHeaders)
		}
	}
}

func (c *connection) armDeadline(issued time.Time) {
	if c.deadline != 0 {
		c.t.loop.CancelTimer(c.deadline)
	}
	c.deadline = c.t.loop.AddTimer(time.Until(issued.Add(c.t.cfg.Timeout)), c.guard(c.timedOut))
}

func (c *connection) timedOut() {
	c.deadline = 0
	c.t.Errors.Timeout++
	c.t.log.Debug("Request timed out", zap.Int("conn", c.idx))
	c.fail()
}

func (c *connection) readHandshake() {
	t := c.t
	for {
		n, err := unix.Read(c.fd, t.buf)
		switch {
		case err == unix.EAGAIN:
			return
		case err == unix.EINTR:
			continue
		case err != nil || n == 0:
			t.log.Debug("Connection closed during TLS handshake", zap.Int("conn", c.idx), zap.Error(err))
			c.connectFailed()
			return
		}

		c.tls.Feed(t.buf[:n])
		if n < len(t.buf) {
			return
		}
	}
}

func (c *connection) read() {
	t := c.t
	gen := c.gen
	for {
		n, err := unix.Read(c.fd, t.buf)
		switch {
		case err == unix.EAGAIN:
			return
		case err == unix.EINTR:
			continue
		case err != nil:
			c.closed(err)
			return
		case n == 0:
			if c.tls != nil {
				// Buffered records are decrypted first; the session then
				// reports the close, or a truncated record as an error.
				c.tls.FeedEOF()
				if c.drainTLS() {
					c.closed(nil)
				}
				return
			}
			c.closed(nil)
			return
		}

		if c.tls != nil {
			c.tls.Feed(t.buf[:n])
			if !c.drainTLS() {
				return
			}
		} else {
			t.Bytes += uint64(n)
			if !c.parse(t.buf[:n]) {
				return
			}
		}

		if c.gen != gen || n < len(t.buf) {
			return
		}
	}
}

func (c *connection) drainTLS() bool {
	t := c.t
	for {
		n, err := c.tls.Read(t.plain)
		if n > 0 {
			t.Bytes += uint64(n)
			if !c.parse(t.plain[:n]) {
				return false
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, tlsconn.ErrWouldBlock) {
			break
		}
		if errors.Is(err, io.EOF) {
			c.closed(nil)
			return false
		}
		t.Errors.Read++
		t.log.Debug("TLS read failed", zap.Int("conn", c.idx), zap.Error(err))
		c.fail()
		return false
	}

	// Post-handshake messages may need an answer.
	if c.tls.PendingOutbound() {
		gen := c.gen
		c.takeTLSOutbound()
		c.flush()
		return c.gen == gen
	}

	return true
}

func (c *connection) parse(data []byte) bool {
	_, err := c.parser.Execute(c, data)
	if err == nil {
		return true
	}
	if err == errReplaced {
		return false
	}

	c.t.Errors.Read++
	c.t.log.Debug("Response parse error", zap.Int("conn", c.idx), zap.Error(err))
	c.fail()

	return false
}

// closed handles EOF or a read error from the peer.
func (c *connection) closed(err error) {
	t := c.t

	if err == nil && c.parser.InMessage() {
		gen := c.gen
		ferr := c.parser.Finish(c)
		if ferr == nil || ferr == errReplaced {
			if c.gen == gen {
				c.reconnect()
			}
			return
		}
		err = ferr
	}

	if err == nil && c.inflight.Len() == 0 {
		// Idle keep-alive connection closed by the server.
		c.reconnect()
		return
	}

	t.Errors.Read++
	t.log.Debug("Read failed", zap.Int("conn", c.idx), zap.Int("inflight", c.inflight.Len()), zap.Error(err))
	c.fail()
}

func (c *connection) OnStatus(code int) {
	c.status = code
	c.hstate = headerField
	c.headers.Reset()
	c.body.Reset()
}

func (c *connection) OnHeaderField(b []byte) {
	if !c.t.wantsResponse {
		return
	}
	if c.hstate == headerValue {
		c.headers.AppendByte(0)
		c.hstate = headerField
	}
	c.headers.Append(b)
}

func (c *connection) OnHeaderValue(b []byte) {
	if !c.t.wantsResponse {
		return
	}
	if c.hstate == headerField {
		c.headers.AppendByte(0)
		c.hstate = headerValue
	}
	c.headers.Append(b)
}

func (c *connection) OnHeadersComplete() error {
	if c.t.wantsResponse && c.hstate == headerValue {
		c.headers.AppendByte(0)
	}
	c.setState(ReadingBody)
	return nil
}

func (c *connection) OnBody(b []byte) {
	if c.t.wantsResponse {
		c.body.Append(b)
	}
}

func (c *connection) OnMessageComplete() error {
	return c.complete()
}

func (c *connection) complete() error {
	t := c.t
	now := time.Now()

	issued, ok := c.inflight.Get()
	if !ok {
		t.Errors.Read++
		t.log.Debug("Response without request", zap.Int("conn", c.idx))
		c.fail()
		return errReplaced
	}
	t.outstanding--

	if c.deadline != 0 {
		t.loop.CancelTimer(c.deadline)
		c.deadline = 0
	}
	if head, ok := c.inflight.Peek(); ok {
		c.armDeadline(head)
	}

	c.setState(Complete)
	t.record(now.Sub(issued), c.status)
	if t.wantsResponse {
		t.script.Response(c.status, splitHeaders(c.headers.Bytes()), c.body.Bytes())
	}

	if !c.keepAlive || !c.parser.ShouldKeepAlive() {
		c.reconnect()
		return errReplaced
	}
	if t.stopping && c.inflight.Len() == 0 {
		c.close()
		return errReplaced
	}

	if c.inflight.Len() > 0 {
		c.setState(ReadingHeaders)
	} else {
		c.setState(Writing)
	}

	gen := c.gen
	if c.more() {
		c.flush()
	}
	if c.gen != gen {
		return errReplaced
	}

	return nil
}

// splitHeaders decodes the NUL separated name/value list collected while
// parsing.
func splitHeaders(b []byte) map[string]string {
	m := make(map[string]string)
	if len(b) == 0 {
		return m
	}

	parts := bytes.Split(bytes.TrimSuffix(b, []byte{0}), []byte{0})
	for i := 0; i+1 < len(parts); i += 2 {
		m[string(parts[i])] = string(parts[i+1])
	}

	return m
}
