// Package worker runs a share of the benchmark connections on one OS thread,
// driven by an event loop.
package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/netip"
	"runtime"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"wrkloop/internal/eventloop"
	"wrkloop/internal/request"
	"wrkloop/internal/stats"
)

const (
	readBufferSize = 64 * 1024
	// rateInterval is how often a thread samples its completion rate into
	// the requests/sec histogram.
	rateInterval = 100 * time.Millisecond
	maxRate      = 10_000_000
	maxCodes     = 1000
)

// Script supplies per-request behaviour. All methods are called from the
// thread's own goroutine.
type Script interface {
	// Request returns the next request to send, or false to send the
	// static request.
	Request() ([]byte, bool)
	// Delay returns how long to wait before sending the next request.
	Delay() time.Duration
	WantsResponse() bool
	Response(status int, headers map[string]string, body []byte)
}

type Config struct {
	Addr    netip.AddrPort
	TLS     *tls.Config
	Request *request.Payload

	Pipeline       int
	Timeout        time.Duration
	ReconnectDelay time.Duration

	// Rate is the request rate of this thread in requests per second. Zero
	// means unlimited.
	Rate float64

	Script Script
	Logger *zap.Logger
}

type Counters struct {
	Connections uint64
	Requests    uint64
	Complete    uint64
	Bytes       uint64
	// Dropped counts latency samples beyond the histogram range.
	Dropped uint64
}

type Thread struct {
	ID int
	Counters
	Errors  stats.Errors
	Latency *stats.Stats
	Rates   *hdrhistogram.Histogram
	Codes   [maxCodes]uint64

	Start time.Time
	End   time.Time

	cfg     Config
	ctx     context.Context
	cancel  context.CancelFunc
	loop    *eventloop.Loop
	conns   []connection
	sa      unix.Sockaddr
	domain  int
	limiter *rate.Limiter
	log     *zap.Logger

	script        Script
	wantsResponse bool

	stop        func() bool
	stopping    bool
	outstanding int
	fatal       error

	buf   []byte
	plain []byte

	rateStart time.Time
	rateCount uint64

	// observe is called on every connection state change.
	observe func(conn int, from, to State)
}

// NewThread prepares a thread with conns connections. latency must be
// allocated by the caller so allocation failures surface before any thread
// starts. stop is polled by the loop and must be safe to call from any
// goroutine.
func NewThread(id, conns int, cfg Config, latency *stats.Stats, stop func() bool) (*Thread, error) {
	if conns < 1 {
		return nil, fmt.Errorf("thread %d: no connections", id)
	}
	if cfg.Pipeline < 1 {
		cfg.Pipeline = 1
	}
	if cfg.Request == nil {
		return nil, fmt.Errorf("thread %d: no request", id)
	}

	loop, err := eventloop.New()
	if err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	t := &Thread{
		ID:      id,
		Latency: latency,
		Rates:   hdrhistogram.New(1, maxRate, 3),
		cfg:     cfg,
		loop:    loop,
		conns:   make([]connection, conns),
		log:     log.With(zap.Int("thread", id)),
		script:  cfg.Script,
		stop:    stop,
		buf:     make([]byte, readBufferSize),
		plain:   make([]byte, readBufferSize),
	}
	t.sa, t.domain = sockaddr(cfg.Addr)
	t.ctx, t.cancel = context.WithCancel(context.Background())

	if cfg.Rate > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), 1)
	}
	if t.script != nil {
		t.wantsResponse = t.script.WantsResponse()
	}

	for i := range t.conns {
		t.conns[i].init(t, i)
	}

	return t, nil
}

// Run connects every connection and drives the loop until stop reports true
// and all in-flight requests have finished or timed out.
func (t *Thread) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer t.cancel()

	t.Start = time.Now()
	t.rateStart = t.Start

	for i := range t.conns {
		t.conns[i].connect()
	}
	t.loop.AddTimer(rateInterval, t.sampleRate)

	err := t.loop.RunUntil(t.done)
	t.End = time.Now()

	for i := range t.conns {
		if t.conns[i].state != Closed {
			t.conns[i].close()
		}
	}
	if cerr := t.loop.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = t.fatal
	}

	t.log.Debug("Thread finished",
		zap.Uint64("requests", t.Complete),
		zap.Uint64("bytes", t.Bytes),
		zap.Uint64("errors", t.Errors.Total()))

	return err
}

// Close releases the loop of a thread that will not be run. Run closes it
// itself.
func (t *Thread) Close() error {
	t.cancel()
	return t.loop.Close()
}

// Wake interrupts the loop so it notices the stop condition promptly. Safe
// to call from any goroutine.
func (t *Thread) Wake() {
	t.loop.Wake()
}

func (t *Thread) done() bool {
	if t.fatal != nil {
		return true
	}
	if !t.stopping && t.stop() {
		t.stopping = true
		t.drain()
	}

	return t.stopping && t.outstanding == 0
}

// drain closes every connection that has nothing in flight. Busy ones close
// as soon as their last response arrives or times out.
func (t *Thread) drain() {
	t.cancel()
	for i := range t.conns {
		c := &t.conns[i]
		if c.state != Closed && c.inflight.Len() == 0 {
			c.close()
		}
	}
}

func (t *Thread) abort(err error) {
	if t.fatal == nil {
		t.fatal = err
		t.log.Error("Event loop failure", zap.Error(err))
	}
}

// delay is the time to wait before the next request may be sent.
func (t *Thread) delay() time.Duration {
	var d time.Duration
	if t.script != nil {
		d = t.script.Delay()
	}
	if t.limiter != nil {
		now := time.Now()
		if wait := t.limiter.ReserveN(now, 1).DelayFrom(now); wait > d {
			d = wait
		}
	}

	return d
}

func (t *Thread) record(latency time.Duration, status int) {
	t.Complete++
	t.rateCount++

	if err := t.Latency.Record(uint64(latency.Microseconds())); err != nil {
		t.Dropped++
		t.log.Debug("Latency sample dropped", zap.Duration("latency", latency), zap.Error(err))
	}

	if status >= 0 && status < maxCodes {
		t.Codes[status]++
	}
	if status > 399 {
		t.Errors.Status++
	}
}

func (t *Thread) sampleRate() {
	now := time.Now()
	if elapsed := now.Sub(t.rateStart); elapsed > 0 && t.rateCount > 0 {
		rps := float64(t.rateCount) / elapsed.Seconds()
		_ = t.Rates.RecordValue(int64(rps))
	}
	t.rateStart = now
	t.rateCount = 0

	if !t.stopping {
		t.loop.AddTimer(rateInterval, t.sampleRate)
	}
}
