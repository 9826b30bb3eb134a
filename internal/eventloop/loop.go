// Package eventloop is a single-threaded readiness loop over non-blocking
// file descriptors, with one-shot timers and a wakeup channel for other
// goroutines.
//
// All methods except Post and Wake must be called from the goroutine running
// RunUntil (or before it starts).
package eventloop

import (
	"container/heap"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Interest selects which readiness a watched fd reports.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// Event describes the readiness of an fd. Hangup and Error are always
// reported together with Readable so a handler discovers them by reading.
type Event uint8

const (
	EventRead Event = 1 << iota
	EventWrite
	EventHangup
	EventError
)

// Handler is invoked on the loop goroutine when a watched fd is ready.
type Handler func(fd int, ev Event)

type TimerID uint64

// maxWait bounds a single readiness wait when no timer is pending, so the
// stop predicate is polled even on an idle loop.
const maxWait = 100 * time.Millisecond

type watch struct {
	interest Interest
	handler  Handler
}

type readyEvent struct {
	fd int
	ev Event
}

// poller is the OS-specific readiness facility.
type poller interface {
	add(fd int, in Interest) error
	mod(fd int, in Interest) error
	del(fd int) error
	// wait blocks for at most timeout and appends ready fds to ready.
	wait(ready []readyEvent, timeout time.Duration) ([]readyEvent, error)
	wake() error
	close() error
}

type Loop struct {
	p       poller
	watches map[int]*watch
	ready   []readyEvent
	stale   []int

	timers  timerHeap
	byID    map[TimerID]*timer
	nextID  TimerID
	running bool

	mu      sync.Mutex
	posted  []func()
	spare   []func()
	waking  atomic.Bool
	closed  bool
}

func New() (*Loop, error) {
	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("eventloop: %w", err)
	}

	return &Loop{
		p:       p,
		watches: make(map[int]*watch),
		ready:   make([]readyEvent, 0, 128),
		byID:    make(map[TimerID]*timer),
	}, nil
}

// Watch registers fd, or changes the interest and handler of an fd that is
// already registered.
func (l *Loop) Watch(fd int, in Interest, h Handler) error {
	if w, ok := l.watches[fd]; ok {
		w.handler = h
		if w.interest == in {
			return nil
		}
		if err := l.p.mod(fd, in); err != nil {
			return fmt.Errorf("eventloop: modify fd %d: %w", fd, err)
		}
		w.interest = in
		return nil
	}

	if err := l.p.add(fd, in); err != nil {
		return fmt.Errorf("eventloop: add fd %d: %w", fd, err)
	}
	l.watches[fd] = &watch{interest: in, handler: h}

	return nil
}

// Unwatch removes fd. Events already collected for it in the current
// iteration are dropped, even if the fd number is reused meanwhile.
func (l *Loop) Unwatch(fd int) error {
	if _, ok := l.watches[fd]; !ok {
		return nil
	}

	delete(l.watches, fd)
	if l.running {
		l.stale = append(l.stale, fd)
	}

	if err := l.p.del(fd); err != nil {
		return fmt.Errorf("eventloop: delete fd %d: %w", fd, err)
	}

	return nil
}

// AddTimer schedules fn to run once, no earlier than d from now.
func (l *Loop) AddTimer(d time.Duration, fn func()) TimerID {
	l.nextID++
	t := &timer{id: l.nextID, when: time.Now().Add(d), fn: fn}
	heap.Push(&l.timers, t)
	l.byID[t.id] = t

	return t.id
}

// CancelTimer removes a pending timer. Unknown or fired ids are ignored.
func (l *Loop) CancelTimer(id TimerID) {
	t, ok := l.byID[id]
	if !ok {
		return
	}

	delete(l.byID, id)
	heap.Remove(&l.timers, t.index)
}

// Post queues fn to run on the loop goroutine and wakes the loop. It is safe
// to call from any goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.posted = append(l.posted, fn)
	l.mu.Unlock()

	l.Wake()
}

// Wake interrupts a blocking wait. It is safe to call from any goroutine.
func (l *Loop) Wake() {
	if l.waking.CompareAndSwap(false, true) {
		l.mu.Lock()
		defer l.mu.Unlock()
		if !l.closed {
			_ = l.p.wake()
		}
	}
}

// RunUntil runs the loop, polling stop once per iteration. It returns nil
// when stop reports true and an error only if the poller fails.
func (l *Loop) RunUntil(stop func() bool) error {
	l.running = true
	defer func() { l.running = false }()

	for !stop() {
		if err := l.runOnce(); err != nil {
			return err
		}
	}

	return nil
}

func (l *Loop) runOnce() (err error) {
	timeout := maxWait
	if len(l.timers) > 0 {
		timeout = time.Until(l.timers[0].when)
		if timeout < 0 {
			timeout = 0
		}
	}
	if l.hasPosted() {
		timeout = 0
	}

	l.ready, err = l.p.wait(l.ready[:0], timeout)
	if err != nil {
		return fmt.Errorf("eventloop: wait: %w", err)
	}
	l.waking.Store(false)

	l.stale = l.stale[:0]
	for _, r := range l.ready {
		if l.isStale(r.fd) {
			continue
		}
		w, ok := l.watches[r.fd]
		if !ok {
			continue
		}
		w.handler(r.fd, r.ev)
	}

	l.fireTimers()
	l.runPosted()

	return nil
}

func (l *Loop) isStale(fd int) bool {
	for _, s := range l.stale {
		if s == fd {
			return true
		}
	}
	return false
}

func (l *Loop) fireTimers() {
	now := time.Now()
	for len(l.timers) > 0 && !now.Before(l.timers[0].when) {
		t := heap.Pop(&l.timers).(*timer)
		delete(l.byID, t.id)
		t.fn()
	}
}

func (l *Loop) hasPosted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.posted) > 0
}

func (l *Loop) runPosted() {
	l.mu.Lock()
	fns := l.posted
	l.posted = l.spare[:0]
	l.mu.Unlock()

	for i, fn := range fns {
		fn()
		fns[i] = nil
	}
	l.spare = fns
}

// Close releases the poller. Watched fds are not closed.
func (l *Loop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	return l.p.close()
}
