//go:build darwin || freebsd

package eventloop

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// wakeIdent is the EVFILT_USER identifier used by wake.
const wakeIdent = 0

// kqueuePoller keeps the read and write filters of every fd in step with the
// requested interest; kqueue registers them independently.
type kqueuePoller struct {
	kq       int
	interest map[int]Interest
	changes  []unix.Kevent_t
	events   [256]unix.Kevent_t
}

func newPoller() (poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue failed: %w", err)
	}
	unix.CloseOnExec(kq)

	var ev unix.Kevent_t
	unix.SetKevent(&ev, wakeIdent, unix.EVFILT_USER, unix.EV_ADD|unix.EV_CLEAR)
	if _, err = unix.Kevent(kq, []unix.Kevent_t{ev}, nil, nil); err != nil {
		unix.Close(kq)
		return nil, fmt.Errorf("kevent failed when adding user event: %w", err)
	}

	return &kqueuePoller{kq: kq, interest: make(map[int]Interest)}, nil
}

func (k *kqueuePoller) apply(fd int, old, in Interest) error {
	k.changes = k.changes[:0]
	k.changes = k.filterChange(fd, unix.EVFILT_READ, old&Readable != 0, in&Readable != 0)
	k.changes = k.filterChange(fd, unix.EVFILT_WRITE, old&Writable != 0, in&Writable != 0)
	if len(k.changes) == 0 {
		return nil
	}

	_, err := unix.Kevent(k.kq, k.changes, nil, nil)
	return err
}

func (k *kqueuePoller) filterChange(fd, filter int, had, want bool) []unix.Kevent_t {
	if had == want {
		return k.changes
	}

	var ev unix.Kevent_t
	if want {
		unix.SetKevent(&ev, fd, filter, unix.EV_ADD|unix.EV_ENABLE)
	} else {
		unix.SetKevent(&ev, fd, filter, unix.EV_DELETE)
	}

	return append(k.changes, ev)
}

func (k *kqueuePoller) add(fd int, in Interest) error {
	if err := k.apply(fd, 0, in); err != nil {
		return err
	}
	k.interest[fd] = in
	return nil
}

func (k *kqueuePoller) mod(fd int, in Interest) error {
	if err := k.apply(fd, k.interest[fd], in); err != nil {
		return err
	}
	k.interest[fd] = in
	return nil
}

func (k *kqueuePoller) del(fd int) error {
	old := k.interest[fd]
	delete(k.interest, fd)

	err := k.apply(fd, old, 0)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (k *kqueuePoller) wait(ready []readyEvent, timeout time.Duration) ([]readyEvent, error) {
	ts := unix.NsecToTimespec(int64(timeout))

	n, err := unix.Kevent(k.kq, nil, k.events[:], &ts)
	if err != nil {
		if err == unix.EINTR {
			return ready, nil
		}
		return ready, fmt.Errorf("kevent failed: %w", err)
	}

	for i := 0; i < n; i++ {
		e := &k.events[i]
		if e.Filter == unix.EVFILT_USER {
			continue
		}

		var ev Event
		switch e.Filter {
		case unix.EVFILT_READ:
			ev = EventRead
		case unix.EVFILT_WRITE:
			ev = EventWrite
		}
		if e.Flags&unix.EV_EOF != 0 {
			ev |= EventHangup | EventRead
		}
		if e.Flags&unix.EV_ERROR != 0 {
			ev |= EventError | EventRead
		}
		ready = append(ready, readyEvent{fd: int(e.Ident), ev: ev})
	}

	return ready, nil
}

func (k *kqueuePoller) wake() error {
	var ev unix.Kevent_t
	unix.SetKevent(&ev, wakeIdent, unix.EVFILT_USER, 0)
	ev.Fflags = unix.NOTE_TRIGGER

	_, err := unix.Kevent(k.kq, []unix.Kevent_t{ev}, nil, nil)
	return err
}

func (k *kqueuePoller) close() error {
	return unix.Close(k.kq)
}
