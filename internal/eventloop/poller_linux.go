//go:build linux

package eventloop

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epoller multiplexes with level-triggered epoll. Waits with a timeout arm a
// timerfd instead of relying on epoll_wait's millisecond resolution, and an
// eventfd lets other goroutines interrupt the wait.
type epoller struct {
	epfd    int
	timerfd int
	wakefd  int
	events  [256]unix.EpollEvent
	scratch [8]byte
}

func newPoller() (p poller, err error) {
	e := &epoller{epfd: -1, timerfd: -1, wakefd: -1}
	defer func() {
		if err != nil {
			e.close()
		}
	}()

	e.epfd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		err = fmt.Errorf("epoll_create1 failed: %w", err)
		return
	}

	// Armed to the nearest heap timer so the epoll wait never outlasts it.
	e.timerfd, err = unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		err = fmt.Errorf("timerfd_create failed: %w", err)
		return
	}
	err = unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, e.timerfd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(e.timerfd)})
	if err != nil {
		err = fmt.Errorf("epoll_ctl failed when adding timerfd: %w", err)
		return
	}

	e.wakefd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		err = fmt.Errorf("eventfd failed: %w", err)
		return
	}
	err = unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, e.wakefd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(e.wakefd)})
	if err != nil {
		err = fmt.Errorf("epoll_ctl failed when adding eventfd: %w", err)
		return
	}

	p = e
	return
}

func epollEvents(in Interest) (events uint32) {
	if in&Readable != 0 {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if in&Writable != 0 {
		events |= unix.EPOLLOUT
	}
	return
}

func (e *epoller) add(fd int, in Interest) error {
	return unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: epollEvents(in), Fd: int32(fd)})
}

func (e *epoller) mod(fd int, in Interest) error {
	return unix.EpollCtl(e.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: epollEvents(in), Fd: int32(fd)})
}

func (e *epoller) del(fd int) error {
	return unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (e *epoller) wait(ready []readyEvent, timeout time.Duration) ([]readyEvent, error) {
	msec := 0
	if timeout > 0 {
		msec = -1
		its := unix.ItimerSpec{Value: unix.NsecToTimespec(int64(timeout))}
		if err := unix.TimerfdSettime(e.timerfd, 0, &its, nil); err != nil {
			return ready, fmt.Errorf("timerfd_settime failed: %w", err)
		}
	}

	n, err := unix.EpollWait(e.epfd, e.events[:], msec)
	if err != nil {
		if err == unix.EINTR {
			return ready, nil
		}
		return ready, fmt.Errorf("epoll_wait failed: %w", err)
	}

	for i := 0; i < n; i++ {
		fd := int(e.events[i].Fd)
		if fd == e.timerfd || fd == e.wakefd {
			_, _ = unix.Read(fd, e.scratch[:])
			continue
		}

		flags := e.events[i].Events
		var ev Event
		if flags&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLRDHUP|unix.EPOLLERR) != 0 {
			ev |= EventRead
		}
		if flags&(unix.EPOLLOUT|unix.EPOLLERR) != 0 {
			ev |= EventWrite
		}
		if flags&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
			ev |= EventHangup
		}
		if flags&unix.EPOLLERR != 0 {
			ev |= EventError
		}
		ready = append(ready, readyEvent{fd: fd, ev: ev})
	}

	return ready, nil
}

func (e *epoller) wake() error {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, err := unix.Write(e.wakefd, one[:])
	if err == unix.EAGAIN {
		// Counter saturated, a wakeup is already pending.
		return nil
	}
	return err
}

func (e *epoller) close() error {
	for _, fd := range []int{e.wakefd, e.timerfd, e.epfd} {
		if fd >= 0 {
			unix.Close(fd)
		}
	}
	return nil
}
