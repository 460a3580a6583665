//go:build linux

// File: reactor/epoll_reactor.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7) backend. Grounded on the teacher's reactor/reactor_linux.go
// (EpollCreate1/EpollCtl/EpollWait via golang.org/x/sys/unix) with a plain
// map instead of sync.Map, since Register/Unregister/Poll are all called
// from the single owning goroutine (spec §5 single-owner contract) and a
// concurrent map brings no benefit there.

package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type registration struct {
	userData uintptr
	cb       Callback
}

type epollReactor struct {
	epfd int
	regs map[int]*registration
	buf  []unix.EpollEvent
}

// New constructs the Linux epoll-backed Reactor.
func New() (Reactor, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	return &epollReactor{
		epfd: epfd,
		regs: make(map[int]*registration),
		buf:  make([]unix.EpollEvent, 256),
	}, nil
}

func toEpollEvents(events EventType) uint32 {
	var e uint32
	if events&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func (r *epollReactor) Register(fd uintptr, events EventType, userData uintptr, cb Callback) error {
	ev := &unix.EpollEvent{Events: toEpollEvents(events), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, int(fd), ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl add: %w", err)
	}
	r.regs[int(fd)] = &registration{userData: userData, cb: cb}
	return nil
}

func (r *epollReactor) Modify(fd uintptr, events EventType) error {
	ev := &unix.EpollEvent{Events: toEpollEvents(events), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, int(fd), ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl mod: %w", err)
	}
	return nil
}

func (r *epollReactor) Unregister(fd uintptr) error {
	delete(r.regs, int(fd))
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, int(fd), nil); err != nil {
		if err == unix.ENOENT || err == unix.EBADF {
			return nil
		}
		return fmt.Errorf("reactor: epoll_ctl del: %w", err)
	}
	return nil
}

func (r *epollReactor) Poll(timeoutMs int) error {
	n, err := unix.EpollWait(r.epfd, r.buf, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("reactor: epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		raw := r.buf[i]
		reg, ok := r.regs[int(raw.Fd)]
		if !ok {
			continue
		}

		var events EventType
		if raw.Events&unix.EPOLLIN != 0 {
			events |= EventRead
		}
		if raw.Events&unix.EPOLLOUT != 0 {
			events |= EventWrite
		}
		if raw.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			events |= EventError
		}
		reg.cb(uintptr(raw.Fd), reg.userData, events)
	}
	return nil
}

func (r *epollReactor) Close() error {
	return unix.Close(r.epfd)
}
