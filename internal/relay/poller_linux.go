package relay

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type epoller struct {
	fd    int
	armed map[int]Interest
	raw   []unix.EpollEvent
}

func NewPoller() (Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &epoller{fd: fd, armed: make(map[int]Interest)}, nil
}

func (p *epoller) Arm(fd int, in Interest) error {
	cur, ok := p.armed[fd]
	if ok && cur == in {
		return nil
	}
	if in == 0 {
		if !ok {
			return nil
		}
		delete(p.armed, fd)
		if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
			return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
		}
		return nil
	}

	ev := unix.EpollEvent{Fd: int32(fd)}
	if in&Readable != 0 {
		ev.Events |= unix.EPOLLIN
	}
	if in&Writable != 0 {
		ev.Events |= unix.EPOLLOUT
	}
	op := unix.EPOLL_CTL_ADD
	if ok {
		op = unix.EPOLL_CTL_MOD
	}
	if err := unix.EpollCtl(p.fd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl fd %d: %w", fd, err)
	}
	p.armed[fd] = in
	return nil
}

func (p *epoller) Wait(events []Event) (int, error) {
	if len(p.raw) < len(events) {
		p.raw = make([]unix.EpollEvent, len(events))
	}
	n, err := unix.EpollWait(p.fd, p.raw[:len(events)], -1)
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		var ready Interest
		e := p.raw[i].Events
		if e&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			ready |= Readable
		}
		if e&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			ready |= Writable
		}
		events[i] = Event{FD: int(p.raw[i].Fd), Ready: ready}
	}
	return n, nil
}

func (p *epoller) Close() error {
	p.armed = nil
	return unix.Close(p.fd)
}
