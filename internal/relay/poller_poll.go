//go:build unix && !linux

package relay

import (
	"golang.org/x/sys/unix"
)

// pollPoller rebuilds the poll(2) set on every wait.
type pollPoller struct {
	armed map[int]Interest
	fds   []unix.PollFd
}

func NewPoller() (Poller, error) {
	return &pollPoller{armed: make(map[int]Interest)}, nil
}

func (p *pollPoller) Arm(fd int, in Interest) error {
	if in == 0 {
		delete(p.armed, fd)
		return nil
	}
	p.armed[fd] = in
	return nil
}

func (p *pollPoller) Wait(events []Event) (int, error) {
	p.fds = p.fds[:0]
	for fd, in := range p.armed {
		pfd := unix.PollFd{Fd: int32(fd)}
		if in&Readable != 0 {
			pfd.Events |= unix.POLLIN
		}
		if in&Writable != 0 {
			pfd.Events |= unix.POLLOUT
		}
		p.fds = append(p.fds, pfd)
	}
	if _, err := unix.Poll(p.fds, -1); err != nil {
		return 0, err
	}
	n := 0
	for _, pfd := range p.fds {
		if pfd.Revents == 0 {
			continue
		}
		if n == len(events) {
			break
		}
		var ready Interest
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			ready |= Readable
		}
		if pfd.Revents&(unix.POLLOUT|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			ready |= Writable
		}
		events[n] = Event{FD: int(pfd.Fd), Ready: ready}
		n++
	}
	return n, nil
}

func (p *pollPoller) Close() error {
	p.armed = nil
	return nil
}
