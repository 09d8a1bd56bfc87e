package relay

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

const listenBacklog = 1024

// Listener is a non-blocking listening socket driven by the loop's poller
// rather than by the Go runtime's network poller.
type Listener struct {
	fd     int
	addr   *net.TCPAddr
	closed bool
}

// Listen binds host:port. An empty host listens on all IPv4 interfaces;
// port 0 picks an ephemeral port, reported by Addr.
func Listen(host string, port int) (*Listener, error) {
	ip := net.IPv4zero
	if host != "" {
		a, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return nil, fmt.Errorf("resolve listen host %q: %w", host, err)
		}
		ip = a.IP
	}
	family, sa := sockaddr(net.IPAddr{IP: ip}, port)
	where := net.JoinHostPort(ip.String(), strconv.Itoa(port))

	fd, err := socket(family)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", where, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", where, err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("getsockname: %w", err)
	}
	addr, err := net.ResolveTCPAddr("tcp", sockaddrString(bound))
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &Listener{fd: fd, addr: addr}, nil
}

func (l *Listener) Addr() net.Addr { return l.addr }

// FD is the listening descriptor, armed for read by the loop.
func (l *Listener) FD() int { return l.fd }

// Accept takes one pending connection. The returned descriptor is already
// non-blocking. unix.EAGAIN means nothing was pending.
func (l *Listener) Accept() (int, string, error) {
	if l.closed {
		return -1, "", net.ErrClosed
	}
	fd, sa, err := unix.Accept(l.fd)
	if err != nil {
		return -1, "", err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, "", fmt.Errorf("set non-blocking: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	return fd, sockaddrString(sa), nil
}

func (l *Listener) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	return unix.Close(l.fd)
}
