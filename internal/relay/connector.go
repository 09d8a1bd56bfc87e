package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

const defaultResolveTimeout = 5 * time.Second

var ErrResolve = errors.New("relay: upstream host did not resolve")

// Resolver is satisfied by *net.Resolver.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Dialed is the outcome of a successful Dial. Connected is false while the
// non-blocking connect is still in progress; the caller must then wait for
// writability and check ConnectResult before using FD.
type Dialed struct {
	FD        int
	Addr      string
	Connected bool
}

// Connector dials the fixed upstream endpoint without blocking on the TCP
// handshake. The host is resolved on every dial.
type Connector struct {
	host           string
	port           int
	resolver       Resolver
	resolveTimeout time.Duration
}

func NewConnector(host string, port int) *Connector {
	return &Connector{
		host:           host,
		port:           port,
		resolver:       net.DefaultResolver,
		resolveTimeout: defaultResolveTimeout,
	}
}

// WithResolveTimeout bounds each name lookup. Zero keeps the default.
func (c *Connector) WithResolveTimeout(d time.Duration) *Connector {
	if d > 0 {
		c.resolveTimeout = d
	}
	return c
}

func (c *Connector) Address() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// Resolve looks up the upstream host and picks the first IPv4 address,
// falling back to the first address of any family.
func (c *Connector) Resolve(ctx context.Context) (net.IPAddr, error) {
	ctx, cancel := context.WithTimeout(ctx, c.resolveTimeout)
	defer cancel()

	addrs, err := c.resolver.LookupIPAddr(ctx, c.host)
	if err != nil {
		return net.IPAddr{}, fmt.Errorf("%w: %s: %v", ErrResolve, c.host, err)
	}
	if len(addrs) == 0 {
		return net.IPAddr{}, fmt.Errorf("%w: no addresses for %s", ErrResolve, c.host)
	}
	for _, a := range addrs {
		if a.IP.To4() != nil {
			return a, nil
		}
	}
	return addrs[0], nil
}

// Dial resolves the upstream and starts a non-blocking connect. On error no
// descriptor is left open.
func (c *Connector) Dial(ctx context.Context) (Dialed, error) {
	ip, err := c.Resolve(ctx)
	if err != nil {
		return Dialed{}, err
	}
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(c.port))

	family, sa := sockaddr(ip, c.port)
	fd, err := socket(family)
	if err != nil {
		return Dialed{}, err
	}
	// Disable Nagle's algorithm, the relay forwards whatever it has.
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	err = unix.Connect(fd, sa)
	switch {
	case err == nil:
		return Dialed{FD: fd, Addr: addr, Connected: true}, nil
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR):
		return Dialed{FD: fd, Addr: addr}, nil
	default:
		_ = unix.Close(fd)
		return Dialed{}, fmt.Errorf("connect %s: %w", addr, err)
	}
}

// ConnectResult reports how a pending connect on fd ended. It is only
// meaningful once fd has become writable.
func ConnectResult(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("getsockopt SO_ERROR: %w", err)
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

// socket opens a non-blocking, close-on-exec stream socket.
func socket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("set non-blocking: %w", err)
	}
	return fd, nil
}

func sockaddr(ip net.IPAddr, port int) (int, unix.Sockaddr) {
	if ip4 := ip.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.IP.To16())
	if ip.Zone != "" {
		if ifi, err := net.InterfaceByName(ip.Zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return unix.AF_INET6, sa
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return (&net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}).String()
	case *unix.SockaddrInet6:
		return (&net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}).String()
	default:
		return "unknown"
	}
}
