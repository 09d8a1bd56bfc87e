package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Versifine/relay/internal/event"
	"golang.org/x/sys/unix"
)

type Options struct {
	// BufferSize is the capacity of each direction's buffer.
	BufferSize int
	// Bus receives session lifecycle events. Optional.
	Bus *event.Bus
}

// Loop is the single-goroutine relay engine. It owns the listener's accept
// path, every session in its registry and every descriptor those sessions
// hold. Nothing but Run touches that state.
type Loop struct {
	listener  *Listener
	connector *Connector
	poller    Poller
	registry  *Registry
	bufSize   int
	bus       *event.Bus

	wakeMu sync.Mutex
	wakeR  int
	wakeW  int

	armed  map[int]Interest
	want   map[int]Interest
	owner  map[int]uint64
	ready  map[int]Interest
	events []Event

	closer  func(fd int) error
	stats   counters
	running atomic.Bool
}

func NewLoop(ln *Listener, c *Connector, opts Options) (*Loop, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	poller, err := NewPoller()
	if err != nil {
		return nil, err
	}
	r, w, err := newWakePipe()
	if err != nil {
		_ = poller.Close()
		return nil, err
	}
	return &Loop{
		listener:  ln,
		connector: c,
		poller:    poller,
		registry:  NewRegistry(),
		bufSize:   opts.BufferSize,
		bus:       opts.Bus,
		wakeR:     r,
		wakeW:     w,
		armed:     make(map[int]Interest),
		want:      make(map[int]Interest),
		owner:     make(map[int]uint64),
		ready:     make(map[int]Interest),
		events:    make([]Event, defEventsBufferSize),
		closer:    unix.Close,
	}, nil
}

func (l *Loop) Stats() Stats {
	return l.stats.snapshot()
}

// Run drives the loop until ctx is cancelled, then force-closes every
// session and releases the poller. A Loop runs at most once.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("relay: loop already started")
	}
	defer l.shutdown()
	stop := context.AfterFunc(ctx, l.wake)
	defer stop()

	for {
		l.sweep()
		l.reap()
		l.arm()

		n, err := l.poller.Wait(l.events)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			slog.Error("Readiness wait failed, closing all sessions", "error", err, "sessions", l.registry.Len())
			l.closeAll()
			continue
		}
		l.collect(n)

		if l.ready[l.wakeR] != 0 {
			slog.Info("Relay loop stopping", "sessions", l.registry.Len())
			return nil
		}
		if l.ready[l.listener.FD()]&Readable != 0 {
			l.accept(ctx)
		}
		l.dispatch()
		l.sweep()
		l.reap()
	}
}

// arm recomputes interest from flow state. A source is armed for read only
// while its buffer has room and a sink for write only while its buffer
// holds data, which is all the backpressure there is.
func (l *Loop) arm() {
	clear(l.want)
	clear(l.owner)
	l.want[l.listener.FD()] = Readable
	l.want[l.wakeR] = Readable
	l.registry.Each(func(s *Session) {
		for d := range s.flows {
			f := &s.flows[d]
			if f.wantsRead() {
				l.want[f.source] |= Readable
				l.owner[f.source] = s.ID
			}
			if f.wantsWrite() {
				l.want[f.sink] |= Writable
				l.owner[f.sink] = s.ID
			}
		}
	})

	for fd := range l.armed {
		if _, ok := l.want[fd]; !ok {
			l.disarm(fd)
		}
	}

	var broken []uint64
	for fd, in := range l.want {
		if l.armed[fd] == in {
			continue
		}
		if err := l.poller.Arm(fd, in); err != nil {
			id, ok := l.owner[fd]
			if !ok {
				slog.Error("Failed to arm descriptor", "fd", fd, "error", err)
				continue
			}
			slog.Warn("Failed to arm session descriptor", "session", id, "fd", fd, "error", err)
			broken = append(broken, id)
			continue
		}
		l.armed[fd] = in
	}
	for _, id := range broken {
		if s, ok := l.registry.Get(id); ok {
			l.forceClose(s)
		}
	}
}

func (l *Loop) collect(n int) {
	clear(l.ready)
	for _, ev := range l.events[:n] {
		l.ready[ev.FD] |= ev.Ready
	}
}

func (l *Loop) dispatch() {
	l.registry.Each(func(s *Session) {
		for d := range s.flows {
			l.service(s, &s.flows[d])
		}
	})
}

// service runs at most one receive and one send (or connect check) for f.
// The client-to-upstream flow is serviced first, so a pending connect is
// settled before anything reads the upstream socket's error state.
func (l *Loop) service(s *Session, f *Flow) {
	if f.wantsRead() && l.ready[f.source]&Readable != 0 {
		if _, err := f.receive(); err != nil {
			if errors.Is(err, io.EOF) {
				slog.Debug("Source reached EOF", "session", s.ID, "dir", f.dir)
			} else {
				slog.Debug("Receive failed", "session", s.ID, "dir", f.dir, "error", err)
			}
		}
	}

	if f.sinkClosed || l.ready[f.sink]&Writable == 0 {
		return
	}
	if f.pendingConnect {
		l.finishConnect(s, f)
		return
	}
	n, err := f.send()
	l.stats.relayed(f.dir, n)
	if err != nil {
		slog.Debug("Send failed", "session", s.ID, "dir", f.dir, "error", err)
	}
}

func (l *Loop) finishConnect(s *Session, f *Flow) {
	if err := ConnectResult(f.sink); err != nil {
		slog.Warn("Error connecting to backend", "session", s.ID, "client", s.Client, "backend", s.Upstream, "error", err)
		s.failed = true
		l.stats.failed.Add(1)
		l.publish(event.EventSessionFailed, &event.SessionFailedEvent{
			ID:       s.ID,
			Client:   s.Client,
			Upstream: s.Upstream,
			Err:      err,
		})
		l.forceClose(s)
		return
	}
	f.pendingConnect = false
	slog.Debug("Backend connected", "session", s.ID, "backend", s.Upstream)
}

// sweep closes the sink of every flow whose source is done and whose buffer
// is empty, then marks the mirror's source closed: that descriptor is the
// one just closed. Finishing one direction therefore ends the other too.
func (l *Loop) sweep() {
	l.registry.Each(func(s *Session) {
		for d := range s.flows {
			f := &s.flows[d]
			if !f.finished() {
				continue
			}
			l.closeFD(f.sink)
			f.sinkClosed = true
			s.mirror(f).sourceClosed = true
			slog.Debug("Flow finished", "session", s.ID, "dir", f.dir, "relayed", f.relayed)
		}
	})
}

func (l *Loop) reap() {
	l.registry.Reap(func(s *Session) {
		l.stats.active.Add(-1)
		l.stats.closed.Add(1)
		if s.failed {
			return
		}
		evt := &event.SessionEvent{
			ID:        s.ID,
			Client:    s.Client,
			Upstream:  s.Upstream,
			BytesUp:   s.flows[Upstream].relayed,
			BytesDown: s.flows[Downstream].relayed,
			Duration:  time.Since(s.Opened),
		}
		slog.Info("Connection closed", "session", s.ID, "client", s.Client, "up", evt.BytesUp, "down", evt.BytesDown)
		l.publish(event.EventSessionClosed, evt)
	})
}

// forceClose tears a session down at once. Each flow closes only its own
// sink, so each descriptor is closed exactly once.
func (l *Loop) forceClose(s *Session) {
	for d := range s.flows {
		f := &s.flows[d]
		f.sourceClosed = true
		f.pendingConnect = false
		f.buf.Reset()
		if !f.sinkClosed {
			l.closeFD(f.sink)
			f.sinkClosed = true
		}
	}
}

func (l *Loop) closeAll() {
	l.registry.Each(l.forceClose)
}

func (l *Loop) disarm(fd int) {
	if _, ok := l.armed[fd]; !ok {
		return
	}
	delete(l.armed, fd)
	if err := l.poller.Arm(fd, 0); err != nil {
		slog.Debug("Failed to disarm descriptor", "fd", fd, "error", err)
	}
}

func (l *Loop) closeFD(fd int) {
	l.disarm(fd)
	if err := l.closer(fd); err != nil {
		slog.Debug("Close failed", "fd", fd, "error", err)
	}
}

func (l *Loop) publish(name string, evt any) {
	if l.bus != nil {
		l.bus.Publish(name, evt)
	}
}

func (l *Loop) shutdown() {
	l.closeAll()
	l.reap()
	for fd := range l.armed {
		l.disarm(fd)
	}
	if err := l.poller.Close(); err != nil {
		slog.Debug("Failed to close poller", "error", err)
	}

	l.wakeMu.Lock()
	defer l.wakeMu.Unlock()
	_ = unix.Close(l.wakeR)
	_ = unix.Close(l.wakeW)
	l.wakeR, l.wakeW = -1, -1
}

// wake interrupts a blocked Wait from another goroutine.
func (l *Loop) wake() {
	l.wakeMu.Lock()
	defer l.wakeMu.Unlock()
	if l.wakeW < 0 {
		return
	}
	_, _ = unix.Write(l.wakeW, []byte{1})
}

func newWakePipe() (int, int, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return -1, -1, fmt.Errorf("pipe: %w", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(p[0])
			_ = unix.Close(p[1])
			return -1, -1, fmt.Errorf("set non-blocking: %w", err)
		}
	}
	return p[0], p[1], nil
}
