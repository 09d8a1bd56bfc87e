package relay

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// Direction names one half of a session.
type Direction uint8

const (
	// Upstream carries client bytes to the upstream endpoint.
	Upstream Direction = iota
	// Downstream carries upstream bytes back to the client.
	Downstream
)

func (d Direction) String() string {
	switch d {
	case Upstream:
		return "C->S"
	case Downstream:
		return "S->C"
	default:
		return "unknown"
	}
}

// Mirror returns the opposite direction of the same session.
func (d Direction) Mirror() Direction {
	return d ^ 1
}

// FlowState is derived from a flow's closure flags and buffer occupancy.
// A flow only ever moves forward through these states.
type FlowState uint8

const (
	FlowOpen FlowState = iota
	FlowDraining
	FlowHalfClosed
	FlowTerminal
)

func (s FlowState) String() string {
	switch s {
	case FlowOpen:
		return "open"
	case FlowDraining:
		return "draining"
	case FlowHalfClosed:
		return "half-closed"
	case FlowTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Flow moves bytes one way, from source to sink, through a bounded buffer.
// source is only ever read and sink only ever written. A flow closes its sink
// and nothing else: the source belongs to the mirror flow, which sees it as
// its sink.
type Flow struct {
	dir            Direction
	source         int
	sink           int
	buf            *Buffer
	sourceClosed   bool
	sinkClosed     bool
	pendingConnect bool
	relayed        uint64
}

func (f *Flow) Direction() Direction { return f.dir }
func (f *Flow) Buffered() int        { return f.buf.Len() }
func (f *Flow) Relayed() uint64      { return f.relayed }

func (f *Flow) State() FlowState {
	switch {
	case f.sourceClosed && f.sinkClosed:
		return FlowTerminal
	case !f.sourceClosed:
		return FlowOpen
	case !f.buf.Empty():
		return FlowDraining
	default:
		return FlowHalfClosed
	}
}

func (f *Flow) wantsRead() bool {
	return !f.sourceClosed && !f.buf.Full()
}

// wantsWrite also holds while the connect is pending so that the connect
// outcome surfaces as writability.
func (f *Flow) wantsWrite() bool {
	if f.sinkClosed {
		return false
	}
	return f.pendingConnect || !f.buf.Empty()
}

// finished reports a flow whose source is done and whose buffer has been
// flushed, so its sink is due to be closed.
func (f *Flow) finished() bool {
	return f.sourceClosed && f.buf.Empty() && !f.sinkClosed
}

// receive performs one non-blocking read into the buffer. EOF and read
// errors both end the source; would-block is not an error.
func (f *Flow) receive() (int, error) {
	if f.sourceClosed || f.buf.Full() {
		return 0, nil
	}
	n, err := f.buf.fill(func(p []byte) (int, error) {
		return unix.Read(f.source, p)
	})
	if err != nil {
		if temporary(err) {
			return 0, nil
		}
		f.sourceClosed = true
		return 0, err
	}
	if n == 0 {
		f.sourceClosed = true
		return 0, io.EOF
	}
	return n, nil
}

// send performs one non-blocking write from the head of the buffer. A send
// failure ends the direction: the undeliverable bytes are dropped and the
// source is marked closed so the next sweep closes the sink.
func (f *Flow) send() (int, error) {
	if f.sinkClosed || f.buf.Empty() {
		return 0, nil
	}
	n, err := f.buf.drain(func(p []byte) (int, error) {
		return unix.Write(f.sink, p)
	})
	if err != nil {
		if temporary(err) {
			return 0, nil
		}
		f.buf.Reset()
		f.sourceClosed = true
		return 0, err
	}
	f.relayed += uint64(n)
	return n, nil
}

func temporary(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}
