package relay

import "sync/atomic"

// Stats is a point-in-time copy of the loop counters.
type Stats struct {
	Accepted  uint64
	Failed    uint64
	Active    int64
	Closed    uint64
	BytesUp   uint64
	BytesDown uint64
}

// counters are written by the loop goroutine only and may be read from any
// goroutine.
type counters struct {
	accepted  atomic.Uint64
	failed    atomic.Uint64
	active    atomic.Int64
	closed    atomic.Uint64
	bytesUp   atomic.Uint64
	bytesDown atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Accepted:  c.accepted.Load(),
		Failed:    c.failed.Load(),
		Active:    c.active.Load(),
		Closed:    c.closed.Load(),
		BytesUp:   c.bytesUp.Load(),
		BytesDown: c.bytesDown.Load(),
	}
}

func (c *counters) relayed(d Direction, n int) {
	if n <= 0 {
		return
	}
	if d == Upstream {
		c.bytesUp.Add(uint64(n))
	} else {
		c.bytesDown.Add(uint64(n))
	}
}
