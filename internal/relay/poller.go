package relay

// Interest is a readiness mask.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// defEventsBufferSize bounds how many readiness events one wait returns.
// Descriptors left over stay ready and come back on the next wait.
const defEventsBufferSize = 128

// Event is one readiness notification. Hangup and error conditions are
// reported as both Readable and Writable so that the next read or write on
// the descriptor surfaces the failure.
type Event struct {
	FD    int
	Ready Interest
}

// Poller is the readiness facility behind the loop. Descriptors are level
// triggered: an armed descriptor is reported on every wait while it stays
// ready.
type Poller interface {
	// Arm replaces the interest set of fd. Zero interest disarms it.
	Arm(fd int, in Interest) error
	// Wait blocks until at least one armed descriptor is ready.
	Wait(events []Event) (int, error)
	Close() error
}
