package event

import "time"

const (
	EventSessionOpened = "session.opened"
	EventSessionClosed = "session.closed"
	EventSessionFailed = "session.failed"
)

// SessionEvent describes one relayed client session. Byte counts and
// Duration are only filled in for EventSessionClosed.
type SessionEvent struct {
	ID        uint64
	Client    string
	Upstream  string
	BytesUp   uint64
	BytesDown uint64
	Duration  time.Duration
}

// SessionFailedEvent is published when a client could not be paired with
// an upstream connection.
type SessionFailedEvent struct {
	ID       uint64
	Client   string
	Upstream string
	Err      error
}
