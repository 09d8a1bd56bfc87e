package relay

import (
	"time"
)

// Session is the flow pair of one accepted client. Both flows live inside
// the session value and refer to each other by direction only, so the
// registry holding the session is the single owner of both.
type Session struct {
	ID       uint64
	Client   string
	Upstream string
	Opened   time.Time
	flows    [2]Flow
	failed   bool
}

func newSession(id uint64, clientFD int, up Dialed, client string, bufferSize int) *Session {
	s := &Session{
		ID:       id,
		Client:   client,
		Upstream: up.Addr,
		Opened:   time.Now(),
	}
	s.flows[Upstream] = Flow{
		dir:            Upstream,
		source:         clientFD,
		sink:           up.FD,
		buf:            NewBuffer(bufferSize),
		pendingConnect: !up.Connected,
	}
	s.flows[Downstream] = Flow{
		dir:    Downstream,
		source: up.FD,
		sink:   clientFD,
		buf:    NewBuffer(bufferSize),
	}
	return s
}

func (s *Session) Flow(d Direction) *Flow {
	return &s.flows[d]
}

func (s *Session) mirror(f *Flow) *Flow {
	return &s.flows[f.dir.Mirror()]
}

// Terminal reports whether both directions have closed their sinks and
// sources, which makes the session eligible for reclamation.
func (s *Session) Terminal() bool {
	return s.flows[Upstream].State() == FlowTerminal && s.flows[Downstream].State() == FlowTerminal
}

// Registry is the arena of live sessions keyed by session id. It is owned by
// one loop goroutine and is not safe for concurrent use.
type Registry struct {
	nextID   uint64
	sessions map[uint64]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uint64]*Session)}
}

func (r *Registry) Open(clientFD int, up Dialed, client string, bufferSize int) *Session {
	r.nextID++
	s := newSession(r.nextID, clientFD, up, client, bufferSize)
	r.sessions[s.ID] = s
	return s
}

func (r *Registry) Get(id uint64) (*Session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Len() int {
	return len(r.sessions)
}

func (r *Registry) Each(fn func(s *Session)) {
	for _, s := range r.sessions {
		fn(s)
	}
}

// Reap removes every terminal session and hands it to fn.
func (r *Registry) Reap(fn func(s *Session)) int {
	reaped := 0
	for id, s := range r.sessions {
		if !s.Terminal() {
			continue
		}
		delete(r.sessions, id)
		reaped++
		if fn != nil {
			fn(s)
		}
	}
	return reaped
}
