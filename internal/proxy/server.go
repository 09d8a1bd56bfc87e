package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/Versifine/relay/internal/config"
	"github.com/Versifine/relay/internal/event"
	"github.com/Versifine/relay/internal/relay"
)

// Server binds the listen address and runs one relay loop to the backend.
type Server struct {
	cfg       *config.Config
	bus       *event.Bus
	listener  *relay.Listener
	connector *relay.Connector
	loop      *relay.Loop
}

func NewServer(cfg *config.Config, bus *event.Bus) *Server {
	if bus == nil {
		bus = event.NewBus()
	}
	return &Server{cfg: cfg, bus: bus}
}

func (s *Server) Bus() *event.Bus {
	return s.bus
}

// Listen checks that the backend resolves and binds the listening socket.
// Both are startup failures.
func (s *Server) Listen(ctx context.Context) error {
	if s.listener != nil {
		return errors.New("proxy: already listening")
	}
	s.connector = relay.NewConnector(s.cfg.Backend.Host, s.cfg.Backend.Port).
		WithResolveTimeout(s.cfg.Backend.ResolveTimeout)
	if _, err := s.connector.Resolve(ctx); err != nil {
		return err
	}

	ln, err := relay.Listen(s.cfg.Listen.Host, s.cfg.Listen.Port)
	if err != nil {
		return err
	}
	loop, err := relay.NewLoop(ln, s.connector, relay.Options{
		BufferSize: s.cfg.Relay.BufferSize,
		Bus:        s.bus,
	})
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("create relay loop: %w", err)
	}
	s.listener, s.loop = ln, loop
	return nil
}

// Addr is the bound listen address, valid after Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stats reports loop counters, valid after Listen.
func (s *Server) Stats() relay.Stats {
	if s.loop == nil {
		return relay.Stats{}
	}
	return s.loop.Stats()
}

// Serve relays until ctx is cancelled. Every session and the listening
// socket are closed before it returns.
func (s *Server) Serve(ctx context.Context) error {
	if s.loop == nil {
		return errors.New("proxy: Serve called before Listen")
	}
	defer s.listener.Close()

	slog.Info("Starting proxy server", "listenerAddr", s.listener.Addr().String(), "backendAddr", s.connector.Address())
	err := s.loop.Run(ctx)
	s.bus.Drain()

	st := s.loop.Stats()
	slog.Info("Proxy server stopped",
		"accepted", st.Accepted,
		"failed", st.Failed,
		"closed", st.Closed,
		"bytesUp", st.BytesUp,
		"bytesDown", st.BytesDown,
	)
	return err
}

func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	return s.Serve(ctx)
}
