package relay

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Versifine/relay/internal/event"
	"golang.org/x/sys/unix"
)

// accept takes a single client off the listener and pairs it with a fresh
// upstream connection. Anything that goes wrong here only costs this client.
func (l *Loop) accept(ctx context.Context) {
	fd, client, err := l.listener.Accept()
	if err != nil {
		if !temporary(err) && !errors.Is(err, unix.ECONNABORTED) {
			slog.Error("Error accepting connection", "error", err)
		}
		return
	}
	l.stats.accepted.Add(1)

	up, err := l.connector.Dial(ctx)
	if err != nil {
		slog.Warn("Error connecting to backend", "client", client, "backend", l.connector.Address(), "error", err)
		l.closeFD(fd)
		l.stats.failed.Add(1)
		l.publish(event.EventSessionFailed, &event.SessionFailedEvent{
			Client:   client,
			Upstream: l.connector.Address(),
			Err:      err,
		})
		return
	}

	s := l.registry.Open(fd, up, client, l.bufSize)
	l.stats.active.Add(1)
	slog.Info("Proxying connection", "session", s.ID, "client", client, "backend", up.Addr, "pending", !up.Connected)
	l.publish(event.EventSessionOpened, &event.SessionEvent{
		ID:       s.ID,
		Client:   s.Client,
		Upstream: s.Upstream,
	})
}
