package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

type Config struct {
	Level  string
	Format string // "text", "json", "console", "auto"
	File   string
	Output io.Writer
}

var (
	once sync.Once
	lg   *slog.Logger
	out  io.Closer
)

// Init installs the default slog logger. Only the first call has any effect.
func Init(cfg Config) error {
	var err error
	once.Do(func() {
		var l *slog.Logger
		var c io.Closer
		l, c, err = New(cfg)
		if err != nil {
			return
		}
		lg, out = l, c
		slog.SetDefault(lg)
	})
	return err
}

// New builds a logger without installing it. The returned closer is non-nil
// when cfg.File was opened and must be closed by the caller.
func New(cfg Config) (*slog.Logger, io.Closer, error) {
	var closer io.Closer
	if cfg.Output == nil {
		cfg.Output = os.Stdout
		if cfg.File != "" {
			f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, nil, fmt.Errorf("open log file: %w", err)
			}
			cfg.Output, closer = f, f
		}
	}
	return slog.New(newHandler(cfg)), closer, nil
}

// Close releases the log file opened by Init, if any.
func Close() error {
	if out == nil {
		return nil
	}
	return out.Close()
}

func L() *slog.Logger {
	if lg == nil {
		_ = Init(Config{Level: "debug", Format: "console"})
	}
	return lg
}

func newHandler(cfg Config) slog.Handler {
	level := parseLevel(cfg.Level)
	format := cfg.Format
	if format == "" || format == "auto" {
		format = "text"
		if isTerminal(cfg.Output) {
			format = "console"
		}
	}
	switch format {
	case "json":
		return slog.NewJSONHandler(cfg.Output, &slog.HandlerOptions{Level: level})
	case "text":
		return slog.NewTextHandler(cfg.Output, &slog.HandlerOptions{Level: level})
	default:
		return &consoleHandler{w: cfg.Output, level: level, mu: &sync.Mutex{}}
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func parseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// consoleHandler outputs human-friendly log lines:
//
//	12:00:00 INFO  Proxying connection  session=1 client=127.0.0.1:53122 backend=10.0.0.2:80
type consoleHandler struct {
	w     io.Writer
	mu    *sync.Mutex
	level slog.Level
	attrs []slog.Attr
	group string
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	var sb strings.Builder
	sb.WriteString(r.Time.Format(time.TimeOnly))
	sb.WriteByte(' ')
	sb.WriteString(levelTag(r.Level))
	sb.WriteByte(' ')
	sb.WriteString(r.Message)

	for _, a := range h.attrs {
		sb.WriteString(formatAttr(h.group, a))
	}
	r.Attrs(func(a slog.Attr) bool {
		sb.WriteString(formatAttr(h.group, a))
		return true
	})
	sb.WriteByte('\n')

	if h.mu != nil {
		h.mu.Lock()
		defer h.mu.Unlock()
	}
	_, err := io.WriteString(h.w, sb.String())
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &consoleHandler{
		w:     h.w,
		mu:    h.mu,
		level: h.level,
		attrs: append(append([]slog.Attr{}, h.attrs...), attrs...),
		group: h.group,
	}
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	prefix := name
	if h.group != "" {
		prefix = h.group + "." + name
	}
	return &consoleHandler{
		w:     h.w,
		mu:    h.mu,
		level: h.level,
		attrs: append([]slog.Attr{}, h.attrs...),
		group: prefix,
	}
}

func levelTag(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARN "
	case l >= slog.LevelInfo:
		return "INFO "
	default:
		return "DEBUG"
	}
}

func formatAttr(group string, a slog.Attr) string {
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	val := a.Value.Resolve().String()
	if strings.ContainsAny(val, " \t\"") {
		val = fmt.Sprintf("%q", val)
	}
	return fmt.Sprintf("  %s=%s", key, val)
}
