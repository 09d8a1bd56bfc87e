package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/Versifine/relay/internal/config"
	"github.com/Versifine/relay/internal/event"
	"github.com/Versifine/relay/internal/logger"
	"github.com/Versifine/relay/internal/proxy"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

type options struct {
	configPath   string
	listenHost   string
	listenPort   int
	upstreamHost string
	upstreamPort int
	bufferSize   int
	logLevel     string
	logFormat    string
	showVersion  bool
}

func parseFlags(args []string, stderr io.Writer) (*options, map[string]bool, error) {
	opts := &options{}
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&opts.configPath, "config", "", "Path to a YAML config file")
	fs.StringVar(&opts.listenHost, "listen-host", "", "Address to listen on (default all interfaces)")
	fs.IntVar(&opts.listenPort, "listen-port", 0, "Port to accept clients on")
	fs.IntVar(&opts.listenPort, "i", 0, "Shorthand for -listen-port")
	fs.StringVar(&opts.upstreamHost, "upstream-host", "", "Upstream host name or address")
	fs.StringVar(&opts.upstreamHost, "a", "", "Shorthand for -upstream-host")
	fs.IntVar(&opts.upstreamPort, "upstream-port", 0, "Upstream port")
	fs.IntVar(&opts.upstreamPort, "p", 0, "Shorthand for -upstream-port")
	fs.IntVar(&opts.bufferSize, "buffer-size", 0, "Per-direction buffer size in bytes")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&opts.logFormat, "log-format", "", "Log format (auto, console, text, json)")
	fs.BoolVar(&opts.showVersion, "version", false, "Print the version")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if fs.NArg() > 0 {
		return nil, nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	return opts, set, nil
}

// buildConfig layers defaults, the config file, the environment and
// explicitly set flags, in that order.
func buildConfig(opts *options, set map[string]bool, getenv func(string) string) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", opts.configPath, err)
		}
		cfg = loaded
	}

	if v := getenv("RELAY_LISTEN_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("RELAY_LISTEN_PORT: %w", err)
		}
		cfg.Listen.Port = port
	}
	if v := getenv("RELAY_UPSTREAM_HOST"); v != "" {
		cfg.Backend.Host = v
	}
	if v := getenv("RELAY_UPSTREAM_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("RELAY_UPSTREAM_PORT: %w", err)
		}
		cfg.Backend.Port = port
	}

	if set["listen-host"] {
		cfg.Listen.Host = opts.listenHost
	}
	if set["listen-port"] || set["i"] {
		cfg.Listen.Port = opts.listenPort
	}
	if set["upstream-host"] || set["a"] {
		cfg.Backend.Host = opts.upstreamHost
	}
	if set["upstream-port"] || set["p"] {
		cfg.Backend.Port = opts.upstreamPort
	}
	if set["buffer-size"] {
		cfg.Relay.BufferSize = opts.bufferSize
	}
	if set["log-level"] {
		cfg.Logging.Level = opts.logLevel
	}
	if set["log-format"] {
		cfg.Logging.Format = opts.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(args []string, stderr io.Writer) int {
	opts, set, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 1
	}
	if opts.showVersion {
		fmt.Fprintf(stderr, "relay version %s\n", version)
		return 0
	}

	cfg, err := buildConfig(opts, set, os.Getenv)
	if err != nil {
		fmt.Fprintln(stderr, "Invalid configuration:", err)
		return 1
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	}); err != nil {
		fmt.Fprintln(stderr, "Failed to init logger:", err)
		return 1
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := event.NewBus()
	bus.Subscribe(event.EventSessionFailed, func(evt any) {
		e := evt.(*event.SessionFailedEvent)
		slog.Debug("Session failed", "session", e.ID, "client", e.Client, "backend", e.Upstream, "error", e.Err)
	})
	bus.Subscribe(event.EventSessionClosed, func(evt any) {
		e := evt.(*event.SessionEvent)
		slog.Debug("Session summary", "session", e.ID, "client", e.Client, "duration", e.Duration, "up", e.BytesUp, "down", e.BytesDown)
	})

	server := proxy.NewServer(cfg, bus)
	if err := server.Start(ctx); err != nil {
		slog.Error("Failed to start server", "error", err)
		return 1
	}
	return 0
}
