package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/chatlink/internal/config"
	"github.com/rickgao/chatlink/internal/connection"
	"github.com/rickgao/chatlink/internal/envelope"
	"github.com/rickgao/chatlink/internal/supervisor"
	"github.com/rickgao/chatlink/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/chatlink.local.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Set up structured logging
	level, _ := config.ParseLevel(cfg.Log.Level)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting chatlink",
		"version", version.String(),
		"config", *configPath,
		"server", cfg.Server.URL,
		"username", cfg.Identity.Username,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, os.Stdin, os.Stdout, logger); err != nil {
		logger.Error("chatlink stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("chatlink stopped")
}

// run wires the supervisor to stdin and stdout until ctx ends or stdin closes.
func run(ctx context.Context, cfg *config.ClientConfig, in io.Reader, out io.Writer, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	handlers := connection.Handlers{
		OnOpen: func() {
			logger.Info("chat connected")
		},
		OnClose: func() {
			logger.Warn("chat disconnected")
		},
		OnMessage: func(msg envelope.Message) {
			fmt.Fprintf(out, "<%s> %s\n", msg.AuthorID, msg.Text)
		},
		OnNotice: func(env envelope.Envelope) {
			if env.System == envelope.SystemUserConnected {
				fmt.Fprintln(out, "* another user joined")
			}
		},
	}

	sup := supervisor.New(connectionConfig(cfg), supervisorPolicy(cfg), handlers, logger, nil)

	g, gctx := errgroup.WithContext(ctx)

	// Run returns for good only when reconnection is off or ctx ended.
	g.Go(func() error {
		defer cancel()
		return sup.Run(gctx)
	})

	lines := make(chan string)
	go readLines(in, lines)

	g.Go(func() error {
		defer cancel()
		return forwardLines(gctx, lines, sup, logger)
	})

	g.Go(func() error {
		reportStatus(gctx, sup, cfg.Log.StatusInterval, logger)
		return nil
	})

	return g.Wait()
}

func connectionConfig(cfg *config.ClientConfig) connection.Config {
	return connection.Config{
		URL:               cfg.Server.URL,
		Username:          cfg.Identity.Username,
		Token:             cfg.Identity.Token,
		HeartbeatInterval: cfg.Connection.HeartbeatInterval,
		LivenessThreshold: cfg.Connection.LivenessThreshold,
		WriteTimeout:      cfg.Connection.WriteTimeout,
		ReadLimit:         cfg.Connection.ReadLimit,
		BufferSize:        cfg.Connection.BufferSize,
	}
}

func supervisorPolicy(cfg *config.ClientConfig) supervisor.Policy {
	return supervisor.Policy{
		Reconnect:        cfg.Reconnect.ReconnectEnabled(),
		BaseDelay:        cfg.Reconnect.BaseDelay,
		MaxDelay:         cfg.Reconnect.MaxDelay,
		HandshakeTimeout: cfg.Connection.HandshakeTimeout,
	}
}

// sender is the part of the supervisor the stdin loop needs.
type sender interface {
	SendMessage(text string) error
}

// readLines scans r into lines and closes lines at EOF.
// Stdin reads cannot be cancelled, so this runs outside the errgroup.
func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

// forwardLines sends each non-empty line. It returns nil when input ends.
func forwardLines(ctx context.Context, lines <-chan string, s sender, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				logger.Info("input closed")
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if err := s.SendMessage(line); err != nil {
				switch {
				case errors.Is(err, connection.ErrNotOpen):
					logger.Warn("not connected yet, message not sent", "error", err)
				case errors.Is(err, connection.ErrClosed):
					logger.Warn("connection closed, message not sent", "error", err)
				default:
					logger.Error("send failed", "error", err)
				}
			}
		}
	}
}

// statusSource is the part of the supervisor the status reporter needs.
type statusSource interface {
	IsAlive() bool
	Stats() connection.Stats
}

// reportStatus logs connection health on a fixed interval.
func reportStatus(ctx context.Context, s statusSource, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.Stats()
			logger.Info("connection status",
				"state", stats.State,
				"peer_alive", s.IsAlive(),
				"sent", stats.Sent,
				"rejected", stats.Rejected,
				"heartbeats", stats.Heartbeats,
				"received", stats.Received,
				"delivered", stats.Delivered,
				"dropped", stats.Dropped,
			)
		}
	}
}
