package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/meshvid/signal-relay/internal/config"
	"github.com/meshvid/signal-relay/internal/httpserver"
	"github.com/meshvid/signal-relay/internal/metrics"
	"github.com/meshvid/signal-relay/internal/session"
	"github.com/meshvid/signal-relay/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	// Resolve the advertised ICE servers early so misconfigurations are caught
	// on startup rather than on the first client request.
	iceServers, err := config.ICEServers(os.LookupEnv)
	if err != nil {
		logger.Error("failed to load ice server config", "err", err)
		os.Exit(2)
	}

	logger.Info("starting signal-relay",
		"listen_addr", cfg.ListenAddr,
		"signal_path", cfg.SignalPath,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"signaling_ping_interval", cfg.SignalingPingInterval,
		"signaling_idle_timeout", cfg.SignalingIdleTimeout,
		"ice_servers", len(iceServers),
		"turn_rest_enabled", cfg.TURNRESTSecret != "",
	)

	authn, err := session.New(cfg)
	if err != nil {
		logger.Error("failed to configure session auth", "err", err)
		os.Exit(2)
	}
	if ra, ok := authn.(*session.RedisAuthenticator); ok {
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := ra.Ping(pingCtx)
		cancel()
		if err != nil {
			logger.Error("redis session store unreachable", "err", err)
			os.Exit(1)
		}
		defer ra.Close()
	}

	logStartupSecurityWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	m := metrics.New()
	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)

	srv, err := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt}, authn, m, iceServers)
	if err != nil {
		logger.Error("failed to configure http server", "err", err)
		os.Exit(2)
	}

	sig := signaling.NewServer(cfg, authn, logger, m)
	sig.Attach(srv.Mux())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, builtAt string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if builtAt == "" {
					builtAt = s.Value
				}
			}
		}
	}

	return commit, builtAt
}
