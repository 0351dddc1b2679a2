// Package httpserver is the relay's outer HTTP surface: health and version
// endpoints, the metrics scrape target, the ICE configuration endpoint, and
// the middleware stack wrapped around everything, including the signaling
// upgrade path registered on its mux.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/meshvid/signal-relay/internal/config"
	"github.com/meshvid/signal-relay/internal/metrics"
	"github.com/meshvid/signal-relay/internal/session"
	"github.com/meshvid/signal-relay/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

type Server struct {
	log   *slog.Logger
	cfg   config.Config
	build BuildInfo

	auth       session.Authenticator
	metrics    *metrics.Metrics
	iceServers []webrtc.ICEServer
	minter     *turnrest.Minter

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, authn session.Authenticator, m *metrics.Metrics, iceServers []webrtc.ICEServer) (*Server, error) {
	s := &Server{
		log:        logger,
		cfg:        cfg,
		build:      build,
		auth:       authn,
		metrics:    m,
		iceServers: iceServers,
		mux:        http.NewServeMux(),
	}

	if cfg.TURNRESTSecret != "" {
		minter, err := turnrest.NewMinter(turnrest.MinterConfig{
			SharedSecret:   cfg.TURNRESTSecret,
			TTL:            cfg.TURNRESTTTL,
			UsernamePrefix: cfg.TURNRESTUsernamePrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("turn rest: %w", err)
		}
		s.minter = minter
	}

	s.registerRoutes()

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
		// The signaling path holds upgraded connections open indefinitely, so
		// only the header read gets a timeout.
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s, nil
}

// Mux returns the underlying ServeMux so the signaling server can attach its
// upgrade route. It must only be used during startup before Serve is called.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	s.mux.Handle("GET /metrics", metrics.PrometheusHandler(s.metrics))

	s.mux.HandleFunc("GET /webrtc/ice", s.withOriginPolicy(s.handleICEConfig))
}

// handleICEConfig hands the ICE server list to an authenticated client,
// minting ephemeral TURN credentials when a shared secret is configured.
func (s *Server) handleICEConfig(w http.ResponseWriter, r *http.Request) {
	identity, err := s.auth.Lookup(r.Context(), r.Header.Get("Cookie"))
	if err != nil {
		if errors.Is(err, session.ErrNoIdentity) {
			WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "authentication required"})
			return
		}
		s.log.Warn("session lookup failed", "err", err)
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "session lookup failed"})
		return
	}

	servers := s.iceServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	if s.minter != nil {
		creds, err := s.minter.MintFor(identity.UserID)
		if err != nil {
			s.log.Error("mint turn credentials", "user_id", identity.UserID, "err", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "credential minting failed"})
			return
		}
		servers = withTURNCredentials(servers, creds.Username, creds.Credential)
	}

	WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}
