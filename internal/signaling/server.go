package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshvid/signal-relay/internal/config"
	"github.com/meshvid/signal-relay/internal/metrics"
	"github.com/meshvid/signal-relay/internal/origin"
	"github.com/meshvid/signal-relay/internal/ratelimit"
	"github.com/meshvid/signal-relay/internal/session"
)

const wsWriteWait = 1 * time.Second

// Server owns the upgrade handshake, the peer registry and message routing
// for one signaling path. It lives as long as the process.
type Server struct {
	log  *slog.Logger
	auth session.Authenticator
	m    *metrics.Metrics

	path                 string
	allowedOrigins       []string
	maxMessageBytes      int64
	maxMessagesPerSecond int
	pingInterval         time.Duration
	idleTimeout          time.Duration

	upgrader websocket.Upgrader
	reg      *registry
}

func NewServer(cfg config.Config, authn session.Authenticator, logger *slog.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}

	maxBytes := cfg.MaxSignalingMessageBytes
	if maxBytes <= 0 {
		maxBytes = config.DefaultMaxMessageBytes
	}
	maxPerSecond := cfg.MaxSignalingMessagesPerSecond
	if maxPerSecond <= 0 {
		maxPerSecond = config.DefaultMaxMessagesPerSecond
	}
	pingInterval := cfg.SignalingPingInterval
	if pingInterval <= 0 {
		pingInterval = config.DefaultPingInterval
	}
	idleTimeout := cfg.SignalingIdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = config.DefaultIdleTimeout
	}
	path := cfg.SignalPath
	if path == "" {
		path = config.DefaultSignalPath
	}

	s := &Server{
		log:  logger,
		auth: authn,
		m:    m,

		path:                 path,
		allowedOrigins:       cfg.AllowedOrigins,
		maxMessageBytes:      maxBytes,
		maxMessagesPerSecond: maxPerSecond,
		pingInterval:         pingInterval,
		idleTimeout:          idleTimeout,

		reg: newRegistry(),
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	return s
}

// checkOrigin enforces the browser origin policy on the upgrade handshake.
// Requests without an Origin header come from non-browser clients and are
// admitted; everything else must pass the allowlist (or, with no allowlist
// configured, match the request host).
func (s *Server) checkOrigin(r *http.Request) bool {
	originHeader := strings.TrimSpace(r.Header.Get("Origin"))
	if originHeader == "" {
		return true
	}

	normalized, host, ok := origin.Normalize(originHeader)
	if !ok || !origin.IsAllowed(normalized, host, r.Host, s.allowedOrigins) {
		s.m.Inc(metrics.OriginRefused)
		s.log.Debug("refusing cross-origin upgrade", "origin", originHeader, "remote_addr", r.RemoteAddr)
		return false
	}
	return true
}

// Attach registers the relay's single upgrade route. Requests to any other
// path are left to whatever else the mux serves.
func (s *Server) Attach(mux *http.ServeMux) {
	mux.HandleFunc("GET "+s.path, s.handleUpgrade)
}

// ServeHTTP provides minimal routing for tests and simple deployments.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Path == s.path {
		s.handleUpgrade(w, r)
		return
	}
	http.NotFound(w, r)
}

// PeerCount reports how many announced peers are currently registered.
func (s *Server) PeerCount() int {
	return s.reg.size()
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	identity, err := s.auth.Lookup(r.Context(), r.Header.Get("Cookie"))
	if err != nil {
		s.m.Inc(metrics.AuthRefused)
		if errors.Is(err, session.ErrNoIdentity) {
			s.log.Debug("refusing unauthenticated upgrade", "remote_addr", r.RemoteAddr)
		} else {
			s.log.Warn("session lookup failed", "remote_addr", r.RemoteAddr, "err", err)
		}
		dropConnection(w)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &clientConn{
		srv:      s,
		conn:     conn,
		identity: identity,
		limiter: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(s.maxMessagesPerSecond),
			int64(s.maxMessagesPerSecond),
		),
	}

	s.log.Debug("client connected", "user_id", identity.UserID, "remote_addr", r.RemoteAddr)
	c.run()
}

// dropConnection severs the TCP connection without writing an HTTP response,
// so an unauthenticated prober learns nothing about the endpoint.
func dropConnection(w http.ResponseWriter) {
	h, ok := w.(http.Hijacker)
	if !ok {
		return
	}
	conn, _, err := h.Hijack()
	if err != nil {
		return
	}
	_ = conn.Close()
}

func (s *Server) handlePeer(c *clientConn, p Peer) {
	// Removed is reserved for departure notices; clients cannot set it.
	p.Removed = false
	if p.Name == "" {
		p.Name = c.identity.Username
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	if p.UserID == "" {
		p.UserID = c.identity.UserID
	}

	joined, replay, targets := s.reg.announce(c, p)

	if joined {
		// Tell the new client about every existing peer before its own
		// presence reaches anyone else.
		for _, existing := range replay {
			s.sendPeer(c, existing)
		}
		s.m.Inc(metrics.PeerJoin)
		s.log.Info("peer joined",
			"peer_id", p.ID,
			"user_id", p.UserID,
			"name", p.Name,
			"peers", s.reg.size(),
		)
	} else {
		s.m.Inc(metrics.PeerUpdate)
		s.log.Debug("peer updated", "peer_id", p.ID, "name", p.Name)
	}

	data, err := json.Marshal(NewPeerMessage(p))
	if err != nil {
		s.log.Error("encode peer message", "err", err)
		return
	}
	for _, t := range targets {
		// A send racing a concurrent disconnect is swallowed; the close path
		// handles cleanup.
		_ = t.send(data)
	}
}

// forward delivers raw to the socket registered for peerID, verbatim. A miss
// is a normal race with a departing peer.
func (s *Server) forward(kind Kind, peerID string, raw []byte) {
	t, ok := s.reg.lookup(peerID)
	if !ok {
		s.m.Inc(metrics.RouteMiss)
		s.log.Debug("dropping message for unknown peer", "kind", string(kind), "target", peerID)
		return
	}
	_ = t.send(raw)
}

func (s *Server) sendPeer(c *clientConn, p Peer) {
	data, err := json.Marshal(NewPeerMessage(p))
	if err != nil {
		s.log.Error("encode peer message", "err", err)
		return
	}
	_ = c.send(data)
}

func (s *Server) handleClose(c *clientConn) {
	departed, targets, ok := s.reg.remove(c)
	if !ok {
		return
	}

	s.m.Inc(metrics.PeerRemove)
	s.log.Info("peer left", "peer_id", departed.ID, "name", departed.DisplayName(), "peers", s.reg.size())

	departed.Removed = true
	data, err := json.Marshal(NewPeerMessage(departed))
	if err != nil {
		s.log.Error("encode peer message", "err", err)
		return
	}
	for _, t := range targets {
		_ = t.send(data)
	}
}

// clientConn is the server side of one admitted socket. The authenticated
// identity is bound at upgrade time and immutable afterwards.
type clientConn struct {
	srv      *Server
	conn     *websocket.Conn
	identity session.Identity

	limiter *ratelimit.TokenBucket

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *clientConn) run() {
	defer c.teardown()

	c.conn.SetReadLimit(c.srv.maxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.srv.idleTimeout))
	})

	stopPing := c.startPing()
	defer stopPing()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		if !c.limiter.Allow(1) {
			c.srv.m.Inc(metrics.RateLimited)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		if msgType != websocket.TextMessage {
			c.srv.m.Inc(metrics.BadMessage)
			c.srv.log.Debug("dropping non-text frame", "user_id", c.identity.UserID)
			continue
		}

		msg, err := ParseMessage(data)
		if err != nil {
			c.srv.m.Inc(metrics.BadMessage)
			c.srv.log.Warn("dropping unparseable frame", "user_id", c.identity.UserID, "err", err)
			continue
		}

		switch msg.Type {
		case KindPeer:
			c.srv.handlePeer(c, *msg.Peer)
		case KindOffer:
			c.srv.forward(msg.Type, msg.Offer.Target, data)
		case KindAnswer:
			// Answers route back to the original offeror.
			c.srv.forward(msg.Type, msg.Answer.Source, data)
		case KindCandidate:
			c.srv.forward(msg.Type, msg.Candidate.Target, data)
		}
	}
}

func (c *clientConn) send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *clientConn) startPing() func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.srv.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()
	return func() { close(stop) }
}

func (c *clientConn) closeWith(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (c *clientConn) teardown() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
		c.srv.handleClose(c)
	})
}
