package rtcclient

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/meshvid/signal-relay/internal/config"
	"github.com/meshvid/signal-relay/internal/signaling"
)

var (
	ErrClosed           = errors.New("rtcclient: client closed")
	ErrNotConnected     = errors.New("rtcclient: not connected to the relay")
	ErrNoStream         = errors.New("rtcclient: no open media source")
	ErrUnknownPeer      = errors.New("rtcclient: unknown peer")
	ErrAlreadyConnected = errors.New("rtcclient: peer connection already exists")
	ErrNoMatchingOffer  = errors.New("rtcclient: answer without a matching offer")
)

// State is the socket lifecycle phase of the Client.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures a Client. URL and UserID are required.
type Options struct {
	// URL is the relay's upgrade endpoint, e.g. ws://host:3000/ss.
	URL string
	// Cookie is the raw Cookie header presented at upgrade time.
	Cookie string

	UserID string
	// Name is the initial display label; the relay falls back to the
	// authenticated username when empty.
	Name string

	ICEServers     []webrtc.ICEServer
	ReconnectDelay time.Duration

	// Net overrides the network used by peer connections. Nil means the host
	// network; tests inject a virtual one.
	Net transport.Net

	Dialer *websocket.Dialer
	Logger *slog.Logger
	Events Events
}

// Client maintains one logical signaling session against the relay and
// drives WebRTC negotiation with remote peers.
type Client struct {
	log    *slog.Logger
	events Events
	dialer *websocket.Dialer
	api    *webrtc.API

	url            string
	cookie         string
	userID         string
	id             string
	iceServers     []webrtc.ICEServer
	reconnectDelay time.Duration

	mu                sync.Mutex
	name              string
	state             State
	conn              *websocket.Conn
	source            MediaSource
	peerConnections   map[string]*webrtc.PeerConnection
	pendingCandidates map[string][]webrtc.ICECandidateInit
	peers             map[string]signaling.Peer
	reconnectTimer    *time.Timer
	closed            bool

	writeMu sync.Mutex
}

// New builds a Client and immediately begins connecting.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("rtcclient: relay URL is required")
	}
	if opts.UserID == "" {
		return nil, errors.New("rtcclient: user ID is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = config.DefaultReconnectDelay
	}

	engine := webrtc.SettingEngine{
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	}
	if opts.Net != nil {
		engine.SetNet(opts.Net)
	}

	c := &Client{
		log:    logger,
		events: opts.Events,
		dialer: dialer,
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(engine)),

		url:            opts.URL,
		cookie:         opts.Cookie,
		userID:         opts.UserID,
		id:             uuid.NewString(),
		iceServers:     opts.ICEServers,
		reconnectDelay: delay,

		name:              opts.Name,
		state:             StateConnecting,
		peerConnections:   make(map[string]*webrtc.PeerConnection),
		pendingCandidates: make(map[string][]webrtc.ICECandidateInit),
		peers:             make(map[string]signaling.Peer),
	}

	go c.connect()
	return c, nil
}

// ID is the client's own peer ID, generated at construction.
func (c *Client) ID() string { return c.id }

// Name returns the display label, defaulting to the peer ID.
func (c *Client) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.name != "" {
		return c.name
	}
	return c.id
}

// SetName changes the display label and re-announces it to the relay.
func (c *Client) SetName(name string) {
	c.mu.Lock()
	c.name = name
	connected := c.conn != nil
	c.mu.Unlock()

	if connected {
		if err := c.announce(); err != nil {
			c.log.Warn("announce rename", "err", err)
		}
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Peers returns a snapshot of the relay's broadcast peer set, excluding this
// client's own echoed record.
func (c *Client) Peers() []signaling.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]signaling.Peer, 0, len(c.peers))
	for _, p := range c.peers {
		if p.ID == c.id {
			continue
		}
		out = append(out, p)
	}
	return out
}

// OpenStream installs the local media source used by subsequent Invite and
// Accept calls, replacing and closing any previous one.
func (c *Client) OpenStream(src MediaSource) error {
	if src == nil {
		return errors.New("rtcclient: nil media source")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	prev := c.source
	c.source = src
	c.mu.Unlock()

	if prev != nil {
		if err := prev.Close(); err != nil {
			c.log.Warn("close previous media source", "err", err)
		}
	}
	return nil
}

// CloseStream releases the current media source, if any.
func (c *Client) CloseStream() {
	c.mu.Lock()
	src := c.source
	c.source = nil
	c.mu.Unlock()

	if src != nil {
		if err := src.Close(); err != nil {
			c.log.Warn("close media source", "err", err)
		}
	}
}

// Invite starts negotiation with a known peer: creates the peer connection,
// attaches local media, and sends an offer. The connection is registered
// before the offer leaves, so candidates racing back can attach immediately.
func (c *Client) Invite(peerID string) error {
	pc, _, err := c.newPeerConnection(peerID)
	if err != nil {
		return err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		c.Disconnect(peerID)
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		c.Disconnect(peerID)
		return fmt.Errorf("set local description: %w", err)
	}

	err = c.send(signaling.NewOfferMessage(signaling.Offer{
		Source: c.id,
		Target: peerID,
		SDP:    offer.SDP,
	}))
	if err != nil {
		c.Disconnect(peerID)
		return err
	}
	return nil
}

// Accept answers an inbound offer: creates the peer connection for the
// offeror, applies the offer, returns an answer through the relay, and then
// applies any candidates that arrived ahead of the offer.
func (c *Client) Accept(offer signaling.Offer) error {
	pc, _, err := c.newPeerConnection(offer.Source)
	if err != nil {
		return err
	}

	err = pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	})
	if err != nil {
		c.Disconnect(offer.Source)
		return fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		c.Disconnect(offer.Source)
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		c.Disconnect(offer.Source)
		return fmt.Errorf("set local description: %w", err)
	}

	// Source still names the offeror; the relay routes the answer by it.
	err = c.send(signaling.NewAnswerMessage(signaling.Answer{
		Source: offer.Source,
		Target: c.id,
		SDP:    answer.SDP,
	}))
	if err != nil {
		c.Disconnect(offer.Source)
		return err
	}

	c.drainCandidates(offer.Source, pc)
	return nil
}

// Disconnect tears down the connection to peerID and discards its buffered
// candidates. A no-op when no such connection exists.
func (c *Client) Disconnect(peerID string) {
	c.mu.Lock()
	pc := c.peerConnections[peerID]
	delete(c.peerConnections, peerID)
	delete(c.pendingCandidates, peerID)
	c.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			c.log.Warn("close peer connection", "peer_id", peerID, "err", err)
		}
	}
}

// Close terminates the socket without reconnecting, releases every peer
// connection and the media source, and clears all local state.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateClosed

	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}

	conn := c.conn
	c.conn = nil
	pcs := c.peerConnections
	c.peerConnections = make(map[string]*webrtc.PeerConnection)
	c.pendingCandidates = make(map[string][]webrtc.ICECandidateInit)
	c.peers = make(map[string]signaling.Peer)
	src := c.source
	c.source = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	for id, pc := range pcs {
		if err := pc.Close(); err != nil {
			c.log.Warn("close peer connection", "peer_id", id, "err", err)
		}
	}
	if src != nil {
		if err := src.Close(); err != nil {
			c.log.Warn("close media source", "err", err)
		}
	}
	return nil
}

func (c *Client) connect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()

	header := http.Header{}
	if c.cookie != "" {
		header.Set("Cookie", c.cookie)
	}

	conn, _, err := c.dialer.Dial(c.url, header)
	if err != nil {
		c.events.emitError(fmt.Errorf("dial relay: %w", err))
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()

	c.log.Debug("connected to relay", "url", c.url)
	c.events.emitConnected()

	// Re-announcing on every socket open keeps the relay's registry pointed
	// at the live socket across reconnects.
	if err := c.announce(); err != nil {
		c.log.Warn("announce", "err", err)
	}

	go c.readLoop(conn)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}

		msg, err := signaling.ParseMessage(data)
		if err != nil {
			c.log.Warn("dropping unparseable relay frame", "err", err)
			continue
		}
		c.handleMessage(msg)
	}

	c.mu.Lock()
	if c.conn != conn {
		// A newer socket has taken over; this loop belonged to the old one.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	closed := c.closed
	if !closed {
		c.state = StateClosed
	}
	c.mu.Unlock()

	if closed {
		return
	}
	c.events.emitDisconnected()
	c.scheduleReconnect()
}

// scheduleReconnect arms the single reconnect timer. At most one attempt is
// ever pending; Close cancels it.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.reconnectTimer != nil {
		return
	}
	c.state = StateReconnecting
	c.reconnectTimer = time.AfterFunc(c.reconnectDelay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		if c.closed || c.conn != nil {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		c.log.Debug("attempting reconnect", "url", c.url)
		c.connect()
	})
}

func (c *Client) announce() error {
	c.mu.Lock()
	p := signaling.Peer{ID: c.id, UserID: c.userID, Name: c.name}
	c.mu.Unlock()
	return c.send(signaling.NewPeerMessage(p))
}

func (c *Client) send(msg signaling.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

func (c *Client) handleMessage(msg signaling.Message) {
	switch msg.Type {
	case signaling.KindPeer:
		c.handlePeer(*msg.Peer)
	case signaling.KindOffer:
		c.events.emitOffer(*msg.Offer)
	case signaling.KindAnswer:
		c.handleAnswer(*msg.Answer)
	case signaling.KindCandidate:
		c.handleCandidate(*msg.Candidate)
	}
}

func (c *Client) handlePeer(p signaling.Peer) {
	c.mu.Lock()
	if p.Removed {
		delete(c.peers, p.ID)
		c.mu.Unlock()
		c.events.emitPeerRemoved(p)
		return
	}

	_, known := c.peers[p.ID]
	c.peers[p.ID] = p
	c.mu.Unlock()

	if known {
		c.events.emitPeerUpdated(p)
	} else {
		c.events.emitPeerAdded(p)
	}
}

// handleAnswer applies the remote description on the connection created by a
// prior Invite. An answer with no matching connection is a protocol
// violation, not a routine race.
func (c *Client) handleAnswer(a signaling.Answer) {
	c.mu.Lock()
	pc := c.peerConnections[a.Target]
	c.mu.Unlock()

	if pc == nil {
		c.events.emitError(fmt.Errorf("%w: peer %s", ErrNoMatchingOffer, a.Target))
		return
	}

	err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  a.SDP,
	})
	if err != nil {
		c.events.emitError(fmt.Errorf("apply answer from %s: %w", a.Target, err))
		return
	}

	// Candidates from the answerer may have raced ahead of the answer itself.
	c.drainCandidates(a.Target, pc)
}

// handleCandidate applies the candidate immediately when the peer connection
// is ready for it; otherwise it is buffered in arrival order and drained once
// the remote description is in place.
func (c *Client) handleCandidate(cand signaling.Candidate) {
	c.mu.Lock()
	pc := c.peerConnections[cand.ID]
	if pc == nil || pc.RemoteDescription() == nil {
		c.pendingCandidates[cand.ID] = append(c.pendingCandidates[cand.ID], cand.Candidate)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := pc.AddICECandidate(cand.Candidate); err != nil {
		c.log.Warn("apply candidate", "peer_id", cand.ID, "err", err)
	}
}

// PendingCandidates reports how many candidates are buffered for peerID.
func (c *Client) PendingCandidates(peerID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendingCandidates[peerID])
}

func (c *Client) newPeerConnection(peerID string) (*webrtc.PeerConnection, signaling.Peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, signaling.Peer{}, ErrClosed
	}
	if c.source == nil {
		return nil, signaling.Peer{}, ErrNoStream
	}
	if _, ok := c.peerConnections[peerID]; ok {
		return nil, signaling.Peer{}, fmt.Errorf("%w: %s", ErrAlreadyConnected, peerID)
	}
	peer, ok := c.peers[peerID]
	if !ok {
		return nil, signaling.Peer{}, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}

	pc, err := c.api.NewPeerConnection(webrtc.Configuration{ICEServers: c.iceServers})
	if err != nil {
		return nil, signaling.Peer{}, fmt.Errorf("new peer connection: %w", err)
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		err := c.send(signaling.NewCandidateMessage(signaling.Candidate{
			ID:        c.id,
			Target:    peerID,
			Candidate: cand.ToJSON(),
		}))
		if err != nil {
			c.log.Warn("send candidate", "peer_id", peerID, "err", err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.events.emitPeerConnected(peer, track)
	})

	haveKind := make(map[webrtc.RTPCodecType]bool)
	for _, track := range c.source.Tracks() {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, signaling.Peer{}, fmt.Errorf("add local track: %w", err)
		}
		haveKind[track.Kind()] = true
	}
	// Ask to receive both media kinds even when no local track sends them.
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if haveKind[kind] {
			continue
		}
		init := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
		if _, err := pc.AddTransceiverFromKind(kind, init); err != nil {
			_ = pc.Close()
			return nil, signaling.Peer{}, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	c.peerConnections[peerID] = pc
	return pc, peer, nil
}

// drainCandidates applies every candidate buffered for peerID, in arrival
// order, and clears the buffer. Failures are logged, not fatal. Candidates
// cannot attach before a remote description exists, so on the inviting side
// the drain is deferred until the answer has been applied.
func (c *Client) drainCandidates(peerID string, pc *webrtc.PeerConnection) {
	if pc.RemoteDescription() == nil {
		return
	}

	c.mu.Lock()
	buffered := c.pendingCandidates[peerID]
	delete(c.pendingCandidates, peerID)
	c.mu.Unlock()

	for _, cand := range buffered {
		if err := pc.AddICECandidate(cand); err != nil {
			c.log.Warn("apply buffered candidate", "peer_id", peerID, "err", err)
		}
	}
}
