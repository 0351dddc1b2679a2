package rtcclient

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/meshvid/signal-relay/internal/config"
	"github.com/meshvid/signal-relay/internal/metrics"
	"github.com/meshvid/signal-relay/internal/session"
	"github.com/meshvid/signal-relay/internal/signaling"
)

func newRelay(t *testing.T) string {
	t.Helper()

	authn, err := session.NewStaticAuthenticator("session", "tok1=u1:alice,tok2=u2:bob,tok3=u3:carol")
	if err != nil {
		t.Fatalf("static authenticator: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := signaling.NewServer(config.Config{SignalPath: "/ss"}, authn, logger, metrics.New())

	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ss"
}

// rawPeer is a bare relay client used to stand in for a remote browser tab.
type rawPeer struct {
	t  *testing.T
	ws *websocket.Conn
	id string
}

func dialRawPeer(t *testing.T, url, cookie, id string) *rawPeer {
	t.Helper()

	header := http.Header{"Cookie": {cookie}}
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial raw peer: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })

	p := &rawPeer{t: t, ws: ws, id: id}
	p.send(signaling.NewPeerMessage(signaling.Peer{ID: id, UserID: "u-" + id}))
	return p
}

func (p *rawPeer) send(msg signaling.Message) {
	p.t.Helper()
	if err := p.ws.WriteJSON(msg); err != nil {
		p.t.Fatalf("raw peer send: %v", err)
	}
}

func (p *rawPeer) read() signaling.Message {
	p.t.Helper()
	_ = p.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := p.ws.ReadMessage()
	if err != nil {
		p.t.Fatalf("raw peer read: %v", err)
	}
	msg, err := signaling.ParseMessage(data)
	if err != nil {
		p.t.Fatalf("raw peer parse: %v", err)
	}
	return msg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClientConnectsAndAnnounces(t *testing.T) {
	url := newRelay(t)

	observer := dialRawPeer(t, url, "session=tok2", "observer")

	connected := make(chan struct{}, 4)
	c, err := New(Options{
		URL:    url,
		Cookie: "session=tok1",
		UserID: "u1",
		Name:   "alice",
		Logger: quietLogger(),
		Events: Events{Connected: func() { connected <- struct{}{} }},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatalf("connected event never fired")
	}

	msg := observer.read()
	if msg.Type != signaling.KindPeer || msg.Peer.ID != c.ID() || msg.Peer.Name != "alice" {
		t.Fatalf("observer got %+v, want the client's announcement", msg)
	}
	waitFor(t, 2*time.Second, func() bool { return c.State() == StateOpen }, "open state")
}

func TestClientMirrorsPeerBroadcasts(t *testing.T) {
	url := newRelay(t)

	added := make(chan signaling.Peer, 4)
	removed := make(chan signaling.Peer, 4)
	c, err := New(Options{
		URL:    url,
		Cookie: "session=tok1",
		UserID: "u1",
		Logger: quietLogger(),
		Events: Events{
			PeerAdded:   func(p signaling.Peer) { added <- p },
			PeerRemoved: func(p signaling.Peer) { removed <- p },
		},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	remote := dialRawPeer(t, url, "session=tok2", "remote")
	remote.read() // the client's replayed record

	select {
	case p := <-added:
		if p.ID != "remote" {
			t.Fatalf("added peer %+v, want remote", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("peer added event never fired")
	}

	if err := remote.ws.Close(); err != nil {
		t.Fatalf("close remote: %v", err)
	}
	select {
	case p := <-removed:
		if p.ID != "remote" || !p.Removed {
			t.Fatalf("removed peer %+v, want removed remote", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("peer removed event never fired")
	}
	if peers := c.Peers(); len(peers) != 0 {
		t.Fatalf("peers = %v, want empty after removal", peers)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	url := newRelay(t)

	c, err := New(Options{URL: url, Cookie: "session=tok1", UserID: "u1", Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	// Never-connected peer: both calls must be silent no-ops.
	c.Disconnect("nobody")
	c.Disconnect("nobody")

	c.mu.Lock()
	n := len(c.peerConnections)
	c.mu.Unlock()
	if n != 0 {
		t.Fatalf("peerConnections = %d, want 0", n)
	}
}

func TestInvitePreconditions(t *testing.T) {
	url := newRelay(t)

	added := make(chan signaling.Peer, 4)
	c, err := New(Options{
		URL:    url,
		Cookie: "session=tok1",
		UserID: "u1",
		Logger: quietLogger(),
		Events: Events{PeerAdded: func(p signaling.Peer) { added <- p }},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	remote := dialRawPeer(t, url, "session=tok2", "remote")
	remote.read()
	select {
	case <-added:
	case <-time.After(2 * time.Second):
		t.Fatalf("remote never appeared in the mirror")
	}

	// No media source open yet.
	if err := c.Invite("remote"); !errors.Is(err, ErrNoStream) {
		t.Fatalf("Invite without stream = %v, want ErrNoStream", err)
	}

	if err := c.OpenStream(NewTrackSource()); err != nil {
		t.Fatalf("open stream: %v", err)
	}

	if err := c.Invite("ghost"); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("Invite unknown = %v, want ErrUnknownPeer", err)
	}

	if err := c.Invite("remote"); err != nil {
		t.Fatalf("Invite: %v", err)
	}
	if err := c.Invite("remote"); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second Invite = %v, want ErrAlreadyConnected", err)
	}

	// The remote raw peer sees the forwarded offer.
	msg := remote.read()
	if msg.Type != signaling.KindOffer || msg.Offer.Source != c.ID() {
		t.Fatalf("remote got %+v, want the offer", msg)
	}

	// Disconnect releases the slot; a fresh invite succeeds.
	c.Disconnect("remote")
	if err := c.Invite("remote"); err != nil {
		t.Fatalf("Invite after disconnect: %v", err)
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	url := newRelay(t)

	c, err := New(Options{URL: url, Cookie: "session=tok1", UserID: "u1", Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	waitFor(t, 2*time.Second, func() bool { return c.State() == StateOpen }, "open state")

	remote := dialRawPeer(t, url, "session=tok2", "remote")
	remote.read()

	first, second := "candidate:1 1 udp 1 10.0.0.1 1111 typ host", "candidate:2 1 udp 1 10.0.0.2 2222 typ host"
	for _, raw := range []string{first, second} {
		remote.send(signaling.NewCandidateMessage(signaling.Candidate{
			ID:        "remote",
			Target:    c.ID(),
			Candidate: webrtc.ICECandidateInit{Candidate: raw},
		}))
	}

	waitFor(t, 2*time.Second, func() bool { return c.PendingCandidates("remote") == 2 }, "buffered candidates")

	c.mu.Lock()
	buffered := append([]webrtc.ICECandidateInit(nil), c.pendingCandidates["remote"]...)
	c.mu.Unlock()
	require.Len(t, buffered, 2)
	require.Equal(t, first, buffered[0].Candidate, "arrival order must be preserved")
	require.Equal(t, second, buffered[1].Candidate)

	// Tearing the peer down discards its buffer.
	c.Disconnect("remote")
	if got := c.PendingCandidates("remote"); got != 0 {
		t.Fatalf("pending after disconnect = %d, want 0", got)
	}
}

func TestAnswerWithoutOfferSurfacesError(t *testing.T) {
	url := newRelay(t)

	errs := make(chan error, 4)
	c, err := New(Options{
		URL:    url,
		Cookie: "session=tok1",
		UserID: "u1",
		Logger: quietLogger(),
		Events: Events{Error: func(err error) { errs <- err }},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	waitFor(t, 2*time.Second, func() bool { return c.State() == StateOpen }, "open state")

	remote := dialRawPeer(t, url, "session=tok2", "remote")
	remote.read()

	// Claims to answer an offer this client never sent.
	remote.send(signaling.NewAnswerMessage(signaling.Answer{
		Source: c.ID(),
		Target: "remote",
		SDP:    "v=0",
	}))

	select {
	case err := <-errs:
		if !errors.Is(err, ErrNoMatchingOffer) {
			t.Fatalf("error = %v, want ErrNoMatchingOffer", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no error surfaced for the unsolicited answer")
	}
}

func TestCloseCancelsReconnect(t *testing.T) {
	authn, err := session.NewStaticAuthenticator("session", "tok1=u1:alice")
	if err != nil {
		t.Fatalf("static authenticator: %v", err)
	}
	s := signaling.NewServer(config.Config{SignalPath: "/ss"}, authn, quietLogger(), metrics.New())
	ts := httptest.NewServer(s)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ss"

	connected := make(chan struct{}, 8)
	disconnected := make(chan struct{}, 8)
	c, err := New(Options{
		URL:            url,
		Cookie:         "session=tok1",
		UserID:         "u1",
		ReconnectDelay: 50 * time.Millisecond,
		Logger:         quietLogger(),
		Events: Events{
			Connected:    func() { connected <- struct{}{} },
			Disconnected: func() { disconnected <- struct{}{} },
		},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatalf("never connected")
	}

	// Dropping the relay forces the reconnect path.
	ts.Close()
	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatalf("disconnect never observed")
	}
	waitFor(t, 2*time.Second, func() bool {
		st := c.State()
		return st == StateReconnecting || st == StateConnecting
	}, "reconnecting state")

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if st := c.State(); st != StateClosed {
		t.Fatalf("state = %v, want closed", st)
	}

	// A pending reconnect must have been cancelled with the timer.
	time.Sleep(200 * time.Millisecond)
	select {
	case <-connected:
		t.Fatalf("reconnect fired after close")
	default:
	}

	c.mu.Lock()
	timer := c.reconnectTimer
	c.mu.Unlock()
	if timer != nil {
		t.Fatalf("reconnect timer still armed after close")
	}
}

func TestReconnectReannounces(t *testing.T) {
	url := newRelay(t)

	observer := dialRawPeer(t, url, "session=tok2", "observer")

	c, err := New(Options{
		URL:            url,
		Cookie:         "session=tok1",
		UserID:         "u1",
		Name:           "alice",
		ReconnectDelay: 50 * time.Millisecond,
		Logger:         quietLogger(),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	msg := observer.read()
	if msg.Type != signaling.KindPeer || msg.Peer.ID != c.ID() {
		t.Fatalf("observer got %+v, want announcement", msg)
	}

	// Sever the socket out from under the client; the relay broadcasts the
	// departure, then the reconnected client re-announces the same ID.
	waitFor(t, 2*time.Second, func() bool { return c.State() == StateOpen }, "open state")
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	_ = conn.Close()

	sawRemoval, sawReannounce := false, false
	for i := 0; i < 2; i++ {
		msg := observer.read()
		if msg.Type != signaling.KindPeer || msg.Peer.ID != c.ID() {
			t.Fatalf("observer got %+v, want peer messages for the client", msg)
		}
		if msg.Peer.Removed {
			sawRemoval = true
		} else {
			sawReannounce = true
		}
	}
	if !sawRemoval || !sawReannounce {
		t.Fatalf("removal=%v reannounce=%v, want both", sawRemoval, sawReannounce)
	}
}

func TestSetNameBroadcastsUpdate(t *testing.T) {
	url := newRelay(t)

	observer := dialRawPeer(t, url, "session=tok2", "observer")

	c, err := New(Options{URL: url, Cookie: "session=tok1", UserID: "u1", Name: "alice", Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	observer.read() // initial announcement
	waitFor(t, 2*time.Second, func() bool { return c.State() == StateOpen }, "open state")

	c.SetName("alice-2")

	msg := observer.read()
	if msg.Type != signaling.KindPeer || msg.Peer.Name != "alice-2" {
		t.Fatalf("observer got %+v, want renamed peer", msg)
	}
	if got := c.Name(); got != "alice-2" {
		t.Fatalf("Name = %q, want alice-2", got)
	}
}

// Two full clients negotiate through the relay over a virtual network.
func TestNegotiationThroughRelay(t *testing.T) {
	url := newRelay(t)

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	require.NoError(t, err)
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	require.NoError(t, err)
	require.NoError(t, router.AddNet(netA))
	require.NoError(t, router.AddNet(netB))
	require.NoError(t, router.Start())

	addedA := make(chan signaling.Peer, 4)
	a, err := New(Options{
		URL:    url,
		Cookie: "session=tok1",
		UserID: "u1",
		Name:   "alice",
		Net:    netA,
		Logger: quietLogger(),
		Events: Events{PeerAdded: func(p signaling.Peer) { addedA <- p }},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NoError(t, a.OpenStream(NewTrackSource()))

	offersB := make(chan signaling.Offer, 4)
	b, err := New(Options{
		URL:    url,
		Cookie: "session=tok2",
		UserID: "u2",
		Name:   "bob",
		Net:    netB,
		Logger: quietLogger(),
		Events: Events{Offer: func(o signaling.Offer) { offersB <- o }},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	require.NoError(t, b.OpenStream(NewTrackSource()))

	select {
	case p := <-addedA:
		require.Equal(t, b.ID(), p.ID)
	case <-time.After(2 * time.Second):
		t.Fatalf("a never learned about b")
	}

	require.NoError(t, a.Invite(b.ID()))

	var offer signaling.Offer
	select {
	case offer = <-offersB:
	case <-time.After(2 * time.Second):
		t.Fatalf("b never received the offer")
	}
	require.Equal(t, a.ID(), offer.Source)
	require.NoError(t, b.Accept(offer))

	// Offer/answer completes on both sides: each connection reaches a stable
	// signaling state with a remote description in place.
	waitFor(t, 5*time.Second, func() bool {
		a.mu.Lock()
		pc := a.peerConnections[b.ID()]
		a.mu.Unlock()
		return pc != nil && pc.SignalingState() == webrtc.SignalingStateStable && pc.RemoteDescription() != nil
	}, "a to reach stable signaling state")
	waitFor(t, 5*time.Second, func() bool {
		b.mu.Lock()
		pc := b.peerConnections[a.ID()]
		b.mu.Unlock()
		return pc != nil && pc.SignalingState() == webrtc.SignalingStateStable
	}, "b to reach stable signaling state")

	// Trickled candidates attach once descriptions are in place; nothing may
	// linger in either buffer.
	waitFor(t, 5*time.Second, func() bool {
		return a.PendingCandidates(b.ID()) == 0 && b.PendingCandidates(a.ID()) == 0
	}, "candidate buffers to drain")
}
