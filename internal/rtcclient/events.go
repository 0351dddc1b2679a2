package rtcclient

import (
	"github.com/pion/webrtc/v4"

	"github.com/meshvid/signal-relay/internal/signaling"
)

// Events holds the client's outbound callbacks. Any field may be nil. All
// callbacks are invoked without internal locks held, so they may call back
// into the Client (an Offer handler typically calls Accept).
type Events struct {
	// Connected fires once per established socket, including reconnects.
	Connected    func()
	Disconnected func()
	Error        func(error)

	PeerAdded   func(signaling.Peer)
	PeerUpdated func(signaling.Peer)
	PeerRemoved func(signaling.Peer)

	// Offer surfaces an inbound invitation. Accepting is the embedder's
	// decision, never automatic.
	Offer func(signaling.Offer)

	// PeerConnected fires when the first media arrives from a remote peer.
	PeerConnected func(signaling.Peer, *webrtc.TrackRemote)
}

func (e Events) emitConnected() {
	if e.Connected != nil {
		e.Connected()
	}
}

func (e Events) emitDisconnected() {
	if e.Disconnected != nil {
		e.Disconnected()
	}
}

func (e Events) emitError(err error) {
	if e.Error != nil {
		e.Error(err)
	}
}

func (e Events) emitPeerAdded(p signaling.Peer) {
	if e.PeerAdded != nil {
		e.PeerAdded(p)
	}
}

func (e Events) emitPeerUpdated(p signaling.Peer) {
	if e.PeerUpdated != nil {
		e.PeerUpdated(p)
	}
}

func (e Events) emitPeerRemoved(p signaling.Peer) {
	if e.PeerRemoved != nil {
		e.PeerRemoved(p)
	}
}

func (e Events) emitOffer(o signaling.Offer) {
	if e.Offer != nil {
		e.Offer(o)
	}
}

func (e Events) emitPeerConnected(p signaling.Peer, track *webrtc.TrackRemote) {
	if e.PeerConnected != nil {
		e.PeerConnected(p, track)
	}
}
