package signaling

import "sync"

// registry is the authoritative record of who is currently connected.
//
// It keeps two maps in lockstep under one mutex: socket -> Peer for presence,
// and peer ID -> socket for constant-time routing. A socket that has not yet
// announced itself appears in neither map; it receives no broadcasts and is
// invisible to lookups.
type registry struct {
	mu    sync.Mutex
	peers map[*clientConn]Peer
	byID  map[string]*clientConn
}

func newRegistry() *registry {
	return &registry{
		peers: make(map[*clientConn]Peer),
		byID:  make(map[string]*clientConn),
	}
}

// announce records p as the peer for c and reports what the caller must send:
// on a first announcement (join), replay holds every already-registered peer
// to deliver to c before anything else; targets holds the sockets the
// announcement must be broadcast to. On a join the sender is not yet
// registered and so is absent from targets; on an update it is included and
// sees its own presence echoed.
func (r *registry) announce(c *clientConn, p Peer) (joined bool, replay []Peer, targets []*clientConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prior, exists := r.peers[c]
	joined = !exists

	if joined {
		replay = make([]Peer, 0, len(r.peers))
		for _, existing := range r.peers {
			replay = append(replay, existing)
		}
	} else if prior.ID != p.ID {
		// A client re-announcing under a new ID must not leave a stale route.
		delete(r.byID, prior.ID)
	}

	targets = make([]*clientConn, 0, len(r.peers)+1)
	for conn := range r.peers {
		targets = append(targets, conn)
	}

	r.peers[c] = p
	r.byID[p.ID] = c
	return joined, replay, targets
}

// lookup resolves a peer ID to its live socket.
func (r *registry) lookup(peerID string) (*clientConn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[peerID]
	return c, ok
}

// remove drops c's registration. It returns the departed Peer and the sockets
// that must be told about the departure; ok is false when c never announced.
func (r *registry) remove(c *clientConn) (departed Peer, targets []*clientConn, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	departed, ok = r.peers[c]
	if !ok {
		return Peer{}, nil, false
	}

	delete(r.peers, c)
	// Only unroute the ID if it still points at c; a reconnected client may
	// have re-announced the same ID from a new socket already.
	if r.byID[departed.ID] == c {
		delete(r.byID, departed.ID)
	}

	targets = make([]*clientConn, 0, len(r.peers))
	for conn := range r.peers {
		targets = append(targets, conn)
	}
	return departed, targets, true
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
