// Package rtcclient is the peer side of the signaling relay.
//
// A Client owns one socket to the relay, a peer connection per remote peer,
// and a buffer for ICE candidates that arrive before the matching peer
// connection exists. It reconnects with a fixed delay when the socket drops
// and re-announces itself so the relay's registry reflects the new socket.
package rtcclient
