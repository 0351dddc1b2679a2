// Package signaling implements the relay's WebSocket signaling surface: it
// authenticates upgrades, tracks which peers are live, and forwards SDP
// offers/answers and ICE candidates between them.
//
// The relay never inspects media. Frames it cannot parse are dropped and
// frames addressed to departed peers vanish silently; both are normal races,
// not errors.
package signaling
