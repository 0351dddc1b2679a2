package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

type Kind string

const (
	KindPeer      Kind = "peer"
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
)

// Peer is the relay's public view of a connected client. Lifetime is bounded
// by the socket that announced it.
type Peer struct {
	ID      string `json:"id"`
	UserID  string `json:"userId"`
	Name    string `json:"name,omitempty"`
	Removed bool   `json:"removed,omitempty"`
}

// DisplayName returns the peer's display label, defaulting to its ID.
func (p Peer) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// Offer carries an SDP offer from Source to Target (both peer IDs).
type Offer struct {
	Source string `json:"source"`
	Target string `json:"target"`
	SDP    string `json:"sdp"`
}

// Answer is structurally identical to Offer; Source still names the original
// offeror, so the relay routes answers by Source rather than Target.
type Answer struct {
	Source string `json:"source"`
	Target string `json:"target"`
	SDP    string `json:"sdp"`
}

// Candidate carries one ICE candidate from peer ID to Target.
type Candidate struct {
	ID        string                  `json:"id"`
	Target    string                  `json:"target"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// Message is the tagged union exchanged over the signaling socket. Exactly one
// payload pointer is set, matching Type.
//
// Wire shape: {"type": "...", "data": {...}}.
type Message struct {
	Type      Kind
	Peer      *Peer
	Offer     *Offer
	Answer    *Answer
	Candidate *Candidate
}

func NewPeerMessage(p Peer) Message           { return Message{Type: KindPeer, Peer: &p} }
func NewOfferMessage(o Offer) Message         { return Message{Type: KindOffer, Offer: &o} }
func NewAnswerMessage(a Answer) Message       { return Message{Type: KindAnswer, Answer: &a} }
func NewCandidateMessage(c Candidate) Message { return Message{Type: KindCandidate, Candidate: &c} }

type envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	var payload any
	switch m.Type {
	case KindPeer:
		payload = m.Peer
	case KindOffer:
		payload = m.Offer
	case KindAnswer:
		payload = m.Answer
	case KindCandidate:
		payload = m.Candidate
	default:
		return nil, fmt.Errorf("unsupported message type %q", m.Type)
	}
	if payload == nil {
		return nil, fmt.Errorf("%s message missing payload", m.Type)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: m.Type, Data: data})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("%s message missing data", env.Type)
	}

	out := Message{Type: env.Type}
	switch env.Type {
	case KindPeer:
		out.Peer = &Peer{}
		if err := json.Unmarshal(env.Data, out.Peer); err != nil {
			return err
		}
	case KindOffer:
		out.Offer = &Offer{}
		if err := json.Unmarshal(env.Data, out.Offer); err != nil {
			return err
		}
	case KindAnswer:
		out.Answer = &Answer{}
		if err := json.Unmarshal(env.Data, out.Answer); err != nil {
			return err
		}
	case KindCandidate:
		out.Candidate = &Candidate{}
		if err := json.Unmarshal(env.Data, out.Candidate); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported message type %q", env.Type)
	}

	if err := out.validate(); err != nil {
		return err
	}
	*m = out
	return nil
}

// ParseMessage decodes and validates one signaling frame.
func ParseMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (m Message) validate() error {
	switch m.Type {
	case KindPeer:
		if m.Peer.ID == "" {
			return fmt.Errorf("peer message missing id")
		}
	case KindOffer:
		if m.Offer.Source == "" || m.Offer.Target == "" {
			return fmt.Errorf("offer message missing source/target")
		}
		if m.Offer.SDP == "" {
			return fmt.Errorf("offer message missing sdp")
		}
	case KindAnswer:
		if m.Answer.Source == "" || m.Answer.Target == "" {
			return fmt.Errorf("answer message missing source/target")
		}
		if m.Answer.SDP == "" {
			return fmt.Errorf("answer message missing sdp")
		}
	case KindCandidate:
		if m.Candidate.ID == "" || m.Candidate.Target == "" {
			return fmt.Errorf("candidate message missing id/target")
		}
	}
	return nil
}
