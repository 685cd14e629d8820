// Package signal defines the wire messages exchanged between clients
// and the relay. It is a pure codec: no routing, no payload inspection.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mkarpenko/camlink/internal/domain"
)

// Kind tags an envelope. Offer, answer and candidate payloads are opaque
// to everything in this module; the relay forwards them verbatim.
type Kind string

const (
	KindJoin       Kind = "join"
	KindJoined     Kind = "joined"
	KindPeerJoined Kind = "peer-joined"
	KindPeerLeft   Kind = "peer-left"
	KindOffer      Kind = "offer"
	KindAnswer     Kind = "answer"
	KindCandidate  Kind = "candidate"
	KindLeave      Kind = "leave"
	KindError      Kind = "error"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is one signaling message. Payload stays raw JSON so unknown
// or future payload shapes pass through the relay untouched.
type Envelope struct {
	Kind    Kind                 `json:"kind"`
	Room    domain.RoomKey       `json:"room,omitempty"`
	Sender  domain.ParticipantID `json:"sender,omitempty"`
	Role    string               `json:"role,omitempty"`
	Payload json.RawMessage      `json:"payload,omitempty"`
	Reason  string               `json:"reason,omitempty"`
}

// Known reports whether the kind is one this module defines. Unknown
// kinds are still decodable and routable; they are never an error.
func (e Envelope) Known() bool {
	switch e.Kind {
	case KindJoin, KindJoined, KindPeerJoined, KindPeerLeft,
		KindOffer, KindAnswer, KindCandidate, KindLeave, KindError:
		return true
	}
	return false
}

// Routable reports whether the relay should forward this envelope to
// the peer rather than interpret it itself. Unknown kinds are routable
// for forward compatibility.
func (e Envelope) Routable() bool {
	switch e.Kind {
	case KindOffer, KindAnswer, KindCandidate:
		return true
	}
	return !e.Known()
}

// Decode parses wire bytes into an Envelope. Broken JSON or a missing
// kind yields ErrMalformedEnvelope; an unrecognized kind does not.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Kind == "" {
		return Envelope{}, fmt.Errorf("%w: missing kind", ErrMalformedEnvelope)
	}
	return env, nil
}

// Encode renders an Envelope to wire bytes.
func Encode(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// Errorf builds an error envelope with a user-visible reason.
func Errorf(room domain.RoomKey, format string, args ...any) Envelope {
	return Envelope{
		Kind:   KindError,
		Room:   room,
		Reason: fmt.Sprintf(format, args...),
	}
}
