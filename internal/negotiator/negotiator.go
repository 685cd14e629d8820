// Package negotiator drives one peer-connection through the signaling
// handshake: join, offer/answer, candidate trickle, terminal states.
// All transitions for a session run on a single event loop, one event
// at a time, so no two transitions ever race.
package negotiator

import (
	"context"
	"encoding/json"

	"github.com/mkarpenko/camlink/internal/signal"
)

// State is the session's position in the handshake.
type State int

const (
	StateIdle State = iota
	StateJoining
	StateAwaitingPeer
	StateNegotiating
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateAwaitingPeer:
		return "awaiting-peer"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// Status is what the UI layer renders. Reason is set for StateFailed.
type Status struct {
	State  State
	Reason string
}

// PeerLink is the one underlying peer-connection object a session owns
// exclusively. Payloads are opaque JSON; the session never inspects
// them.
type PeerLink interface {
	Start(ctx context.Context) error
	CreateOffer() (json.RawMessage, error)
	ApplyOfferCreateAnswer(offer json.RawMessage) (json.RawMessage, error)
	ApplyAnswer(answer json.RawMessage) error
	AddCandidate(candidate json.RawMessage) error
	OnLocalCandidate(func(json.RawMessage))
	OnConnected(func())
	OnFailed(func(reason string))
	Close()
}

// PeerFactory builds the PeerLink lazily: a session creates it only
// when negotiation actually starts, never while merely waiting.
type PeerFactory func() (PeerLink, error)

// Transport carries envelopes to and from the relay. Incoming must be
// closed by the implementation when the transport is lost.
type Transport interface {
	Send(signal.Envelope) error
	Incoming() <-chan signal.Envelope
	Close()
}
