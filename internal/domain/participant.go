// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxRoomKeyLen = 64

var (
	ErrRoomKeyEmpty   = errors.New("room key empty")
	ErrRoomKeyTooLong = errors.New("room key too long")
)

type (
	// RoomKey identifies a room. It is opaque and caller-supplied;
	// uniqueness is the caller's problem.
	RoomKey string

	// ParticipantID is assigned by the relay, scoped to one transport
	// connection. A reconnect gets a fresh id.
	ParticipantID string
)

// Role is decided by join order: the first seat in a room is the
// initiator and stays the initiator for the life of the room.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// Participant is one seat in a room.
type Participant struct {
	ID   ParticipantID
	Room RoomKey
	Role Role
}

// NewParticipantID mints a fresh connection-scoped id.
func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

// ValidateRoomKey rejects keys the registry will not seat.
func ValidateRoomKey(key RoomKey) error {
	if len(key) == 0 {
		return ErrRoomKeyEmpty
	}
	if len(key) > MaxRoomKeyLen {
		return ErrRoomKeyTooLong
	}
	return nil
}
