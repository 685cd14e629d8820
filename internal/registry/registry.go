// Package registry owns the process-wide map of rooms and their seats.
// It is the only holder of room membership state; the relay mutates it
// through Join/Leave/Route and never touches rooms directly.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mkarpenko/camlink/internal/domain"
)

var (
	ErrRoomFull = errors.New("room full")
	ErrNoRoom   = errors.New("no such room")
	ErrNoPeer   = errors.New("no peer in room")
)

// room is one pairing context. Seats are ordered: seat zero is the
// initiator. Each room carries its own mutex so unrelated rooms never
// contend with each other.
type room struct {
	mu      sync.Mutex
	key     domain.RoomKey
	seats   []domain.ParticipantID
	touched time.Time
}

// JoinResult reports the seat assigned to a joiner. PeerID is set only
// when the join filled the second seat; it names the initiator that must
// now be told a peer arrived.
type JoinResult struct {
	Role   domain.Role
	PeerID domain.ParticipantID
}

type Registry struct {
	mu    sync.RWMutex
	rooms map[domain.RoomKey]*room

	idleTTL time.Duration
	done    chan struct{}
	once    sync.Once
}

func New(idleTTL time.Duration) *Registry {
	return &Registry{
		rooms:   make(map[domain.RoomKey]*room),
		idleTTL: idleTTL,
		done:    make(chan struct{}),
	}
}

// getOrCreate double-checks under the write lock so the common case
// (room exists) stays on the read lock.
func (r *Registry) getOrCreate(key domain.RoomKey) *room {
	r.mu.RLock()
	rm, ok := r.rooms[key]
	r.mu.RUnlock()
	if ok {
		return rm
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok = r.rooms[key]; ok {
		return rm
	}
	rm = &room{key: key, touched: time.Now()}
	r.rooms[key] = rm
	log.Info().Str("module", "registry").Str("room", string(key)).Msg("room created")
	return rm
}

func (r *Registry) get(key domain.RoomKey) (*room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[key]
	return rm, ok
}

func (r *Registry) drop(key domain.RoomKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, key)
	log.Info().Str("module", "registry").Str("room", string(key)).Msg("room deleted")
}

// Join seats a participant. The first seat in a room is the initiator,
// the second the responder; a third join is rejected with ErrRoomFull
// and mutates nothing. Seat order is decided under the room lock, so
// two concurrent joins to an empty room race for exactly one initiator
// seat.
func (r *Registry) Join(key domain.RoomKey, pid domain.ParticipantID) (JoinResult, error) {
	if err := domain.ValidateRoomKey(key); err != nil {
		return JoinResult{}, err
	}
	rm := r.getOrCreate(key)

	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.touched = time.Now()

	switch len(rm.seats) {
	case 0:
		rm.seats = append(rm.seats, pid)
		return JoinResult{Role: domain.RoleInitiator}, nil
	case 1:
		if rm.seats[0] == pid {
			// Same connection joining twice; keep the original seat.
			return JoinResult{Role: domain.RoleInitiator}, nil
		}
		rm.seats = append(rm.seats, pid)
		return JoinResult{Role: domain.RoleResponder, PeerID: rm.seats[0]}, nil
	default:
		return JoinResult{}, ErrRoomFull
	}
}

// Leave removes a seat. The room entry is deleted as soon as it empties;
// there is no grace period. When one participant survives, its id is
// returned so the caller can push a peer-left notification.
func (r *Registry) Leave(key domain.RoomKey, pid domain.ParticipantID) (domain.ParticipantID, bool) {
	rm, ok := r.get(key)
	if !ok {
		return "", false
	}

	rm.mu.Lock()
	seated := false
	for i, id := range rm.seats {
		if id == pid {
			rm.seats = append(rm.seats[:i], rm.seats[i+1:]...)
			seated = true
			break
		}
	}
	rm.touched = time.Now()
	var survivor domain.ParticipantID
	if seated && len(rm.seats) == 1 {
		survivor = rm.seats[0]
	}
	empty := len(rm.seats) == 0
	rm.mu.Unlock()

	if empty {
		r.drop(key)
	}
	return survivor, survivor != ""
}

// Route resolves the recipient for an envelope sent into a room: always
// the seat that is not the sender. ErrNoPeer covers the browser-side
// race where an offer lands before the second join; the caller drops
// the envelope and the sender keeps waiting.
func (r *Registry) Route(key domain.RoomKey, sender domain.ParticipantID) (domain.ParticipantID, error) {
	rm, ok := r.get(key)
	if !ok {
		return "", ErrNoRoom
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.touched = time.Now()

	if len(rm.seats) < 2 {
		return "", ErrNoPeer
	}
	for _, id := range rm.seats {
		if id != sender {
			return id, nil
		}
	}
	return "", ErrNoPeer
}

// Touch marks a room as seen. The relay calls it on pong frames so a
// seat held by a live but otherwise silent transport keeps its room out
// of the idle sweep.
func (r *Registry) Touch(key domain.RoomKey) {
	rm, ok := r.get(key)
	if !ok {
		return
	}
	rm.mu.Lock()
	rm.touched = time.Now()
	rm.mu.Unlock()
}

// RoomInfo is a read-only occupancy snapshot for the debug listing.
type RoomInfo struct {
	Key   domain.RoomKey `json:"key"`
	Seats int            `json:"seats"`
}

func (r *Registry) List() []RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RoomInfo, 0, len(r.rooms))
	for key, rm := range r.rooms {
		rm.mu.Lock()
		n := len(rm.seats)
		rm.mu.Unlock()
		out = append(out, RoomInfo{Key: key, Seats: n})
	}
	return out
}

// Start launches the idle sweep. It reclaims rooms with an empty or a
// lone seat that have seen no activity for idleTTL. A full room is
// never swept: once the pair is connected the handshake traffic stops,
// but both transports are still alive and their disconnect path is what
// tears the room down.
func (r *Registry) Start() {
	if r.idleTTL <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(r.idleTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
				r.sweep(time.Now())
			}
		}
	}()
}

func (r *Registry) Stop() {
	r.once.Do(func() { close(r.done) })
}

func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, rm := range r.rooms {
		rm.mu.Lock()
		idle := len(rm.seats) < 2 && now.Sub(rm.touched) > r.idleTTL
		rm.mu.Unlock()
		if idle {
			delete(r.rooms, key)
			log.Info().Str("module", "registry").Str("room", string(key)).Msg("room evicted, idle")
		}
	}
}
