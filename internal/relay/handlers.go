package relay

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/mkarpenko/camlink/internal/domain"
	"github.com/mkarpenko/camlink/internal/registry"
	"github.com/mkarpenko/camlink/internal/signal"
)

func (s *Service) handleJoin(pid domain.ParticipantID, c *Conn, env signal.Envelope) {
	if !s.joins.Allow(pid) {
		log.Warn().Str("module", "relay").Str("pid", string(pid)).Str("room", string(env.Room)).Msg("join rate limited")
		s.sendEnvelope(c, signal.Errorf(env.Room, "join rejected: too many attempts"))
		return
	}

	res, err := s.Registry.Join(env.Room, pid)
	if err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("pid", string(pid)).Str("room", string(env.Room)).Msg("join rejected")
		s.sendEnvelope(c, signal.Errorf(env.Room, "join rejected: %v", err))
		return
	}

	// A second join moves the participant; the seat in the old room is
	// vacated so the abandoned peer still observes the departure.
	if e, ok := s.lookup(pid); ok && e.room != "" && e.room != env.Room {
		log.Info().Str("module", "relay").Str("pid", string(pid)).Str("old_room", string(e.room)).Str("room", string(env.Room)).Msg("moving rooms")
		s.notifyLeave(e.room, pid)
	}

	s.setRoom(pid, env.Room)
	log.Info().Str("module", "relay").Str("pid", string(pid)).Str("room", string(env.Room)).Str("role", res.Role.String()).Msg("seated")

	s.sendEnvelope(c, signal.Envelope{
		Kind: signal.KindJoined,
		Room: env.Room,
		Role: res.Role.String(),
	})

	// Filling the second seat wakes the initiator: it is the one that
	// must create the offer.
	if res.PeerID != "" {
		s.pushTo(res.PeerID, signal.Envelope{
			Kind:   signal.KindPeerJoined,
			Room:   env.Room,
			Sender: pid,
		})
	}
}

func (s *Service) handleLeave(pid domain.ParticipantID, c *Conn) {
	e, ok := s.lookup(pid)
	if !ok || e.room == "" {
		return
	}
	room := e.room
	s.setRoom(pid, "")

	log.Info().Str("module", "relay").Str("pid", string(pid)).Str("room", string(room)).Msg("leave")
	s.notifyLeave(room, pid)
}

// handleRoute forwards offer/answer/candidate (and unknown kinds) to
// the other seat. Routing misses are drop-with-log: the sender may
// simply be ahead of its peer and must not be disconnected for it.
func (s *Service) handleRoute(pid domain.ParticipantID, env signal.Envelope) {
	recipient, err := s.Registry.Route(env.Room, pid)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrNoPeer):
			log.Warn().Str("module", "relay").Str("pid", string(pid)).Str("room", string(env.Room)).Str("kind", string(env.Kind)).Msg("no peer yet, dropping")
		case errors.Is(err, registry.ErrNoRoom):
			log.Warn().Str("module", "relay").Str("pid", string(pid)).Str("room", string(env.Room)).Str("kind", string(env.Kind)).Msg("unknown room, dropping")
		default:
			log.Error().Err(err).Str("module", "relay").Str("pid", string(pid)).Msg("route")
		}
		return
	}

	// Stamp the sender so the recipient can spot stale senders after a
	// reconnect.
	env.Sender = pid
	s.pushTo(recipient, env)
}

// onDisconnect runs when a transport drops without an explicit leave.
// Disconnection is a first-class event: it synthesizes the same leave
// path the envelope would have taken.
func (s *Service) onDisconnect(pid domain.ParticipantID) {
	e, ok := s.lookup(pid)
	if ok && e.room != "" {
		s.notifyLeave(e.room, pid)
	}
	s.unbind(pid)
	s.joins.Forget(pid)
	log.Info().Str("module", "relay").Str("pid", string(pid)).Msg("disconnected")
}

func (s *Service) notifyLeave(room domain.RoomKey, pid domain.ParticipantID) {
	survivor, ok := s.Registry.Leave(room, pid)
	if !ok {
		return
	}
	s.pushTo(survivor, signal.Envelope{
		Kind:   signal.KindPeerLeft,
		Room:   room,
		Sender: pid,
	})
}

func (s *Service) pushTo(pid domain.ParticipantID, env signal.Envelope) {
	e, ok := s.lookup(pid)
	if !ok {
		log.Warn().Str("module", "relay").Str("pid", string(pid)).Msg("push: no transport bound")
		return
	}
	s.sendEnvelope(e.conn, env)
}
