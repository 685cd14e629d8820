package negotiator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mkarpenko/camlink/internal/domain"
	"github.com/mkarpenko/camlink/internal/signal"
)

// event is the single unit the session loop consumes. Exactly one of
// the fields is meaningful.
type event struct {
	env       *signal.Envelope
	localCand json.RawMessage
	connected bool
	failed    string
	timeout   bool
	leave     bool
}

// Session is one room membership. Create with NewSession, drive with
// Join, stop with Leave. All mutable fields below events are owned by
// the run loop goroutine and touched nowhere else.
type Session struct {
	room             domain.RoomKey
	transport        Transport
	newPeer          PeerFactory
	onStatus         func(Status)
	negotiateTimeout time.Duration

	events    chan event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	state        State
	role         domain.Role
	peer         PeerLink
	pendingOffer json.RawMessage
	pendingCands []json.RawMessage
	seenCands    map[string]struct{}
	timer        *time.Timer
}

func NewSession(room domain.RoomKey, transport Transport, factory PeerFactory, onStatus func(Status)) *Session {
	if onStatus == nil {
		onStatus = func(Status) {}
	}
	return &Session{
		room:      room,
		transport: transport,
		newPeer:   factory,
		onStatus:  onStatus,
		events:    make(chan event, 32),
		done:      make(chan struct{}),
		state:     StateIdle,
		seenCands: make(map[string]struct{}),
	}
}

// SetNegotiateTimeout bounds the Negotiating state. Zero disables the
// bound. Must be called before Join.
func (s *Session) SetNegotiateTimeout(d time.Duration) {
	s.negotiateTimeout = d
}

// Join sends the join envelope and starts the event loop. It may be
// called once per session.
func (s *Session) Join(ctx context.Context) error {
	s.setState(StateJoining, "")
	if err := s.transport.Send(signal.Envelope{Kind: signal.KindJoin, Room: s.room}); err != nil {
		s.setState(StateFailed, "cannot reach relay: "+err.Error())
		return err
	}

	s.wg.Add(2)
	go s.forwardIncoming()
	go s.run(ctx)
	return nil
}

// Leave requests a clean shutdown. Idempotent and safe from any state,
// including mid-transition: it only posts an event, the loop does the
// releasing.
func (s *Session) Leave() {
	select {
	case s.events <- event{leave: true}:
	case <-s.done:
	}
}

// Wait blocks until the session has fully stopped.
func (s *Session) Wait() {
	s.wg.Wait()
}

// forwardIncoming funnels relay envelopes into the one event stream.
// Transport loss closes Incoming; it is mapped to a leave so closing
// follows the exact same path as an explicit one.
func (s *Session) forwardIncoming() {
	defer s.wg.Done()
	for env := range s.transport.Incoming() {
		e := env
		select {
		case s.events <- event{env: &e}:
		case <-s.done:
			return
		}
	}
	select {
	case s.events <- event{leave: true}:
	case <-s.done:
	}
}

func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()
	defer s.release()

	for {
		select {
		case <-ctx.Done():
			s.setState(StateClosed, "")
			return
		case ev := <-s.events:
			s.handle(ctx, ev)
			if s.state.Terminal() {
				return
			}
		}
	}
}

func (s *Session) handle(ctx context.Context, ev event) {
	switch {
	case ev.leave:
		s.setState(StateClosed, "")
	case ev.timeout:
		if s.state == StateNegotiating {
			s.fail("negotiation timed out")
		}
	case ev.connected:
		if s.state == StateNegotiating {
			s.stopTimer()
			s.setState(StateConnected, "")
		}
	case ev.failed != "":
		s.fail(ev.failed)
	case ev.localCand != nil:
		s.sendCandidate(ev.localCand)
	case ev.env != nil:
		s.handleEnvelope(ctx, *ev.env)
	}
}

func (s *Session) handleEnvelope(ctx context.Context, env signal.Envelope) {
	switch env.Kind {
	case signal.KindJoined:
		s.handleJoined(ctx, env)
	case signal.KindPeerJoined:
		s.handlePeerJoined(ctx)
	case signal.KindOffer:
		s.handleOffer(ctx, env)
	case signal.KindAnswer:
		s.handleAnswer(env)
	case signal.KindCandidate:
		s.handleCandidate(env)
	case signal.KindPeerLeft:
		log.Info().Str("module", "negotiator").Str("room", string(s.room)).Msg("peer left")
		s.setState(StateClosed, "")
	case signal.KindError:
		s.fail(env.Reason)
	default:
		log.Warn().Str("module", "negotiator").Str("kind", string(env.Kind)).Msg("ignoring envelope")
	}
}

func (s *Session) handleJoined(ctx context.Context, env signal.Envelope) {
	if s.state != StateJoining {
		return
	}
	if env.Role == domain.RoleInitiator.String() {
		s.role = domain.RoleInitiator
	} else {
		s.role = domain.RoleResponder
	}
	log.Info().Str("module", "negotiator").Str("room", string(s.room)).Str("role", s.role.String()).Msg("seated")

	// An offer may have arrived before our seat confirmation; the relay
	// orders per sender, not across senders. Apply it now.
	if s.pendingOffer != nil {
		if s.role == domain.RoleInitiator {
			log.Error().Str("module", "negotiator").Str("room", string(s.room)).Msg("initiator received offer")
			s.fail("protocol violation: unexpected offer")
			return
		}
		offer := s.pendingOffer
		s.pendingOffer = nil
		s.answerOffer(ctx, offer)
		return
	}
	s.setState(StateAwaitingPeer, "")
}

func (s *Session) handlePeerJoined(ctx context.Context) {
	if s.state != StateAwaitingPeer {
		return
	}
	if s.role != domain.RoleInitiator {
		// Only the initiator acts on peer arrival; the responder waits
		// for the offer itself.
		return
	}
	if !s.ensurePeer(ctx) {
		return
	}
	offer, err := s.peer.CreateOffer()
	if err != nil {
		s.fail("create offer: " + err.Error())
		return
	}
	if err := s.transport.Send(signal.Envelope{Kind: signal.KindOffer, Room: s.room, Payload: offer}); err != nil {
		s.fail("send offer: " + err.Error())
		return
	}
	s.startNegotiating()
}

func (s *Session) handleOffer(ctx context.Context, env signal.Envelope) {
	if s.role == domain.RoleInitiator && s.state != StateJoining {
		// Two initiators in one room is a protocol violation, not
		// something to merge silently.
		log.Error().Str("module", "negotiator").Str("room", string(s.room)).Msg("initiator received offer")
		s.fail("protocol violation: unexpected offer")
		return
	}
	switch s.state {
	case StateJoining:
		s.pendingOffer = env.Payload
	case StateAwaitingPeer:
		s.answerOffer(ctx, env.Payload)
	default:
		log.Warn().Str("module", "negotiator").Str("state", s.state.String()).Msg("offer ignored")
	}
}

func (s *Session) answerOffer(ctx context.Context, offer json.RawMessage) {
	if !s.ensurePeer(ctx) {
		return
	}
	answer, err := s.peer.ApplyOfferCreateAnswer(offer)
	if err != nil {
		s.fail("apply offer: " + err.Error())
		return
	}
	if err := s.transport.Send(signal.Envelope{Kind: signal.KindAnswer, Room: s.room, Payload: answer}); err != nil {
		s.fail("send answer: " + err.Error())
		return
	}
	s.startNegotiating()
}

func (s *Session) handleAnswer(env signal.Envelope) {
	if s.state != StateNegotiating || s.role != domain.RoleInitiator {
		log.Warn().Str("module", "negotiator").Str("state", s.state.String()).Msg("answer ignored")
		return
	}
	if err := s.peer.ApplyAnswer(env.Payload); err != nil {
		s.fail("apply answer: " + err.Error())
	}
}

// handleCandidate applies a remote candidate. Duplicates are a no-op
// and candidates that arrive before the peer link exists are buffered.
func (s *Session) handleCandidate(env signal.Envelope) {
	key := string(env.Payload)
	if _, seen := s.seenCands[key]; seen {
		return
	}
	s.seenCands[key] = struct{}{}

	if s.peer == nil {
		s.pendingCands = append(s.pendingCands, env.Payload)
		return
	}
	if err := s.peer.AddCandidate(env.Payload); err != nil {
		// Tolerated: out-of-order or unusable candidates are part of
		// normal trickle traffic.
		log.Warn().Err(err).Str("module", "negotiator").Msg("add candidate")
	}
}

// ensurePeer creates the peer-connection object lazily, exactly once.
func (s *Session) ensurePeer(ctx context.Context) bool {
	if s.peer != nil {
		return true
	}
	peer, err := s.newPeer()
	if err != nil {
		s.fail("create peer connection: " + err.Error())
		return false
	}
	s.peer = peer

	peer.OnLocalCandidate(func(c json.RawMessage) {
		select {
		case s.events <- event{localCand: c}:
		case <-s.done:
		}
	})
	peer.OnConnected(func() {
		select {
		case s.events <- event{connected: true}:
		case <-s.done:
		}
	})
	peer.OnFailed(func(reason string) {
		select {
		case s.events <- event{failed: reason}:
		case <-s.done:
		}
	})

	if err := peer.Start(ctx); err != nil {
		s.fail("start peer connection: " + err.Error())
		return false
	}

	for _, cand := range s.pendingCands {
		if err := peer.AddCandidate(cand); err != nil {
			log.Warn().Err(err).Str("module", "negotiator").Msg("add buffered candidate")
		}
	}
	s.pendingCands = nil
	return true
}

func (s *Session) startNegotiating() {
	s.setState(StateNegotiating, "")
	if s.negotiateTimeout > 0 {
		s.timer = time.AfterFunc(s.negotiateTimeout, func() {
			select {
			case s.events <- event{timeout: true}:
			case <-s.done:
			}
		})
	}
}

func (s *Session) sendCandidate(cand json.RawMessage) {
	if s.state != StateNegotiating && s.state != StateConnected {
		return
	}
	if err := s.transport.Send(signal.Envelope{Kind: signal.KindCandidate, Room: s.room, Payload: cand}); err != nil {
		log.Warn().Err(err).Str("module", "negotiator").Msg("send candidate")
	}
}

func (s *Session) fail(reason string) {
	s.stopTimer()
	s.setState(StateFailed, reason)
}

func (s *Session) setState(state State, reason string) {
	if s.state.Terminal() {
		return
	}
	s.state = state
	log.Info().Str("module", "negotiator").Str("room", string(s.room)).Str("state", state.String()).Msg("transition")
	s.onStatus(Status{State: state, Reason: reason})
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// release runs on every loop exit, whichever path led there. The peer
// link and the transport are always returned.
func (s *Session) release() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.stopTimer()
		if s.peer != nil {
			s.peer.Close()
			s.peer = nil
		}
		_ = s.transport.Send(signal.Envelope{Kind: signal.KindLeave, Room: s.room})
		s.transport.Close()
	})
}
