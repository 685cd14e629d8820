package negotiator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mkarpenko/camlink/internal/domain"
	"github.com/mkarpenko/camlink/internal/signal"
)

type fakeTransport struct {
	in   chan signal.Envelope
	sent chan signal.Envelope

	mu     sync.Mutex
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:   make(chan signal.Envelope, 16),
		sent: make(chan signal.Envelope, 64),
	}
}

func (f *fakeTransport) Send(env signal.Envelope) error {
	f.sent <- env
	return nil
}

func (f *fakeTransport) Incoming() <-chan signal.Envelope { return f.in }

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.in)
}

func (f *fakeTransport) push(env signal.Envelope) { f.in <- env }

type fakePeer struct {
	mu         sync.Mutex
	started    bool
	closed     bool
	candidates []string
	answered   bool
	gotAnswer  bool

	onLocalCand func(json.RawMessage)
	onConnected func()
	onFailed    func(string)
}

func (p *fakePeer) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
	return nil
}

func (p *fakePeer) CreateOffer() (json.RawMessage, error) {
	return json.RawMessage(`{"type":"offer","sdp":"v=0"}`), nil
}

func (p *fakePeer) ApplyOfferCreateAnswer(offer json.RawMessage) (json.RawMessage, error) {
	p.mu.Lock()
	p.answered = true
	p.mu.Unlock()
	return json.RawMessage(`{"type":"answer","sdp":"v=0"}`), nil
}

func (p *fakePeer) ApplyAnswer(answer json.RawMessage) error {
	p.mu.Lock()
	p.gotAnswer = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) AddCandidate(candidate json.RawMessage) error {
	p.mu.Lock()
	p.candidates = append(p.candidates, string(candidate))
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) OnLocalCandidate(fn func(json.RawMessage)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLocalCand = fn
}

func (p *fakePeer) OnConnected(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnected = fn
}

func (p *fakePeer) OnFailed(fn func(string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFailed = fn
}

func (p *fakePeer) localCandFn() func(json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLocalCand
}

func (p *fakePeer) connectedFn() func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onConnected
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePeer) candidateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.candidates)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// harness wires a session to fakes and records status transitions.
type harness struct {
	transport *fakeTransport
	peer      *fakePeer
	sess      *Session
	statuses  chan Status
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		transport: newFakeTransport(),
		peer:      &fakePeer{},
		statuses:  make(chan Status, 32),
	}
	h.sess = NewSession("abc123", h.transport, func() (PeerLink, error) {
		return h.peer, nil
	}, func(st Status) { h.statuses <- st })
	return h
}

func (h *harness) join(t *testing.T) {
	t.Helper()
	if err := h.sess.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	h.waitState(t, StateJoining)
	h.expectSent(t, signal.KindJoin)
}

func (h *harness) waitState(t *testing.T, want State) Status {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-h.statuses:
			if st.State == want {
				return st
			}
			if st.State.Terminal() && !want.Terminal() {
				t.Fatalf("reached terminal %s (%s) while waiting for %s", st.State, st.Reason, want)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func (h *harness) expectSent(t *testing.T, want signal.Kind) signal.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-h.transport.sent:
			if env.Kind == want {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for outbound %s", want)
		}
	}
}

func seated(role domain.Role) signal.Envelope {
	return signal.Envelope{Kind: signal.KindJoined, Room: "abc123", Role: role.String()}
}

func offerEnv() signal.Envelope {
	return signal.Envelope{Kind: signal.KindOffer, Room: "abc123", Sender: "peer", Payload: json.RawMessage(`{"type":"offer","sdp":"v=0"}`)}
}

func TestInitiatorHandshake(t *testing.T) {
	h := newHarness(t)
	h.join(t)

	h.transport.push(seated(domain.RoleInitiator))
	h.waitState(t, StateAwaitingPeer)

	h.transport.push(signal.Envelope{Kind: signal.KindPeerJoined, Room: "abc123", Sender: "peer"})
	h.expectSent(t, signal.KindOffer)
	h.waitState(t, StateNegotiating)

	h.transport.push(signal.Envelope{Kind: signal.KindAnswer, Room: "abc123", Sender: "peer", Payload: json.RawMessage(`{"type":"answer","sdp":"v=0"}`)})
	waitFor(t, func() bool {
		h.peer.mu.Lock()
		defer h.peer.mu.Unlock()
		return h.peer.gotAnswer
	})

	// Transport-level connect completes the handshake.
	h.peer.connectedFn()()
	h.waitState(t, StateConnected)

	h.sess.Leave()
	h.waitState(t, StateClosed)
	h.sess.Wait()
}

func TestResponderHandshake(t *testing.T) {
	h := newHarness(t)
	h.join(t)

	h.transport.push(seated(domain.RoleResponder))
	h.waitState(t, StateAwaitingPeer)

	h.transport.push(offerEnv())
	h.expectSent(t, signal.KindAnswer)
	h.waitState(t, StateNegotiating)

	waitFor(t, func() bool { return h.peer.connectedFn() != nil })
	h.peer.connectedFn()()
	h.waitState(t, StateConnected)

	h.sess.Leave()
	h.sess.Wait()
}

func TestResponder_OfferBeforeSeatConfirmation(t *testing.T) {
	h := newHarness(t)
	h.join(t)

	// Race: the initiator's offer lands before our own seat confirmation.
	h.transport.push(offerEnv())
	h.transport.push(seated(domain.RoleResponder))

	h.expectSent(t, signal.KindAnswer)
	h.waitState(t, StateNegotiating)

	h.sess.Leave()
	h.sess.Wait()
}

func TestInitiatorReceivingOfferFails(t *testing.T) {
	h := newHarness(t)
	h.join(t)

	h.transport.push(seated(domain.RoleInitiator))
	h.waitState(t, StateAwaitingPeer)

	h.transport.push(offerEnv())
	st := h.waitState(t, StateFailed)
	if !strings.Contains(st.Reason, "protocol violation") {
		t.Fatalf("reason = %q, want protocol violation", st.Reason)
	}
	h.sess.Wait()
}

func TestCandidateIdempotence(t *testing.T) {
	h := newHarness(t)
	h.join(t)

	h.transport.push(seated(domain.RoleResponder))
	h.transport.push(offerEnv())
	h.waitState(t, StateNegotiating)

	cand := signal.Envelope{Kind: signal.KindCandidate, Room: "abc123", Sender: "peer", Payload: json.RawMessage(`{"candidate":"candidate:1"}`)}
	h.transport.push(cand)
	h.transport.push(cand)
	h.transport.push(cand)

	waitFor(t, func() bool { return h.peer.candidateCount() >= 1 })
	// Give the loop a beat to (incorrectly) apply duplicates.
	time.Sleep(50 * time.Millisecond)
	if n := h.peer.candidateCount(); n != 1 {
		t.Fatalf("candidate applied %d times, want 1", n)
	}

	h.sess.Leave()
	h.sess.Wait()
}

func TestCandidatesBufferedUntilPeerExists(t *testing.T) {
	h := newHarness(t)
	h.join(t)

	h.transport.push(seated(domain.RoleResponder))
	h.waitState(t, StateAwaitingPeer)

	// Candidates ahead of the offer must not be lost.
	h.transport.push(signal.Envelope{Kind: signal.KindCandidate, Room: "abc123", Sender: "peer", Payload: json.RawMessage(`{"candidate":"candidate:1"}`)})
	h.transport.push(offerEnv())
	h.waitState(t, StateNegotiating)

	waitFor(t, func() bool { return h.peer.candidateCount() == 1 })

	h.sess.Leave()
	h.sess.Wait()
}

func TestPeerLeftClosesAndReleases(t *testing.T) {
	h := newHarness(t)
	h.join(t)

	h.transport.push(seated(domain.RoleResponder))
	h.transport.push(offerEnv())
	h.waitState(t, StateNegotiating)

	h.transport.push(signal.Envelope{Kind: signal.KindPeerLeft, Room: "abc123", Sender: "peer"})
	h.waitState(t, StateClosed)
	h.sess.Wait()

	if !h.peer.isClosed() {
		t.Fatalf("peer link must be released on peer-left")
	}
}

func TestTransportLossClosesSession(t *testing.T) {
	h := newHarness(t)
	h.join(t)

	h.transport.push(seated(domain.RoleInitiator))
	h.waitState(t, StateAwaitingPeer)

	h.transport.Close()
	h.waitState(t, StateClosed)
	h.sess.Wait()
}

func TestJoinRejectedSurfacesFailure(t *testing.T) {
	h := newHarness(t)
	h.join(t)

	h.transport.push(signal.Envelope{Kind: signal.KindError, Room: "abc123", Reason: "join rejected: room full"})
	st := h.waitState(t, StateFailed)
	if !strings.Contains(st.Reason, "room full") {
		t.Fatalf("reason = %q", st.Reason)
	}
	h.sess.Wait()
}

func TestNegotiateTimeout(t *testing.T) {
	h := newHarness(t)
	h.sess.SetNegotiateTimeout(30 * time.Millisecond)
	h.join(t)

	h.transport.push(seated(domain.RoleResponder))
	h.transport.push(offerEnv())
	h.waitState(t, StateNegotiating)

	st := h.waitState(t, StateFailed)
	if !strings.Contains(st.Reason, "timed out") {
		t.Fatalf("reason = %q", st.Reason)
	}
	h.sess.Wait()

	if !h.peer.isClosed() {
		t.Fatalf("peer link must be released on timeout failure")
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.join(t)

	h.transport.push(seated(domain.RoleInitiator))
	h.waitState(t, StateAwaitingPeer)

	h.sess.Leave()
	h.sess.Leave()
	h.sess.Leave()
	h.waitState(t, StateClosed)
	h.sess.Wait()
}

func TestLocalCandidatesForwardedWhileNegotiating(t *testing.T) {
	h := newHarness(t)
	h.join(t)

	h.transport.push(seated(domain.RoleResponder))
	h.transport.push(offerEnv())
	h.waitState(t, StateNegotiating)

	waitFor(t, func() bool { return h.peer.localCandFn() != nil })
	h.peer.localCandFn()(json.RawMessage(`{"candidate":"candidate:local"}`))

	env := h.expectSent(t, signal.KindCandidate)
	if !strings.Contains(string(env.Payload), "candidate:local") {
		t.Fatalf("unexpected candidate payload: %s", env.Payload)
	}

	h.sess.Leave()
	h.sess.Wait()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never satisfied")
}
