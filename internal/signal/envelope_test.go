package signal

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/mkarpenko/camlink/internal/domain"
)

func TestDecode_Offer(t *testing.T) {
	raw := []byte(`{"kind":"offer","room":"abc123","sender":"p1","payload":{"type":"offer","sdp":"v=0"}}`)

	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Kind != KindOffer || env.Room != "abc123" || env.Sender != "p1" {
		t.Fatalf("unexpected envelope: %#v", env)
	}
	if len(env.Payload) == 0 {
		t.Fatalf("payload lost in decode")
	}
}

func TestDecode_RoundTrip(t *testing.T) {
	in := Envelope{
		Kind:    KindCandidate,
		Room:    domain.RoomKey("abc123"),
		Sender:  domain.ParticipantID("p2"),
		Payload: json.RawMessage(`{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host"}`),
	}

	b, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Kind != in.Kind || out.Room != in.Room || out.Sender != in.Sender {
		t.Fatalf("round trip changed envelope: %#v", out)
	}
	if string(out.Payload) != string(in.Payload) {
		t.Fatalf("round trip changed payload: %s", out.Payload)
	}
}

func TestDecode_MalformedJSON(t *testing.T) {
	if _, err := Decode([]byte(`{not json`)); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
	}
}

func TestDecode_MissingKind(t *testing.T) {
	if _, err := Decode([]byte(`{"room":"abc123"}`)); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
	}
}

func TestDecode_UnknownKindPassesThrough(t *testing.T) {
	env, err := Decode([]byte(`{"kind":"renegotiate","room":"abc123","payload":{"x":1}}`))
	if err != nil {
		t.Fatalf("unknown kind must decode, got %v", err)
	}
	if env.Known() {
		t.Fatalf("kind %q should not be known", env.Kind)
	}
	if !env.Routable() {
		t.Fatalf("unknown kind must stay routable for forward compatibility")
	}
}

func TestRoutable(t *testing.T) {
	for _, kind := range []Kind{KindOffer, KindAnswer, KindCandidate} {
		if !(Envelope{Kind: kind}).Routable() {
			t.Fatalf("%s must be routable", kind)
		}
	}
	for _, kind := range []Kind{KindJoin, KindJoined, KindPeerJoined, KindPeerLeft, KindLeave, KindError} {
		if (Envelope{Kind: kind}).Routable() {
			t.Fatalf("%s must not be routable", kind)
		}
	}
}

func TestErrorf(t *testing.T) {
	env := Errorf("abc123", "join rejected: %s", "room full")
	if env.Kind != KindError || env.Reason != "join rejected: room full" {
		t.Fatalf("unexpected error envelope: %#v", env)
	}
}
