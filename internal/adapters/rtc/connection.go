package rtc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mkarpenko/camlink/internal/domain"
)

// Connection wraps one pion PeerConnection behind opaque JSON payloads
// so the negotiator never handles SDP or candidate structure itself.
type Connection struct {
	pc      *webrtc.PeerConnection
	pid     domain.ParticipantID
	sending bool

	onICE       func(json.RawMessage)
	onConnected func()
	onFailed    func(reason string)
}

func DefaultWebRTCConfig(stunServers []string) webrtc.Configuration {
	if len(stunServers) == 0 {
		stunServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	}
}

func NewConnection(cfg webrtc.Configuration, pid domain.ParticipantID) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &Connection{pc: pc, pid: pid}, nil
}

func (c *Connection) Start(ctx context.Context) error {
	// A sending side negotiates through its attached track; only a pure
	// receiver needs the explicit recv transceiver.
	if !c.sending {
		if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo); err != nil {
			return fmt.Errorf("add video transceiver: %w", err)
		}
	}

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("pid", string(c.pid)).Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("pid", string(c.pid)).Str("peer_connection_state", s.String()).Msg("peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			if c.onConnected != nil {
				c.onConnected()
			}
		case webrtc.PeerConnectionStateFailed:
			if c.onFailed != nil {
				c.onFailed("peer connection failed")
			}
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || c.onICE == nil {
			return
		}
		b, err := json.Marshal(cand.ToJSON())
		if err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("marshal candidate")
			return
		}
		c.onICE(b)
	})

	return nil
}

func (c *Connection) CreateOffer() (json.RawMessage, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(c.pc.LocalDescription())
}

func (c *Connection) ApplyOfferCreateAnswer(payload json.RawMessage) (json.RawMessage, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &offer); err != nil {
		return nil, fmt.Errorf("parse offer: %w", err)
	}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(c.pc.LocalDescription())
}

func (c *Connection) ApplyAnswer(payload json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &answer); err != nil {
		return fmt.Errorf("parse answer: %w", err)
	}
	return c.pc.SetRemoteDescription(answer)
}

func (c *Connection) AddCandidate(payload json.RawMessage) error {
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &ci); err != nil {
		return fmt.Errorf("parse candidate: %w", err)
	}
	return c.pc.AddICECandidate(ci)
}

// AddLocalTrack attaches a local static RTP track. Must be called
// before Start so the offer carries the send direction.
func (c *Connection) AddLocalTrack(track *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error) {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	c.sending = true
	return sender, nil
}

// OnTrack sets application-level callback for remote tracks.
func (c *Connection) OnTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.pc.OnTrack(fn)
}

func (c *Connection) OnLocalCandidate(fn func(json.RawMessage)) { c.onICE = fn }
func (c *Connection) OnConnected(fn func())                     { c.onConnected = fn }
func (c *Connection) OnFailed(fn func(reason string))           { c.onFailed = fn }

func (c *Connection) Close() {
	if c.pc != nil {
		if err := c.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("pid", string(c.pid)).Msg("close error")
		} else {
			log.Info().Str("module", "rtc").Str("pid", string(c.pid)).Msg("closed")
		}
	}
}
