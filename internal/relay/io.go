package relay

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mkarpenko/camlink/internal/domain"
	"github.com/mkarpenko/camlink/internal/signal"
)

const writeWait = 5 * time.Second

func (s *Service) writePump(ctx context.Context, cancel context.CancelFunc, pid domain.ParticipantID, c *Conn) {
	ticker := time.NewTicker(s.pingPeriod())
	defer func() {
		ticker.Stop()
		cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "relay").Str("pid", string(pid)).Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "relay").Str("pid", string(pid)).Msg("writePump channel closed")
				return
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump set deadline")
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Service) readPump(ctx context.Context, pid domain.ParticipantID, c *Conn) {
	defer func() {
		log.Info().Str("module", "relay").Str("pid", string(pid)).Msg("readPump closing")
		s.onDisconnect(pid)
		c.Close()
	}()

	if s.Cfg.ReadLimit > 0 {
		c.ws.SetReadLimit(s.Cfg.ReadLimit)
	}
	pongWait := s.pingPeriod() * 10 / 9
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		// Liveness extends to the seat: a quiet but responsive client
		// keeps its room out of the registry's idle sweep.
		if e, ok := s.lookup(pid); ok && e.room != "" {
			s.Registry.Touch(e.room)
		}
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "relay").Str("pid", string(pid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.ws.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Error().Err(err).Str("module", "relay").Str("pid", string(pid)).Msg("readPump read error")
				}
				return
			}
			s.handleFrame(pid, c, data)
		}
	}
}

func (s *Service) pingPeriod() time.Duration {
	if s.Cfg.PingPeriod > 0 {
		return s.Cfg.PingPeriod
	}
	return 54 * time.Second
}

func (s *Service) handleFrame(pid domain.ParticipantID, c *Conn, data []byte) {
	env, err := signal.Decode(data)
	if err != nil {
		// Malformed traffic is dropped; the connection stays open.
		log.Error().Err(err).Str("module", "relay").Str("pid", string(pid)).Msg("bad envelope")
		return
	}

	switch env.Kind {
	case signal.KindJoin:
		s.handleJoin(pid, c, env)
	case signal.KindLeave:
		s.handleLeave(pid, c)
	default:
		if env.Routable() {
			s.handleRoute(pid, env)
			return
		}
		log.Warn().Str("module", "relay").Str("kind", string(env.Kind)).Msg("unexpected envelope from client")
	}
}

func (s *Service) sendEnvelope(c *Conn, env signal.Envelope) {
	b, err := signal.Encode(env)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("encode envelope")
		return
	}
	if err := c.TrySend(b); errors.Is(err, ErrBackpressure) {
		drops := c.consecutiveDrops()
		log.Warn().Str("module", "relay").Str("kind", string(env.Kind)).Int("drops", drops).Msg("slow reader, frame dropped")
		if s.policy.OnBackpressure(drops) == KickClient {
			c.Close()
		}
	}
}
