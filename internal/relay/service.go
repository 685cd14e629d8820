// Package relay terminates one websocket per client, decodes envelopes
// and moves them between the two seats of a room via the registry. It
// never blocks one client waiting on another: delivery either succeeds
// against the send buffer or the envelope is counted against the slow
// reader.
package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mkarpenko/camlink/internal/config"
	"github.com/mkarpenko/camlink/internal/domain"
	"github.com/mkarpenko/camlink/internal/registry"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Conn wraps one websocket with a buffered outbound channel. All writes
// go through the channel and the writePump; TrySend never blocks.
type Conn struct {
	ws   *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
	drops  int
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws, send: make(chan []byte, 32)}
}

func (c *Conn) TrySend(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- data:
		c.drops = 0
	default:
		c.drops++
		return ErrBackpressure
	}
	return nil
}

// consecutiveDrops reports how many sends in a row were lost to a full
// buffer.
func (c *Conn) consecutiveDrops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drops
}

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.ws.Close()
	c.mu.Unlock()
}

// entry tracks one connected participant: its transport and, once it has
// joined, the room it is seated in. Disconnects synthesize a leave from
// this record.
type entry struct {
	conn *Conn
	room domain.RoomKey
}

// Service is the relay. One instance per process, constructed in main
// and passed by reference into the router.
type Service struct {
	Registry *registry.Registry
	Cfg      *config.Config

	policy Policy
	joins  *JoinRateLimiter

	mu      sync.RWMutex
	entries map[domain.ParticipantID]*entry
}

func NewService(reg *registry.Registry, cfg *config.Config) *Service {
	return &Service{
		Registry: reg,
		Cfg:      cfg,
		policy:   SlowReaderPolicy{KickAfter: 8},
		joins:    NewJoinRateLimiter(cfg.JoinRateLimit, cfg.JoinRateWindow),
		entries:  make(map[domain.ParticipantID]*entry),
	}
}

func (s *Service) bind(pid domain.ParticipantID, c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[pid] = &entry{conn: c}
}

func (s *Service) unbind(pid domain.ParticipantID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, pid)
}

func (s *Service) lookup(pid domain.ParticipantID) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[pid]
	return e, ok
}

func (s *Service) setRoom(pid domain.ParticipantID, key domain.RoomKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[pid]; ok {
		e.room = key
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and serves the connection until the
// transport drops. The participant id is connection-scoped; a reconnect
// is a brand new participant.
func (s *Service) HandleSignal(ctx context.Context, c *gin.Context) {
	pid := domain.NewParticipantID()
	log.Info().Str("module", "relay").Str("pid", string(pid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}

	conn := newConn(ws)
	s.bind(pid, conn)

	ctx, cancel := context.WithCancel(ctx)
	go s.writePump(ctx, cancel, pid, conn)
	go s.readPump(ctx, pid, conn)
}
