package ws

import (
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	log "github.com/sirupsen/logrus"

	"crashout/internal/game"
	"crashout/internal/money"
	"crashout/internal/store"
)

const (
	sendBufferSize = 128
	pingInterval   = 15 * time.Second
	writeWait      = 10 * time.Second
	inboundPerSec  = 10
	inboundWindow  = time.Second

	// PongWait is how long a socket may go without answering pings before
	// it is terminated.
	PongWait = 45 * time.Second
)

// Session is one live connection bound to a user or a guest identity.
// Sessions are transient: closing the socket destroys them, durable wagers
// survive.
type Session struct {
	ID     string
	Player game.PlayerKey
	UserID int64
	Guest  bool
	Role   store.Role

	conn *websocket.Conn
	send chan []byte

	mu            sync.Mutex
	cachedBalance money.Amount
	lastActivity  time.Time

	// Inbound flow control: a fixed window of inboundPerSec messages.
	windowStart time.Time
	windowCount int
	warned      bool

	closeOnce sync.Once
	closed    chan struct{}
}

// SetBalance updates the balance shown in this session's overlays.
func (s *Session) SetBalance(balance money.Amount) {
	s.mu.Lock()
	s.cachedBalance = balance
	s.mu.Unlock()
}

func (s *Session) Balance() money.Amount {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cachedBalance
}

func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// AllowInbound enforces the per-session message rate. The second return is
// true exactly once per throttled window, for the one informational notice.
func (s *Session) AllowInbound() (allowed, shouldWarn bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if now.Sub(s.windowStart) >= inboundWindow {
		s.windowStart = now
		s.windowCount = 0
		s.warned = false
	}
	s.windowCount++
	if s.windowCount <= inboundPerSec {
		return true, false
	}
	if !s.warned {
		s.warned = true
		return false, true
	}
	return false, false
}

// enqueue offers a frame to the session's writer. Non-terminal frames are
// dropped when the buffer is full; terminal frames evict the oldest queued
// frame instead.
func (s *Session) enqueue(data []byte, terminal bool) {
	select {
	case s.send <- data:
		return
	default:
	}
	if !terminal {
		return
	}
	// Make room, then deliver.
	select {
	case <-s.send:
	default:
	}
	select {
	case s.send <- data:
	default:
	}
}

// writePump owns the socket writer: queued frames plus the heartbeat ping.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-s.send:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.WithError(err).WithField("session", s.ID).Debug("write failed")
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.WithError(err).WithField("session", s.ID).Debug("ping failed")
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}
