package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"crashout/internal/game"
	"crashout/internal/money"
	"crashout/internal/store"
)

// Frame type tags on the server-to-client channel.
const (
	FrameConnected     = "connected"
	FrameGameState     = "gameState"
	FramePlayerOverlay = "playerOverlay"
	FrameBetPlaced     = "betPlaced"
	FrameCashedOut     = "cashedOut"
	FrameError         = "error"
	FrameWarning       = "warning"
	FramePong          = "pong"
)

type frame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type gameStatePayload struct {
	game.Snapshot
	Players int `json:"players"`
}

type overlayPayload struct {
	game.Overlay
	Authenticated bool `json:"authenticated"`
}

// Hub is the session registry and broadcast fabric. Engine events arrive on
// a buffered channel; the public frame is serialized once per event and the
// personal overlay per session.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byPlayer map[game.PlayerKey]*Session

	events chan game.Event
	stop   chan struct{}
	done   chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		byPlayer: make(map[game.PlayerKey]*Session),
		events:   make(chan game.Event, 64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case ev := <-h.events:
			h.fanOut(ev)
		case <-h.stop:
			return
		}
	}
}

func (h *Hub) Stop() {
	close(h.stop)
	<-h.done

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.sessions {
		s.close()
		delete(h.sessions, id)
		delete(h.byPlayer, s.Player)
	}
}

// Attach registers a connection. A second connection by the same
// authenticated player replaces the older session, which is closed.
func (h *Hub) Attach(conn *websocket.Conn, player game.PlayerKey, userID int64, guest bool, role store.Role, balance money.Amount) *Session {
	s := &Session{
		ID:            uuid.NewString(),
		Player:        player,
		UserID:        userID,
		Guest:         guest,
		Role:          role,
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		cachedBalance: balance,
		lastActivity:  time.Now(),
		closed:        make(chan struct{}),
	}

	h.mu.Lock()
	if old, ok := h.byPlayer[player]; ok {
		delete(h.sessions, old.ID)
		old.close()
		log.WithField("player", player).Info("replaced older session")
	}
	h.sessions[s.ID] = s
	h.byPlayer[player] = s
	total := len(h.sessions)
	h.mu.Unlock()

	go s.writePump()
	log.WithFields(log.Fields{"player": player, "total": total}).Info("client connected")
	return s
}

// Detach removes a session. Durable wagers are untouched; they survive
// disconnection and settle normally.
func (h *Hub) Detach(s *Session) {
	h.mu.Lock()
	if current, ok := h.sessions[s.ID]; ok && current == s {
		delete(h.sessions, s.ID)
		if h.byPlayer[s.Player] == s {
			delete(h.byPlayer, s.Player)
		}
	}
	total := len(h.sessions)
	h.mu.Unlock()

	s.close()
	log.WithFields(log.Fields{"player": s.Player, "total": total}).Info("client disconnected")
}

func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Publish implements game.Broadcaster. Terminal events block rather than
// drop; ticks are shed under pressure.
func (h *Hub) Publish(ev game.Event) {
	if ev.Terminal {
		select {
		case h.events <- ev:
		case <-h.stop:
		}
		return
	}
	select {
	case h.events <- ev:
	default:
		log.Debug("event queue full, dropping tick")
	}
}

// BetPlaced implements game.Broadcaster.
func (h *Hub) BetPlaced(n game.BetNotice) {
	h.broadcastFrame(frame{Type: FrameBetPlaced, Data: n}, false)
}

// CashedOut implements game.Broadcaster.
func (h *Hub) CashedOut(n game.CashoutNotice) {
	h.broadcastFrame(frame{Type: FrameCashedOut, Data: n}, false)
}

func (h *Hub) broadcastFrame(f frame, terminal bool) {
	data, err := json.Marshal(f)
	if err != nil {
		log.WithError(err).Error("frame marshal failed")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.sessions {
		s.enqueue(data, terminal)
	}
}

// fanOut delivers one engine event: the shared public frame, serialized
// once, then each session's personal overlay.
func (h *Hub) fanOut(ev game.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	public, err := json.Marshal(frame{
		Type: FrameGameState,
		Data: gameStatePayload{Snapshot: ev.Snapshot, Players: len(h.sessions)},
	})
	if err != nil {
		log.WithError(err).Error("public frame marshal failed")
		return
	}

	overlays := make(map[game.PlayerKey]game.Overlay, len(ev.Overlays))
	for _, o := range ev.Overlays {
		overlays[o.Player] = o
	}

	for _, s := range h.sessions {
		s.enqueue(public, ev.Terminal)

		o, ok := overlays[s.Player]
		if !ok {
			o = game.Overlay{Player: s.Player, Balance: s.Balance()}
		} else {
			s.SetBalance(o.Balance)
		}
		personal, err := json.Marshal(frame{
			Type: FramePlayerOverlay,
			Data: overlayPayload{Overlay: o, Authenticated: !s.Guest},
		})
		if err != nil {
			continue
		}
		s.enqueue(personal, false)
	}
}

// Send delivers a frame to one session.
func (h *Hub) Send(s *Session, frameType string, data interface{}) {
	payload, err := json.Marshal(frame{Type: frameType, Data: data})
	if err != nil {
		log.WithError(err).Error("frame marshal failed")
		return
	}
	s.enqueue(payload, true)
}

// SendError reports a failed action back to the originating socket.
func (h *Hub) SendError(s *Session, code, message string) {
	h.Send(s, FrameError, map[string]string{"code": code, "message": message})
}
