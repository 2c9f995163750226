package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"crashout/internal/apperr"
	"crashout/internal/game"
	"crashout/internal/money"
	"crashout/internal/store"
	"crashout/internal/ws"
)

const wsTokenKey = "ws_token"

// wsUpgradeMiddleware captures the bearer token before the protocol
// upgrade; query parameter, Authorization header and "bearer.<token>"
// subprotocol all work.
func (s *FiberServer) wsUpgradeMiddleware(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	c.Locals(wsTokenKey, bearerToken(c))
	return c.Next()
}

// Inbound message schema. Unknown types and malformed fields are rejected,
// never coerced.
type clientMessage struct {
	Type        string   `json:"type"`
	Amount      *float64 `json:"amount,omitempty"`
	AutoCashout *float64 `json:"auto_cashout,omitempty"`
}

func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	token, _ := conn.Locals(wsTokenKey).(string)

	var (
		player game.PlayerKey
		userID int64
		guest  bool
		role   store.Role
		balance money.Amount
	)

	if token != "" {
		identity, err := s.authSvc.Validate(token)
		if err != nil {
			writeClose(conn, "invalid token")
			return
		}
		user, err := s.db.FindUser(context.Background(), identity.UserID)
		if err != nil || !user.IsActive {
			writeClose(conn, "account unavailable")
			return
		}
		player = game.PlayerKey(fmt.Sprintf("u:%d", user.ID))
		userID = user.ID
		role = user.Role
		balance = user.Balance
	} else {
		player = game.PlayerKey("g:" + uuid.NewString())
		guest = true
		role = store.RolePlayer
		balance = s.engine.GuestBalance(player)
	}

	session := s.hub.Attach(conn, player, userID, guest, role, balance)
	defer s.hub.Detach(session)

	s.hub.Send(session, ws.FrameConnected, fiber.Map{
		"player":        player,
		"authenticated": !guest,
		"balance":       balance,
	})
	s.hub.Send(session, ws.FrameGameState, s.engine.Snapshot())

	conn.SetReadDeadline(time.Now().Add(ws.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(ws.PongWait))
		session.Touch()
		return nil
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			log.WithError(err).WithField("player", player).Debug("socket closed")
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		session.Touch()

		allowed, warn := session.AllowInbound()
		if !allowed {
			if warn {
				s.hub.Send(session, ws.FrameWarning, fiber.Map{
					"message": "too many messages, slow down",
				})
			}
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.hub.SendError(session, apperr.InvalidArgument.String(), "malformed message")
			continue
		}

		switch msg.Type {
		case "bet":
			s.handleSocketBet(session, msg)
		case "cashOut":
			s.handleSocketCashout(session)
		case "ping":
			s.hub.Send(session, ws.FramePong, nil)
		default:
			s.hub.SendError(session, apperr.InvalidArgument.String(), "unknown message type")
		}
	}
}

func (s *FiberServer) handleSocketBet(session *ws.Session, msg clientMessage) {
	if msg.Amount == nil {
		s.hub.SendError(session, apperr.InvalidArgument.String(), "amount is required")
		return
	}
	amount, err := money.AmountFromFloat(*msg.Amount)
	if err != nil || !amount.IsPositive() {
		s.hub.SendError(session, apperr.InvalidArgument.String(), "amount must be a positive value with at most two decimals")
		return
	}

	req := game.BetRequest{
		Player: session.Player,
		UserID: session.UserID,
		Guest:  session.Guest,
		Amount: amount,
	}
	if msg.AutoCashout != nil {
		target, err := money.MultiplierFromFloat(*msg.AutoCashout)
		if err != nil {
			s.hub.SendError(session, apperr.InvalidArgument.String(), "auto_cashout must have at most two decimals")
			return
		}
		req.AutoCashout = &target
	}

	result, err := s.engine.PlaceBet(context.Background(), req)
	if err != nil {
		s.hub.SendError(session, apperr.KindOf(err).String(), apperr.Message(err))
		return
	}
	session.SetBalance(result.Balance)
	s.hub.Send(session, ws.FrameBetPlaced, result)
}

func (s *FiberServer) handleSocketCashout(session *ws.Session) {
	result, err := s.engine.Cashout(context.Background(), session.Player)
	if err != nil {
		s.hub.SendError(session, apperr.KindOf(err).String(), apperr.Message(err))
		return
	}
	session.SetBalance(result.Balance)
	s.hub.Send(session, ws.FrameCashedOut, result)
}

func writeClose(conn *websocket.Conn, reason string) {
	frame, _ := json.Marshal(map[string]string{"type": ws.FrameError, "message": reason})
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	conn.WriteMessage(websocket.TextMessage, frame)
	conn.Close()
}
