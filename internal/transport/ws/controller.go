// Package ws is the socket transport: it upgrades HTTP connections, decodes
// inbound event envelopes, and forwards them to the room session coordinator.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/parley/parley/internal/chat"
	"github.com/parley/parley/internal/domain"
	"github.com/parley/parley/internal/presence"
)

const (
	defaultReadLimit  = 32 << 10
	defaultPingPeriod = 54 * time.Second
)

type Controller struct {
	Coord   *chat.Coordinator
	Limiter *SendRateLimiter

	readLimit  int64
	pingPeriod time.Duration
	// pongWait bounds how long a connection may stay silent; pings go out
	// early enough that a live client always answers in time.
	pongWait time.Duration
}

func NewController(coord *chat.Coordinator, readLimit int64, pingPeriod time.Duration) *Controller {
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	if pingPeriod <= 0 {
		pingPeriod = defaultPingPeriod
	}
	return &Controller{
		Coord:      coord,
		Limiter:    NewSendRateLimiter(10, time.Second),
		readLimit:  readLimit,
		pingPeriod: pingPeriod,
		pongWait:   pingPeriod * 10 / 9,
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleChat upgrades the connection and runs its read/write pumps. The
// connection id comes from the client token cookie when present so a
// reconnect keeps a stable identity per browser.
func (ctl *Controller) HandleChat(ctx context.Context, c *gin.Context) {
	connID := presence.ConnID(c.GetString("client_token"))
	if connID == "" {
		connID = presence.ConnID(uuid.NewString())
	}
	log.Info().Str("module", "ws").Str("conn", string(connID)).Msg("new WS connection")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("ws upgrade")
		return
	}

	conn.SetReadLimit(ctl.readLimit)

	wc := newWSConn(conn)
	ctx, cancel := context.WithCancel(ctx)

	go ctl.writePump(ctx, wc)
	go ctl.readPump(ctx, cancel, connID, wc)
}

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(ctl.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump ping error")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, connID presence.ConnID, c *wsConn) {
	defer func() {
		log.Info().Str("module", "ws").Str("conn", string(connID)).Msg("readPump closing")
		ctl.Coord.Disconnect(connID)
		if ctl.Limiter != nil {
			ctl.Limiter.Forget(connID)
		}
		cancel()
		c.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				return
			}
			ctl.handleEvent(connID, c, data)
		}
	}
}

// handleEvent dispatches one inbound envelope. A panic in a handler is
// contained here; it must never take down the shared coordinator.
func (ctl *Controller) handleEvent(connID presence.ConnID, c *wsConn, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "ws").Str("conn", string(connID)).Any("panic", r).Msg("event handler panic")
			ctl.sendError(c, "internal error")
		}
	}()

	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("bad json")
		ctl.sendError(c, "bad_payload")
		return
	}

	switch env.Type {
	case "join_room":
		ctl.handleJoin(connID, c, data)
	case "send_message":
		ctl.handleSend(connID, c, data)
	case "typing":
		ctl.handleTyping(connID, c, data)
	case "leave_room":
		ctl.Coord.Leave(connID)
	case "ping":
		_ = c.TrySend([]byte(`{"type":"pong"}`))
	default:
		log.Warn().Str("module", "ws").Str("type", env.Type).Msg("unknown event")
	}
}

func (ctl *Controller) handleJoin(connID presence.ConnID, c *wsConn, data []byte) {
	type joinPayload struct {
		Type     string `json:"type"`
		RoomID   string `json:"roomId"`
		UserID   string `json:"userId"`
		Username string `json:"username"`
	}
	var p joinPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("bad join payload")
		ctl.sendError(c, "bad_payload")
		return
	}
	if p.RoomID == "" || p.UserID == "" || p.Username == "" {
		ctl.sendError(c, "roomId, userId and username are required")
		return
	}

	err := ctl.Coord.Join(connID, c, domain.RoomID(p.RoomID), domain.UserID(p.UserID), p.Username)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Str("room", p.RoomID).Msg("join failed")
		ctl.sendError(c, "Failed to join room")
	}
}

func (ctl *Controller) handleSend(connID presence.ConnID, c *wsConn, data []byte) {
	type sendPayload struct {
		Type    string `json:"type"`
		Content string `json:"content"`
	}
	var p sendPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("bad send payload")
		ctl.sendError(c, "bad_payload")
		return
	}
	if p.Content == "" {
		ctl.sendError(c, "content is required")
		return
	}
	if ctl.Limiter != nil && !ctl.Limiter.Allow(connID) {
		ctl.sendError(c, "too many messages, slow down")
		return
	}

	if err := ctl.Coord.SendMessage(connID, p.Content); err != nil {
		log.Error().Err(err).Str("module", "ws").Str("conn", string(connID)).Msg("send failed")
		switch err {
		case chat.ErrNotJoined:
			ctl.sendError(c, "join a room before sending messages")
		case presence.ErrUnknownConnection:
			ctl.sendError(c, "unknown connection")
			ctl.Coord.Disconnect(connID)
			c.Close()
		default:
			ctl.sendError(c, "Failed to send message")
		}
	}
}

func (ctl *Controller) handleTyping(connID presence.ConnID, c *wsConn, data []byte) {
	type typingPayload struct {
		Type     string `json:"type"`
		IsTyping bool   `json:"isTyping"`
	}
	var p typingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("bad typing payload")
		return
	}
	ctl.Coord.Typing(connID, p.IsTyping)
}

// sendError reports a failure to the originating connection only; errors are
// never broadcast.
func (ctl *Controller) sendError(c *wsConn, msg string) {
	_ = c.TrySend(chat.ErrorEvent(msg))
}
