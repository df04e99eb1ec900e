package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"device-hub-backend/internal/hub"
)

const (
	wsPingInterval   = 30 * time.Second
	wsPongWait       = 60 * time.Second
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 4096
)

// LiveUpdates handles GET /ws. Every committed registry change is pushed to
// the client as {"type":"device_update","timestamp":...}; inbound frames are ignored.
func (h *Handler) LiveUpdates(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sub := h.hub.Subscribe()
	h.log.Debug().Int("subscribers", h.hub.SubscriberCount()).Msg("live update client connected")

	go h.readPump(conn, sub)
	h.writePump(conn, sub)
}

// readPump drains the connection so control frames are processed, and drops
// the subscription when the client goes away.
func (h *Handler) readPump(conn *websocket.Conn, sub *hub.Subscription) {
	defer func() {
		h.hub.Unsubscribe(sub)
		conn.Close()
	}()

	conn.SetReadLimit(wsMaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
	}
}

func (h *Handler) writePump(conn *websocket.Conn, sub *hub.Subscription) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.hub.Unsubscribe(sub)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.hub.Unsubscribe(sub)
				return
			}
		}
	}
}

// Terminal handles GET /ws/devices/:device_id/terminal. The caller is
// authorized before the upgrade, so a refusal is a plain HTTP error.
func (h *Handler) Terminal(c *gin.Context) {
	session, err := h.sessions.Open(c.Request.Context(), c.Param("device_id"), caller(c).ID)
	if err != nil {
		h.fail(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("session", session.ID()).Msg("terminal upgrade failed")
		session.Close()
		return
	}
	conn.SetReadLimit(int64(h.gateway.Limits().MaxCommandChars)*4 + 1024)

	if err := session.Serve(c.Request.Context(), conn); err != nil {
		h.log.Debug().Err(err).Str("session", session.ID()).Msg("terminal session ended with error")
	}
}

// ListSessions handles GET /api/sessions. Admin only.
func (h *Handler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, h.sessions.List())
}

// CloseSession handles DELETE /api/sessions/:session_id. Admin only.
func (h *Handler) CloseSession(c *gin.Context) {
	if err := h.sessions.Close(c.Param("session_id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
