package api

import (
	"net/http"
	"strconv"
	"time"

	"mailpush/internal/pingsync"
	"mailpush/internal/services"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins, same as the CORS policy
		return true
	},
}

// EventStreamHandler streams scheduler events to a websocket client. An
// optional repeated ?account=N query narrows the stream.
// @Summary Scheduler event stream
// @Tags push
// @Param account query int false "Account ID filter, repeatable"
// @Router /api/ws/events [get]
func (h *APIHandler) EventStreamHandler(w http.ResponseWriter, r *http.Request) {
	if h.Events == nil {
		RespondWithError(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}

	var filter func(pingsync.Event) bool
	if values := r.URL.Query()["account"]; len(values) > 0 {
		ids := make([]pingsync.AccountID, 0, len(values))
		for _, v := range values {
			id, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				RespondWithError(w, http.StatusBadRequest, "invalid account ID: "+v)
				return
			}
			ids = append(ids, pingsync.AccountID(id))
		}
		filter = services.AccountFilter(ids...)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	sub := h.Events.Subscribe(0, filter)
	defer h.Events.Unsubscribe(sub.ID)
	h.logger.Info("Event stream %s connected from %s", sub.ID, r.RemoteAddr)

	// 读循环只用来发现客户端断开
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(msg WebSocketMessage) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			h.logger.Debug("Event stream %s write failed: %v", sub.ID, err)
			return false
		}
		return true
	}

	if !send(WebSocketMessage{Type: "connected", Data: map[string]string{"subscriber_id": sub.ID}}) {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case e, ok := <-sub.Channel:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait))
				return
			}
			if !send(WebSocketMessage{Type: "event", Data: e}) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			h.logger.Info("Event stream %s closed (%d dropped)", sub.ID, sub.Dropped())
			return
		case <-r.Context().Done():
			return
		}
	}
}
