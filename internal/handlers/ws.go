package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"castor/internal/core"
	"castor/internal/utils"
)

const wsWriteTimeout = 5 * time.Second

// WSHandler streams transfer snapshots to WebSocket clients, one JSON
// message per refresh tick.
type WSHandler struct {
	manager  *core.Manager
	logger   *utils.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(manager *core.Manager, logger *utils.Logger) *WSHandler {
	return &WSHandler{
		manager: manager,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Same trust model as the REST API: anything that can reach
			// the port can connect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed:", err)
		return
	}
	defer conn.Close()

	snapshots, cancel := h.manager.Subscribe()
	defer cancel()

	h.logger.Debug("WebSocket client connected:", r.RemoteAddr)

	// Drain the client's control frames so pings and close messages are
	// processed; incoming data is ignored.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	// Send the current state immediately so clients don't wait a tick.
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(h.manager.Transfers()); err != nil {
		return
	}

	for snapshot := range snapshots {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(snapshot); err != nil {
			h.logger.Debug("WebSocket client dropped:", r.RemoteAddr)
			return
		}
	}
}
