package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"stackyn/builder/internal/services"
)

// clientBuffer is the number of events queued for a slow websocket client
const clientBuffer = 256

// WebSocketHandler streams live build events to websocket clients
type WebSocketHandler struct {
	builds   *BuildHandlers
	hub      *services.Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewWebSocketHandler creates a new WebSocket handler. checkOrigin decides
// which browser origins may open a stream.
func NewWebSocketHandler(builds *BuildHandlers, hub *services.Hub, checkOrigin func(r *http.Request) bool, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		builds: builds,
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		logger: logger,
	}
}

// HandleBuildEvents upgrades the connection and relays every event of the
// build named in the URL, one JSON message per event
func (h *WebSocketHandler) HandleBuildEvents(w http.ResponseWriter, r *http.Request) {
	build, ok := h.builds.ownedBuild(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		h.logger.Debug("WebSocket upgrade failed", zap.String("build_id", build.ID), zap.Error(err))
		return
	}

	client := &services.Client{
		ID:      uuid.New().String(),
		BuildID: build.ID,
		Send:    make(chan []byte, clientBuffer),
		Hub:     h.hub,
		Logger:  h.logger.With(zap.String("build_id", build.ID)),
		Conn:    conn,
	}

	h.hub.RegisterClient(client)

	go client.WritePump()
	go client.ReadPump()
}
