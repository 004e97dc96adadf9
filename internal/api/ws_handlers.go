package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-camhub/internal/protocol"
	"github.com/technosupport/ts-camhub/internal/signaling"
)

type WSHandler struct {
	Router   *signaling.Router
	Upgrader websocket.Upgrader
	Log      zerolog.Logger
}

func NewWSHandler(router *signaling.Router, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		Router: router,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Devices and browser viewers connect from anywhere.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		Log: log,
	}
}

// Device upgrades and hands the socket to the signaling router.
// GET /ws/device
func (h *WSHandler) Device(w http.ResponseWriter, r *http.Request) {
	ws, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warn().Err(err).Msg("device websocket upgrade failed")
		return
	}
	ws.SetReadLimit(protocol.MaxMessageSize)
	h.Router.ServeDevice(r.Context(), ws)
}

// Viewer upgrades and hands the socket to the signaling router.
// GET /ws/viewer
func (h *WSHandler) Viewer(w http.ResponseWriter, r *http.Request) {
	ws, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warn().Err(err).Msg("viewer websocket upgrade failed")
		return
	}
	ws.SetReadLimit(protocol.MaxMessageSize)
	h.Router.ServeViewer(r.Context(), ws)
}
