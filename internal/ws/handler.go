// Package ws serves the JSON-RPC endpoint over WebSocket. Every text frame
// is a request or a batch, answered through the same gateway as HTTP.
package ws

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"rpcgate/internal/envelope"
	"rpcgate/internal/proxy"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// Handler handles WebSocket connections
type Handler struct {
	gateway *proxy.Gateway
	logger  zerolog.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(gateway *proxy.Gateway, logger zerolog.Logger) *Handler {
	return &Handler{
		gateway: gateway,
		logger:  logger.With().Str("component", "ws").Logger(),
	}
}

// ServeHTTP handles WebSocket upgrade requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	clientIP := proxy.ClientIP(r)
	h.logger.Info().
		Str("client", clientIP).
		Str("remoteAddr", r.RemoteAddr).
		Msg("new WebSocket connection")

	opts := proxy.CallOptions{
		Priority: envelope.ParsePriority(r.Header.Get(proxy.HeaderPriority)),
		Client:   clientIP,
	}
	client := NewClient(conn, h.gateway, opts, h.logger.With().Str("remoteAddr", r.RemoteAddr).Logger())
	client.Run(r.Context())
}
