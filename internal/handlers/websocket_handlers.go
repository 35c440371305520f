package handlers

import (
	"net/http"

	"chat-relay/internal/auth"
	"chat-relay/internal/engine"
	"chat-relay/pkg/logger"

	"github.com/gorilla/websocket"
)

// WebSocketHandlers is the connection gatekeeper: the bearer token is
// verified before the upgrade, so a connection that fails authentication is
// refused without ever becoming visible to the engine.
type WebSocketHandlers struct {
	authService *auth.Service
	engine      *engine.Engine
	upgrader    websocket.Upgrader
}

func NewWebSocketHandlers(authService *auth.Service, eng *engine.Engine) *WebSocketHandlers {
	return &WebSocketHandlers{
		authService: authService,
		engine:      eng,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // Configure for production
		},
	}
}

func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	identity, err := h.authService.VerifyToken(tokenStr)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Upgrade error: %v", err)
		return
	}

	client := engine.NewClient(h.engine, conn, identity.Username)
	h.engine.Register(client, identity.Username)

	go client.WritePump()
	go client.ReadPump()
}
