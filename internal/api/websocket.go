package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/hrpulse/internal/hub"
	"github.com/lalithlochan/hrpulse/internal/identity"
)

// Sessions is satisfied by *hub.Hub.
type Sessions interface {
	Accept(acceptor hub.Acceptor, w http.ResponseWriter, r *http.Request, id identity.Identity)
}

// WebSocketHandler authenticates the upgrade request and hands the
// connection to the hub. Claim validation happens in the hub on connect.
type WebSocketHandler struct {
	auth     identity.Authenticator
	sessions Sessions
	acceptor hub.Acceptor
	logger   *zap.Logger
}

func NewWebSocketHandler(auth identity.Authenticator, sessions Sessions, acceptor hub.Acceptor, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		auth:     auth,
		sessions: sessions,
		acceptor: acceptor,
		logger:   logger,
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := h.auth.Authenticate(r)
	if err != nil {
		h.logger.Warn("websocket authentication failed",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr),
		)
		writeProblem(w, http.StatusUnauthorized, "unauthorized", "Authentication required", "a valid bearer token is required")
		return
	}

	h.sessions.Accept(h.acceptor, w, r, id)
}
