package httpapi

import (
	"net/http"
)

// handleWS upgrades the agent service's WebSocket endpoint (spec §6).
// The connection's user identity is carried as a query parameter here;
// the spec notes bearer-token-derived identity is out of scope.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if err := s.ws.Upgrade(w, r, userID); err != nil {
		// gorilla/websocket's Upgrade already wrote the HTTP error
		// response itself; only log here.
		s.logger.Warn("websocket upgrade failed", "error", err)
	}
}
