package httpapi

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Mobile clients do not send a browser Origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS admits a realtime session. Browsers cannot set headers on a
// websocket handshake, so the token may also come as ?token=.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	id, err := s.Auth.Parse(token)
	if err != nil {
		s.writeUnauthenticated(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.logger.Warn("websocket upgrade failed", "user_id", id.UserID, "err", err)
		return
	}
	s.Hub.Serve(r.Context(), conn, id)
}
