package ws

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Server struct {
	hub      messageHub
	upgrader *websocket.Upgrader
}

func NewServer(hub messageHub) *Server {
	return &Server{
		hub: hub,
		upgrader: &websocket.Upgrader{
			CheckOrigin: sameOrigin,
		},
	}
}

// sameOrigin accepts requests without an Origin header (non-browser
// clients) and browser requests from the page the daemon serves.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade to websocket", "error", err)
		return
	}

	clientID := uuid.NewString()
	if err := NewConnection(s.hub, conn, clientID).Handle(r.Context()); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		slog.Error("websocket connection failed", "client", clientID, "error", err)
	}
}
