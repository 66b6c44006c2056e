package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"alatele/internal/api"
	"alatele/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

// NewAPIHandler builds the routes of the local UI bridge.
func NewAPIHandler(handlers *api.API, wsServer *ws.Server) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/me", handlers.MeHandler)
	mux.HandleFunc("GET /api/scopes/{scope}/messages", handlers.MessagesHandler)
	mux.HandleFunc("POST /api/scopes/{scope}/messages", api.RequireSameOrigin(handlers.SendHandler))
	mux.HandleFunc("PATCH /api/scopes/{scope}/messages/{id}", api.RequireSameOrigin(handlers.EditHandler))
	mux.HandleFunc("DELETE /api/scopes/{scope}/messages/{id}", api.RequireSameOrigin(handlers.DeleteHandler))
	mux.HandleFunc("GET /api/conversations", handlers.ConversationsHandler)
	mux.HandleFunc("GET /api/users", handlers.UsersHandler)
	mux.HandleFunc("GET /api/contacts", handlers.ContactsHandler)
	mux.HandleFunc("POST /api/contacts", api.RequireSameOrigin(handlers.AddContactHandler))
	mux.HandleFunc("GET /api/profile", handlers.ProfileHandler)
	mux.HandleFunc("POST /api/profile", api.RequireSameOrigin(handlers.SaveProfileHandler))
	mux.HandleFunc("GET /api/attachments/{ref}", handlers.AttachmentHandler)
	mux.HandleFunc("GET /api/push/key", handlers.PushKeyHandler)
	mux.HandleFunc("POST /api/push/subscribe", api.RequireSameOrigin(handlers.PushSubscribeHandler))
	mux.HandleFunc("DELETE /api/push/subscribe", api.RequireSameOrigin(handlers.PushUnsubscribeHandler))

	// WebSocket endpoint
	mux.HandleFunc("GET /api/chat", wsServer.HandleConnections)

	return mux
}

func NewAPIServer(handler http.Handler, addr string) *APIServer {
	if addr == "" {
		addr = "localhost:8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: handler,
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("UI bridge started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
