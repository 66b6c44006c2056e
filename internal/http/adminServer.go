package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"alatele/internal/api"
	"alatele/internal/metrics"
)

type AdminServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAdminHandler(adminHandler *api.AdminHandler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", adminHandler.HealthHandler)
	return mux
}

func NewAdminServer(adminHandler *api.AdminHandler, addr string) *AdminServer {
	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:    addr,
			Handler: NewAdminHandler(adminHandler),
		},
	}
}

func (s *AdminServer) Start() error {
	log.Printf("Admin server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
