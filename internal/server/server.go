// Package server exposes the sync engine over a local REST API and pushes
// engine events to WebSocket clients.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kimhsiao/chatsync/backend/internal/logging"
	"github.com/kimhsiao/chatsync/backend/internal/network"
	"github.com/kimhsiao/chatsync/backend/internal/sync/coordinator"
)

// Server is the local status and control surface of one coordinator.
type Server struct {
	coord   *coordinator.Coordinator
	monitor *network.Monitor
	hub     *Hub
	router  chi.Router
	unsub   func()

	requestsPerSecond float64
	burst             int
}

// Option configures a Server.
type Option func(*Server)

// WithMonitor enables POST /api/network, which flips the monitor online or
// offline by hand.
func WithMonitor(m *network.Monitor) Option {
	return func(s *Server) { s.monitor = m }
}

// WithRequestLimit caps mutating requests per client IP.
func WithRequestLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		s.requestsPerSecond = perSecond
		s.burst = burst
	}
}

// New builds the router and subscribes the WebSocket hub to coordinator
// events.
func New(coord *coordinator.Coordinator, opts ...Option) *Server {
	s := &Server{
		coord:             coord,
		hub:               NewHub(),
		requestsPerSecond: 20,
		burst:             40,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.unsub = coord.Subscribe(func(ev coordinator.Event) {
		s.hub.Broadcast(string(ev.Type), ev)
	})
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/metrics", s.handleMetrics)
	r.Get("/api/queue", s.handleQueue)
	r.Get("/api/conflicts", s.handleConflicts)
	r.Get("/api/failed", s.handleFailed)
	r.Get("/ws", s.hub.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(RateLimit(s.requestsPerSecond, s.burst))

		r.Post("/api/network", s.handleNetwork)
		r.Post("/api/sync", s.handleSync)
		r.Delete("/api/queue", s.handleClearQueue)
		r.Post("/api/conflicts/{conflict_id}/resolve", s.handleResolveConflict)
		r.Post("/api/failed/{entity_id}/retry", s.handleRetryFailed)
		r.Delete("/api/failed/{entity_id}", s.handleDiscardFailed)

		r.Post("/api/chats", s.handleCreateChat)
		r.Patch("/api/chats/{chat_id}", s.handleRenameChat)
		r.Delete("/api/chats/{chat_id}", s.handleDeleteChat)
		r.Post("/api/chats/{chat_id}/messages", s.handleSendMessage)
		r.Patch("/api/messages/{message_id}", s.handleEditMessage)
		r.Delete("/api/chats/{chat_id}/messages/{message_id}", s.handleDeleteMessage)
		r.Patch("/api/users/{user_id}", s.handleUpdateProfile)
	})
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Close detaches from the coordinator and disconnects WebSocket clients.
func (s *Server) Close() {
	s.unsub()
	s.hub.Close()
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Server starting", map[string]interface{}{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logging.Info("Shutting down server", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.hub.Close()
	return srv.Shutdown(shutdownCtx)
}
