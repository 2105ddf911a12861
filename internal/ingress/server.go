package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"tradeflow/internal/notify"
)

// Server runs the webhook HTTP endpoint and the notification stream.
type Server struct {
	handlers *Handlers
	hub      *notify.Hub
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the webhook routes. hub may be nil for deployments
// without a websocket stream.
func NewServer(port int, handlers *Handlers, hub *notify.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhooks/tradingview", handlers.HandleWebhook)
	mux.HandleFunc("/webhooks/test", handlers.HandleTest)
	mux.HandleFunc("/webhooks/health", handlers.HandleHealth)
	mux.HandleFunc("/webhooks/queue/stats", handlers.HandleQueueStats)
	if hub != nil {
		mux.HandleFunc("/ws", hub.ServeWS)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		handlers: handlers,
		hub:      hub,
		server:   server,
		logger:   logger.With("component", "ingress-server"),
	}
}

// Start serves until Stop is called. Blocks.
func (s *Server) Start() error {
	if s.hub != nil {
		go s.hub.Run()
	}

	s.logger.Info("webhook server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop drains connections and shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping webhook server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
