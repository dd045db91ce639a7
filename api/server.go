// Package api exposes the HTTP surface: the websocket endpoint, a small
// REST API for conversation listings, and health endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/emberchat/ember/internal/log"
	"github.com/emberchat/ember/internal/store"
	"github.com/emberchat/ember/internal/ws"
)

// Authenticator resolves bearer tokens for REST requests.
type Authenticator interface {
	UserByToken(ctx context.Context, token string) (store.User, error)
}

// ConversationLister lists a user's conversations.
type ConversationLister interface {
	ListConversations(ctx context.Context, userID uuid.UUID) ([]store.Summary, error)
}

// Config contains all required parameters for the server.
type Config struct {
	Addr          string
	WSHandler     http.Handler
	Auth          Authenticator
	Conversations ConversationLister
	DB            Pinger
	Cache         CacheStatser
	Hub           *ws.Hub
	Logger        log.Logger
}

func (cfg Config) validate() error {
	if cfg.Addr == "" {
		return errors.New("listen address is required")
	}
	if cfg.WSHandler == nil || cfg.Auth == nil || cfg.Conversations == nil {
		return errors.New("websocket handler, authenticator, and lister are required")
	}
	if cfg.DB == nil || cfg.Cache == nil || cfg.Hub == nil {
		return errors.New("database, cache, and hub are required")
	}
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Server is the HTTP server for the chat backend.
type Server struct {
	httpServer    *http.Server
	auth          Authenticator
	conversations ConversationLister
	db            Pinger
	cache         CacheStatser
	hub           *ws.Hub
	logger        log.Logger
}

// New creates the server and wires its routes.
func New(cfg Config) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Server{
		auth:          cfg.Auth,
		conversations: cfg.Conversations,
		db:            cfg.DB,
		cache:         cfg.Cache,
		hub:           cfg.Hub,
		logger:        cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /ws", cfg.WSHandler)
	mux.HandleFunc("GET /api/conversations", s.handleListConversations)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           chain(mux, recovery(cfg.Logger), requestLogging(cfg.Logger), tracing()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the fully wrapped root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is canceled, then shuts down gracefully. Live
// websocket connections are closed by the shutdown context expiring.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

// handleListConversations returns the authenticated user's conversations,
// most recent first.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	user, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	list, err := s.conversations.ListConversations(r.Context(), user.ID)
	if err != nil {
		s.logger.Error("listing conversations failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if list == nil {
		list = []store.Summary{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (store.User, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return store.User{}, false
	}
	user, err := s.auth.UserByToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrTokenExpired) {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return store.User{}, false
		}
		s.logger.Error("auth lookup failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "authentication unavailable")
		return store.User{}, false
	}
	return user, true
}
