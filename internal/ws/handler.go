package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/emberchat/ember/internal/chat"
	"github.com/emberchat/ember/internal/gemini"
	"github.com/emberchat/ember/internal/log"
	"github.com/emberchat/ember/internal/store"
)

// Authenticator resolves an auth token to a user. *store.Store satisfies it.
type Authenticator interface {
	UserByToken(ctx context.Context, token string) (store.User, error)
}

// Responder produces one streamed response per submission.
// *chat.Pipeline satisfies it.
type Responder interface {
	Respond(ctx context.Context, req chat.Request, emit chat.Emitter) (string, error)
}

// Handler upgrades authenticated requests to websocket sessions and runs
// their read loops.
type Handler struct {
	auth     Authenticator
	pipeline Responder
	hub      *Hub
	logger   log.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates the websocket endpoint handler.
func NewHandler(auth Authenticator, pipeline Responder, hub *Hub, logger log.Logger) *Handler {
	return &Handler{
		auth:     auth,
		pipeline: pipeline,
		hub:      hub,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Token auth makes the endpoint origin-agnostic; browser
			// clients are served from arbitrary hosts.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP authenticates, upgrades, and serves the session until the
// connection closes. Authentication failures are rejected before the
// upgrade with 401.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing auth token", http.StatusUnauthorized)
		return
	}
	user, err := h.auth.UserByToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrTokenExpired) {
			http.Error(w, "invalid auth token", http.StatusUnauthorized)
			return
		}
		h.logger.Error("auth lookup failed", "error", err)
		http.Error(w, "authentication unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	session := newSession(conn, user, h.logger)
	h.hub.add(session)
	h.logger.Info("session opened", "user", user.Username)

	defer func() {
		session.abort()
		h.hub.remove(session)
		_ = conn.Close()
		h.logger.Info("session closed", "user", user.Username)
	}()

	// The session context outlives individual reads and is canceled when
	// the read loop exits, tearing down any in-flight response.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.readLoop(ctx, session)
}

func (h *Handler) readLoop(ctx context.Context, s *Session) {
	for {
		var msg ClientMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("session read failed", "user", s.user.Username, "error", err)
			}
			return
		}

		switch msg.Type {
		case TypePing:
			if err := s.send(ServerMessage{Type: TypePong}); err != nil {
				return
			}
		case TypeSetActiveChat:
			if msg.ChatID == "" {
				s.sendError("", CodeMalformedMessage, "set_active_chat requires chatId")
				continue
			}
			s.setActiveChat(msg.ChatID)
		case TypeUserMessage:
			h.handleUserMessage(ctx, s, msg)
		default:
			s.sendError("", CodeMalformedMessage, "unknown message type: "+msg.Type)
		}
	}
}

// handleUserMessage validates the frame and starts the response on its own
// goroutine so the read loop keeps serving pings and chat switches.
func (h *Handler) handleUserMessage(ctx context.Context, s *Session, msg ClientMessage) {
	chatID := msg.ChatID
	if chatID == "" {
		chatID = s.ActiveChat()
	}
	if chatID == "" {
		s.sendError("", CodeMalformedMessage, "no active chat")
		return
	}

	req := chat.Request{
		UserID:  s.user.ID,
		ChatID:  chatID,
		Content: msg.Content,
	}
	if msg.Image != "" {
		img, err := gemini.DecodeDataURL(msg.Image)
		if err != nil {
			s.sendError(chatID, CodeMalformedMessage, "invalid image payload")
			return
		}
		req.Image = &img
	}

	respCtx, cancel := context.WithCancel(ctx)
	if !s.beginResponse(cancel) {
		cancel()
		s.sendError(chatID, CodeBusy, "a response is already being generated")
		return
	}
	s.setActiveChat(chatID)

	emit := &responseEmitter{session: s, chatID: chatID}
	go func() {
		defer s.endResponse()
		defer cancel()
		if _, err := h.pipeline.Respond(respCtx, req, emit); err != nil {
			h.respondError(s, chatID, err)
		}
	}()
}

// respondError maps pipeline failures onto error frames. A canceled context
// means the connection is gone and nothing can be delivered.
func (h *Handler) respondError(s *Session, chatID string, err error) {
	switch {
	case errors.Is(err, context.Canceled):
	case errors.Is(err, chat.ErrEmptyMessage):
		s.sendError(chatID, CodeMalformedMessage, "message is empty")
	case errors.Is(err, gemini.ErrUpstreamExhausted):
		h.logger.Error("all credentials exhausted", "user", s.user.Username)
		s.sendError(chatID, CodeUpstreamExhausted, "the assistant is temporarily unavailable, please retry")
	default:
		h.logger.Error("response failed", "user", s.user.Username, "error", err)
		s.sendError(chatID, CodeInternal, "something went wrong generating the response")
	}
}

// bearerToken extracts the auth token from the query string, the
// Authorization header, or the auth_token cookie browsers carry.
func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if t, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return t
	}
	if c, err := r.Cookie("auth_token"); err == nil {
		return c.Value
	}
	return ""
}
