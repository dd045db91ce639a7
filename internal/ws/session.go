package ws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emberchat/ember/internal/log"
	"github.com/emberchat/ember/internal/search"
	"github.com/emberchat/ember/internal/store"
)

const writeTimeout = 10 * time.Second

// Session is one authenticated websocket connection. All writes go through
// a mutex: the read loop, the response pipeline, and the heartbeat sweep
// write concurrently.
type Session struct {
	conn   *websocket.Conn
	user   store.User
	logger log.Logger

	writeMu sync.Mutex

	// alive is cleared by each heartbeat sweep and set again by the pong
	// handler; a session that misses a full interval is terminated.
	alive atomic.Bool

	// generating guards the single in-flight response per session.
	generating atomic.Bool

	mu         sync.Mutex
	activeChat string
	cancel     context.CancelFunc // cancels the in-flight response
}

func newSession(conn *websocket.Conn, user store.User, logger log.Logger) *Session {
	s := &Session{
		conn:   conn,
		user:   user,
		logger: logger,
	}
	s.alive.Store(true)
	conn.SetPongHandler(func(string) error {
		s.alive.Store(true)
		return nil
	})
	return s
}

// send writes one frame, serialized with every other writer on the session.
func (s *Session) send(msg ServerMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(msg)
}

// ping sends a websocket control ping for the heartbeat sweep.
func (s *Session) ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// sweep is one heartbeat pass: a session that never answered the previous
// ping is dead. Returns false when the session should be terminated.
func (s *Session) sweep() bool {
	if !s.alive.Load() {
		return false
	}
	s.alive.Store(false)
	if err := s.ping(); err != nil {
		return false
	}
	return true
}

// terminate force-closes the connection. The read loop unblocks with an
// error and performs the rest of the teardown.
func (s *Session) terminate() {
	_ = s.conn.Close()
}

// setActiveChat records which conversation subsequent frames refer to.
func (s *Session) setActiveChat(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeChat = chatID
}

// ActiveChat returns the conversation the session is pointed at.
func (s *Session) ActiveChat() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeChat
}

// beginResponse claims the session's single response slot and registers the
// cancel function for teardown. It reports false if a response is already
// in flight.
func (s *Session) beginResponse(cancel context.CancelFunc) bool {
	if !s.generating.CompareAndSwap(false, true) {
		return false
	}
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	return true
}

// endResponse releases the response slot.
func (s *Session) endResponse() {
	s.mu.Lock()
	s.cancel = nil
	s.mu.Unlock()
	s.generating.Store(false)
}

// abort cancels any in-flight response. Called when the connection closes.
func (s *Session) abort() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// sendError reports a failure on the session without closing it.
func (s *Session) sendError(chatID, code, message string) {
	if err := s.send(ServerMessage{Type: TypeError, ChatID: chatID, Code: code, Error: message}); err != nil {
		s.logger.Debug("failed to deliver error frame", "error", err)
	}
}

// responseEmitter implements chat.Emitter for one response. It is bound to
// the chat the request targeted when the generation started: switching the
// active chat mid-stream must not relabel in-flight frames.
type responseEmitter struct {
	session *Session
	chatID  string
}

func (e *responseEmitter) Thinking(context.Context) error {
	return e.session.send(ServerMessage{Type: TypeThinking, ChatID: e.chatID})
}

func (e *responseEmitter) Chunk(_ context.Context, text string) error {
	return e.session.send(ServerMessage{Type: TypeChunk, ChatID: e.chatID, Content: text})
}

func (e *responseEmitter) SearchStarted(_ context.Context, query string) error {
	return e.session.send(ServerMessage{Type: TypeSearchStarted, ChatID: e.chatID, Query: query})
}

func (e *responseEmitter) SearchResults(_ context.Context, query string, results []search.Result) error {
	if results == nil {
		results = []search.Result{}
	}
	return e.session.send(ServerMessage{Type: TypeSearchResults, ChatID: e.chatID, Query: query, Results: &results})
}

func (e *responseEmitter) SearchComplete(context.Context) error {
	return e.session.send(ServerMessage{Type: TypeSearchComplete, ChatID: e.chatID})
}

func (e *responseEmitter) Complete(_ context.Context, fullText string) error {
	return e.session.send(ServerMessage{Type: TypeComplete, ChatID: e.chatID, Content: fullText})
}
