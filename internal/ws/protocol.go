// Package ws implements the websocket session protocol: one connection per
// authenticated client, JSON frames both ways, and a server-side heartbeat.
package ws

import "github.com/emberchat/ember/internal/search"

// Client frame types.
const (
	TypeUserMessage   = "user_message"
	TypeSetActiveChat = "set_active_chat"
	TypePing          = "ping"
)

// Server frame types.
const (
	TypeThinking       = "ai_thinking"
	TypeChunk          = "ai_chunk"
	TypeSearchStarted  = "search_started"
	TypeSearchResults  = "search_results"
	TypeSearchComplete = "search_complete"
	TypeComplete       = "ai_complete"
	TypeError          = "error"
	TypePong           = "pong"
)

// Error codes carried on error frames.
const (
	CodeMalformedMessage  = "malformed_message"
	CodeBusy              = "generation_in_progress"
	CodeUpstreamExhausted = "upstream_exhausted"
	CodeInternal          = "internal_error"
)

// ClientMessage is any frame a client sends.
type ClientMessage struct {
	Type    string `json:"type"`
	ChatID  string `json:"chatId,omitempty"`
	Content string `json:"content,omitempty"`
	Image   string `json:"image,omitempty"` // base64 data URL
}

// ServerMessage is any frame the server sends.
type ServerMessage struct {
	Type    string          `json:"type"`
	ChatID  string          `json:"chatId,omitempty"`
	Content string          `json:"content,omitempty"`
	Query   string          `json:"query,omitempty"`
	// Results is a pointer so search_results frames always carry a results
	// array, even an empty one, while other frame types omit the key.
	Results *[]search.Result `json:"results,omitempty"`
	Code    string           `json:"code,omitempty"`
	Error   string           `json:"message,omitempty"`
}
