// Package chat orchestrates one conversational response: history loading,
// optimistic persistence, streaming generation with in-band search command
// detection, the search-augmented second pass, and final persistence.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/emberchat/ember/internal/gemini"
	"github.com/emberchat/ember/internal/log"
	"github.com/emberchat/ember/internal/search"
	"github.com/emberchat/ember/internal/store"
)

// ErrEmptyMessage indicates a submit with no text and no image.
var ErrEmptyMessage = errors.New("empty message")

// Generator streams model responses. *gemini.Client satisfies it.
type Generator interface {
	Generate(ctx context.Context, history []gemini.Message, onChunk gemini.StreamCallback) (string, error)
	GenerateWithImage(ctx context.Context, prompt string, img gemini.Image, onChunk gemini.StreamCallback) (string, error)
}

// Searcher runs web searches. *search.Client satisfies it.
type Searcher interface {
	Search(ctx context.Context, query string) ([]search.Result, error)
}

// Synchronizer persists conversations as whole message lists.
// *store.Store satisfies it.
type Synchronizer interface {
	LoadConversation(ctx context.Context, userID uuid.UUID, chatID string) (store.Conversation, error)
	ReplaceConversation(ctx context.Context, userID uuid.UUID, chatID string, messages []store.StoredMessage) error
}

// Emitter delivers pipeline events to the client, in order. Implementations
// belong to one session; any returned error aborts the response.
type Emitter interface {
	Thinking(ctx context.Context) error
	Chunk(ctx context.Context, text string) error
	SearchStarted(ctx context.Context, query string) error
	SearchResults(ctx context.Context, query string, results []search.Result) error
	SearchComplete(ctx context.Context) error
	Complete(ctx context.Context, fullText string) error
}

// Request is one user submission.
type Request struct {
	UserID  uuid.UUID
	ChatID  string
	Content string
	Image   *gemini.Image // optional; routes to the vision model
}

// Config contains all required parameters for the pipeline.
type Config struct {
	Generator     Generator
	Searcher      Searcher
	Store         Synchronizer
	HistoryWindow int // trailing turns sent upstream (default 20)
	Logger        log.Logger
}

// Pipeline produces one streamed response per Respond call. It is stateless
// across calls and safe for concurrent use; all per-request state lives on
// the stack.
type Pipeline struct {
	generator     Generator
	searcher      Searcher
	store         Synchronizer
	historyWindow int
	logger        log.Logger
	tracer        trace.Tracer
}

// New creates a response pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Generator == nil {
		return nil, errors.New("generator is required")
	}
	if cfg.Searcher == nil {
		return nil, errors.New("searcher is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	window := cfg.HistoryWindow
	if window <= 0 {
		window = 20
	}
	return &Pipeline{
		generator:     cfg.Generator,
		searcher:      cfg.Searcher,
		store:         cfg.Store,
		historyWindow: window,
		logger:        cfg.Logger,
		tracer:        otel.Tracer("ember/chat"),
	}, nil
}

// Respond runs the full response flow for one submission and returns the
// final assistant text. Events are delivered through emit as they happen.
//
// The user turn is persisted before generation starts, so a mid-stream
// failure never loses the user's message. The assistant turn is persisted
// only after the full text is known. Persistence failures are logged but
// never block delivery of a response already streaming to the client.
func (p *Pipeline) Respond(ctx context.Context, req Request, emit Emitter) (string, error) {
	if strings.TrimSpace(req.Content) == "" && req.Image == nil {
		return "", ErrEmptyMessage
	}

	ctx, span := p.tracer.Start(ctx, "chat.respond")
	defer span.End()

	messages, err := p.loadMessages(ctx, req)
	if err != nil {
		return "", err
	}

	userTurn := store.StoredMessage{
		Role:      gemini.RoleUser,
		Content:   req.Content,
		HasImage:  req.Image != nil,
		Timestamp: time.Now().UTC(),
	}
	if req.Image != nil {
		userTurn.Attachment = &store.Attachment{
			MIMEType: req.Image.MIMEType,
			Size:     len(req.Image.Data),
		}
	}
	messages = append(messages, userTurn)
	p.persist(ctx, req, messages)

	if err := emit.Thinking(ctx); err != nil {
		return "", err
	}

	var finalText string
	if req.Image != nil {
		finalText, err = p.generator.GenerateWithImage(ctx, req.Content, *req.Image, func(ctx context.Context, chunk string) error {
			return emit.Chunk(ctx, chunk)
		})
	} else {
		finalText, err = p.respondText(ctx, toHistory(messages, p.historyWindow), emit)
	}
	if err != nil {
		return "", err
	}

	messages = append(messages, store.StoredMessage{
		Role:      gemini.RoleAssistant,
		Content:   finalText,
		Timestamp: time.Now().UTC(),
	})
	p.persist(ctx, req, messages)

	if err := emit.Complete(ctx, finalText); err != nil {
		return "", err
	}
	return finalText, nil
}

// respondText runs the first generation pass with command scanning and, if
// the model asked for a search, the search and the second pass.
func (p *Pipeline) respondText(ctx context.Context, history []gemini.Message, emit Emitter) (string, error) {
	scanner := &commandScanner{}
	firstPass, err := p.generator.Generate(ctx, history, func(ctx context.Context, chunk string) error {
		forward, _ := scanner.Scan(chunk)
		if forward == "" {
			return nil
		}
		return emit.Chunk(ctx, forward)
	})
	if err != nil {
		return "", err
	}

	query, ok := ParseQuery(firstPass)
	if !ok {
		return firstPass, nil
	}

	p.logger.Info("search command detected", "query", query)
	if err := emit.SearchStarted(ctx, query); err != nil {
		return "", err
	}

	results, err := p.searcher.Search(ctx, query)
	if err != nil {
		// Search failure degrades to an empty result set; the second
		// pass tells the user what it could not find out.
		p.logger.Warn("search failed, continuing without results", "query", query, "error", err)
		results = nil
	}
	if err := emit.SearchResults(ctx, query, results); err != nil {
		return "", err
	}
	if err := emit.SearchComplete(ctx); err != nil {
		return "", err
	}

	augmented := append(history, gemini.Message{
		Role:    gemini.RoleUser,
		Content: searchContext(query, results),
	})
	return p.generator.Generate(ctx, augmented, func(ctx context.Context, chunk string) error {
		return emit.Chunk(ctx, chunk)
	})
}

// persist replaces the whole conversation. Failures are logged, not
// returned: losing a write must not abort a response the client is
// already receiving.
func (p *Pipeline) persist(ctx context.Context, req Request, messages []store.StoredMessage) {
	if err := p.store.ReplaceConversation(ctx, req.UserID, req.ChatID, messages); err != nil {
		p.logger.Error("persisting conversation failed", "chat_id", req.ChatID, "error", err)
	}
}

// loadMessages fetches the conversation, treating a missing one as new.
func (p *Pipeline) loadMessages(ctx context.Context, req Request) ([]store.StoredMessage, error) {
	conv, err := p.store.LoadConversation(ctx, req.UserID, req.ChatID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	return conv.Messages, nil
}

// toHistory converts the trailing window of stored messages to model turns.
func toHistory(messages []store.StoredMessage, window int) []gemini.Message {
	start := max(len(messages)-window, 0)
	out := make([]gemini.Message, 0, window)
	for _, m := range messages[start:] {
		out = append(out, gemini.Message{
			Role:      m.Role,
			Content:   m.Content,
			HasImage:  m.HasImage,
			Timestamp: m.Timestamp,
		})
	}
	return out
}

// searchContext renders search results as the user turn that drives the
// second generation pass.
func searchContext(query string, results []search.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Here are web search results for %q:\n\n", query)
	if len(results) == 0 {
		b.WriteString("No results were found.\n")
	}
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n%s\n%s\n\n", i+1, r.Title, r.Snippet, r.Link)
	}
	b.WriteString("Answer my previous question using these results. Cite the sources you used by their URLs. Do not use the :search command again.")
	return b.String()
}
