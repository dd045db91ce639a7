package gemini

import (
	"context"
	"crypto/md5" // #nosec G501 -- cache fingerprinting, not security
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/emberchat/ember/internal/log"
)

// Sentinel errors for generation.
var (
	// ErrUpstreamExhausted indicates every credential in the pool failed
	// for one request. The request is abandoned; no further retries occur.
	ErrUpstreamExhausted = errors.New("upstream exhausted")

	// ErrNoUserMessage indicates the conversation history does not end
	// with a user turn.
	ErrNoUserMessage = errors.New("no user message found")
)

// StreamCallback receives each incremental chunk of generated text.
// Returning an error aborts the stream.
type StreamCallback func(ctx context.Context, chunk string) error

// Params are the generation parameters for one upstream model.
type Params struct {
	Temperature     float32
	TopK            float32
	TopP            float32
	MaxOutputTokens int32
}

// Config contains all required parameters for the generation client.
type Config struct {
	Keys        []string // ordered credential list
	ChatModel   string
	VisionModel string
	Chat        Params
	Vision      Params

	CacheCapacity     int
	CacheTTL          time.Duration
	RetryBackoff      time.Duration // wait between failover attempts
	ReplayChunkSize   int           // runes per synthetic replay chunk
	ReplayChunkDelay  time.Duration // pacing between replay chunks
	FingerprintWindow int           // trailing messages hashed into the cache key

	// Optional: proactive rate limiting of upstream attempts (nil = default)
	RateLimiter *rate.Limiter

	Logger log.Logger
}

// validate checks if all required parameters are present.
func (cfg Config) validate() error {
	if len(cfg.Keys) == 0 {
		return ErrNoKeys
	}
	if cfg.ChatModel == "" || cfg.VisionModel == "" {
		return errors.New("chat and vision model names are required")
	}
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// request is one transient generation request: either a conversation
// history (chat modality) or a single text+image prompt.
type request struct {
	history []Message
	prompt  string
	image   *Image
}

// upstream abstracts the provider call so tests can script failures
// without the network.
type upstream interface {
	stream(ctx context.Context, apiKey string, req request, onChunk StreamCallback) (string, error)
}

// Client is the streaming generation client. It is a process-wide
// singleton shared by all sessions; see package doc for the sharing
// discipline.
type Client struct {
	pool     *KeyRing
	cache    *Cache
	limiter  *rate.Limiter
	upstream upstream
	logger   log.Logger

	backoff           time.Duration
	replayChunkSize   int
	replayChunkDelay  time.Duration
	fingerprintWindow int
}

// New creates a generation client with its credential pool and cache.
func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	pool, err := NewKeyRing(cfg.Keys)
	if err != nil {
		return nil, err
	}

	capacity := cfg.CacheCapacity
	if capacity <= 0 {
		capacity = 100
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	chunkSize := cfg.ReplayChunkSize
	if chunkSize <= 0 {
		chunkSize = 50
	}
	window := cfg.FingerprintWindow
	if window <= 0 {
		window = 3
	}
	limiter := cfg.RateLimiter
	if limiter == nil {
		// Default: 10 requests/sec sustained, burst of 30
		limiter = rate.NewLimiter(10, 30)
	}

	c := &Client{
		pool:    pool,
		cache:   NewCache(capacity, ttl),
		limiter: limiter,
		upstream: &genaiUpstream{
			chatModel:    cfg.ChatModel,
			visionModel:  cfg.VisionModel,
			chatParams:   cfg.Chat,
			visionParams: cfg.Vision,
		},
		logger:            cfg.Logger,
		backoff:           backoff,
		replayChunkSize:   chunkSize,
		replayChunkDelay:  cfg.ReplayChunkDelay,
		fingerprintWindow: window,
	}

	c.logger.Info("generation client initialized",
		"credentials", pool.Len(),
		"chat_model", cfg.ChatModel,
		"vision_model", cfg.VisionModel,
		"cache_capacity", capacity,
		"cache_ttl", ttl,
	)
	return c, nil
}

// Cache exposes the response cache for stats and background sweeping.
func (c *Client) Cache() *Cache { return c.cache }

// Keys exposes the credential pool for observability.
func (c *Client) Keys() *KeyRing { return c.pool }

// Generate streams an answer for the conversation history, forwarding each
// chunk to onChunk as it arrives, and returns the full text.
//
// A cache hit within the TTL is replayed deterministically as fixed-size
// paced chunks without calling upstream or touching the credential pool.
func (c *Client) Generate(ctx context.Context, history []Message, onChunk StreamCallback) (string, error) {
	if len(history) == 0 || history[len(history)-1].Role != RoleUser {
		return "", ErrNoUserMessage
	}

	key := c.fingerprint(recentContext(history, c.fingerprintWindow), "text")
	if text, ok := c.cache.Lookup(key); ok {
		c.logger.Debug("cache hit, replaying", "fingerprint", key)
		if err := c.replay(ctx, text, onChunk); err != nil {
			return "", err
		}
		return text, nil
	}

	text, err := c.withFailover(ctx, request{history: history}, onChunk)
	if err != nil {
		return "", err
	}
	c.cache.Put(key, text)
	return text, nil
}

// GenerateWithImage streams an answer for a single text+image prompt.
// Caching and failover behave exactly as in Generate.
func (c *Client) GenerateWithImage(ctx context.Context, prompt string, img Image, onChunk StreamCallback) (string, error) {
	key := c.fingerprint(prompt+imagePrefix(img), "image")
	if text, ok := c.cache.Lookup(key); ok {
		c.logger.Debug("cache hit, replaying", "fingerprint", key)
		if err := c.replay(ctx, text, onChunk); err != nil {
			return "", err
		}
		return text, nil
	}

	text, err := c.withFailover(ctx, request{prompt: prompt, image: &img}, onChunk)
	if err != nil {
		return "", err
	}
	c.cache.Put(key, text)
	return text, nil
}

// withFailover runs one bounded pass over the credential pool: each
// upstream error rotates to the next credential and retries after a fixed
// backoff. The attempt budget equals the pool size; when it is spent the
// call fails terminally with ErrUpstreamExhausted.
func (c *Client) withFailover(ctx context.Context, req request, onChunk StreamCallback) (string, error) {
	attempts := c.pool.Len()
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit wait: %w", err)
		}

		text, err := c.upstream.stream(ctx, c.pool.Active(), req, onChunk)
		if err == nil {
			return text, nil
		}
		lastErr = err

		// Caller cancellation is terminal, not a credential failure.
		if ctx.Err() != nil {
			return "", fmt.Errorf("generation canceled: %w", ctx.Err())
		}

		if attempt == attempts-1 {
			break
		}

		c.logger.Warn("upstream attempt failed, rotating credential",
			"attempt", attempt+1,
			"error", err,
		)
		c.pool.Rotate()

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("generation canceled: %w", ctx.Err())
		case <-time.After(c.backoff):
		}
	}

	return "", fmt.Errorf("%w: %d attempts: %w", ErrUpstreamExhausted, attempts, lastErr)
}

// replay delivers cached text as fixed-size synthetic chunks at the
// configured pacing delay, emulating live typing. Fully deterministic.
func (c *Client) replay(ctx context.Context, text string, onChunk StreamCallback) error {
	if onChunk == nil {
		return nil
	}
	runes := []rune(text)
	for i := 0; i < len(runes); i += c.replayChunkSize {
		end := min(i+c.replayChunkSize, len(runes))
		if err := onChunk(ctx, string(runes[i:end])); err != nil {
			return fmt.Errorf("replay aborted: %w", err)
		}
		if end == len(runes) || c.replayChunkDelay <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("replay canceled: %w", ctx.Err())
		case <-time.After(c.replayChunkDelay):
		}
	}
	return nil
}

// fingerprint computes the stable cache key over recent context and modality.
func (c *Client) fingerprint(context, modality string) string {
	h := md5.New() // #nosec G401 -- cache key, not security
	h.Write([]byte(context))
	h.Write([]byte(modality))
	return hex.EncodeToString(h.Sum(nil))
}

// recentContext joins the contents of the trailing window of messages.
func recentContext(history []Message, window int) string {
	start := max(len(history)-window, 0)
	parts := make([]string, 0, window)
	for _, m := range history[start:] {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "|")
}

// imagePrefix returns a short stable prefix of the image payload for
// fingerprinting, so identical prompts with different images miss.
func imagePrefix(img Image) string {
	const n = 100
	if len(img.Data) <= n {
		return string(img.Data)
	}
	return string(img.Data[:n])
}

// genaiUpstream is the production upstream backed by google.golang.org/genai.
// A fresh provider client is built per attempt because the credential can
// change between attempts.
type genaiUpstream struct {
	chatModel    string
	visionModel  string
	chatParams   Params
	visionParams Params
}

func (u *genaiUpstream) stream(ctx context.Context, apiKey string, req request, onChunk StreamCallback) (string, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return "", fmt.Errorf("creating provider client: %w", err)
	}

	model := u.chatModel
	params := u.chatParams
	var contents []*genai.Content
	if req.image != nil {
		model = u.visionModel
		params = u.visionParams
		contents = []*genai.Content{
			genai.NewContentFromParts([]*genai.Part{
				genai.NewPartFromText(visionSystemPrompt + "\n\n" + req.prompt),
				genai.NewPartFromBytes(req.image.Data, req.image.MIMEType),
			}, genai.RoleUser),
		}
	} else {
		contents = buildChatContents(req.history)
	}

	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(params.Temperature),
		TopK:            genai.Ptr(params.TopK),
		TopP:            genai.Ptr(params.TopP),
		MaxOutputTokens: params.MaxOutputTokens,
	}

	var full strings.Builder
	for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, cfg) {
		if err != nil {
			return "", fmt.Errorf("streaming generation: %w", err)
		}
		text := resp.Text()
		if text == "" {
			continue
		}
		full.WriteString(text)
		if onChunk != nil {
			if err := onChunk(ctx, text); err != nil {
				return "", fmt.Errorf("chunk delivery: %w", err)
			}
		}
	}
	return full.String(), nil
}

// buildChatContents converts conversation history to provider turns:
// a system prompt turn, a priming acknowledgement, then every prior turn
// (image messages skipped — their content lives in the vision path), and
// finally the latest user message.
func buildChatContents(history []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history)+2)
	contents = append(contents,
		genai.NewContentFromText(systemPrompt, genai.RoleUser),
		genai.NewContentFromText(systemPromptAck, genai.RoleModel),
	)

	for _, m := range history[:len(history)-1] {
		if m.HasImage {
			continue
		}
		switch m.Role {
		case RoleUser:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		}
	}

	last := history[len(history)-1]
	contents = append(contents, genai.NewContentFromText(last.Content, genai.RoleUser))
	return contents
}
