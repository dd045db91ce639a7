package gemini

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/emberchat/ember/internal/log"
)

// fakeUpstream scripts per-credential outcomes and records every attempt.
type fakeUpstream struct {
	failKeys map[string]error // credentials that fail; others succeed
	answer   string
	chunks   []string // delivered before the answer is returned; defaults to [answer]
	calls    []string // credentials attempted, in order
}

func (f *fakeUpstream) stream(ctx context.Context, apiKey string, _ request, onChunk StreamCallback) (string, error) {
	f.calls = append(f.calls, apiKey)
	if err, ok := f.failKeys[apiKey]; ok {
		return "", err
	}
	chunks := f.chunks
	if chunks == nil {
		chunks = []string{f.answer}
	}
	for _, chunk := range chunks {
		if onChunk != nil {
			if err := onChunk(ctx, chunk); err != nil {
				return "", err
			}
		}
	}
	return f.answer, nil
}

func newTestClient(t *testing.T, keys []string, fake *fakeUpstream) *Client {
	t.Helper()
	c, err := New(Config{
		Keys:             keys,
		ChatModel:        "chat-model",
		VisionModel:      "vision-model",
		RetryBackoff:     time.Millisecond,
		ReplayChunkSize:  5,
		ReplayChunkDelay: 0,
		RateLimiter:      rate.NewLimiter(rate.Inf, 1),
		Logger:           log.NewNop(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.upstream = fake
	return c
}

func userTurn(content string) []Message {
	return []Message{{Role: RoleUser, Content: content}}
}

func collectChunks(sink *[]string) StreamCallback {
	return func(_ context.Context, chunk string) error {
		*sink = append(*sink, chunk)
		return nil
	}
}

func TestGenerateRequiresUserTurn(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, []string{"k1"}, &fakeUpstream{answer: "hi"})
	tests := []struct {
		name    string
		history []Message
	}{
		{"empty history", nil},
		{"assistant last", []Message{{Role: RoleAssistant, Content: "hi"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := c.Generate(t.Context(), tt.history, nil)
			if !errors.Is(err, ErrNoUserMessage) {
				t.Errorf("Generate() error = %v, want ErrNoUserMessage", err)
			}
		})
	}
}

func TestGenerateFailoverSucceedsOnSecondKey(t *testing.T) {
	t.Parallel()

	fake := &fakeUpstream{
		failKeys: map[string]error{"k1": errors.New("quota exceeded")},
		answer:   "recovered answer",
	}
	c := newTestClient(t, []string{"k1", "k2"}, fake)

	var got []string
	text, err := c.Generate(t.Context(), userTurn("hello"), collectChunks(&got))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if text != "recovered answer" {
		t.Errorf("Generate() = %q, want %q", text, "recovered answer")
	}
	if len(fake.calls) != 2 || fake.calls[0] != "k1" || fake.calls[1] != "k2" {
		t.Errorf("upstream attempts = %v, want [k1 k2]", fake.calls)
	}
	if idx := c.Keys().Index(); idx != 1 {
		t.Errorf("pool index = %d after failover, want 1", idx)
	}
	if strings.Join(got, "") != text {
		t.Errorf("concatenated chunks = %q, want %q", strings.Join(got, ""), text)
	}
}

func TestGenerateExhaustsPool(t *testing.T) {
	t.Parallel()

	last := errors.New("invalid credential")
	fake := &fakeUpstream{
		failKeys: map[string]error{"k1": errors.New("quota"), "k2": errors.New("quota"), "k3": last},
	}
	c := newTestClient(t, []string{"k1", "k2", "k3"}, fake)

	_, err := c.Generate(t.Context(), userTurn("hello"), nil)
	if !errors.Is(err, ErrUpstreamExhausted) {
		t.Fatalf("Generate() error = %v, want ErrUpstreamExhausted", err)
	}
	if !errors.Is(err, last) {
		t.Errorf("Generate() error = %v, want to wrap the final attempt error", err)
	}
	if len(fake.calls) != 3 {
		t.Errorf("upstream attempts = %d, want exactly 3 (pool size)", len(fake.calls))
	}
}

func TestGenerateCacheReplay(t *testing.T) {
	t.Parallel()

	fake := &fakeUpstream{answer: "the quick brown fox jumps over the lazy dog"}
	c := newTestClient(t, []string{"k1"}, fake)
	history := userTurn("tell me about foxes")

	first, err := c.Generate(t.Context(), history, nil)
	if err != nil {
		t.Fatalf("first Generate() error = %v", err)
	}

	var replayed []string
	second, err := c.Generate(t.Context(), history, collectChunks(&replayed))
	if err != nil {
		t.Fatalf("second Generate() error = %v", err)
	}
	if second != first {
		t.Errorf("replayed text = %q, want %q", second, first)
	}
	if strings.Join(replayed, "") != first {
		t.Errorf("concatenated replay = %q, want %q", strings.Join(replayed, ""), first)
	}
	if len(fake.calls) != 1 {
		t.Errorf("upstream attempts = %d, want 1: hit must not reach upstream", len(fake.calls))
	}
	for i, chunk := range replayed[:len(replayed)-1] {
		if n := len([]rune(chunk)); n != 5 {
			t.Errorf("replay chunk #%d has %d runes, want 5", i, n)
		}
	}
	if idx := c.Keys().Index(); idx != 0 {
		t.Errorf("pool index = %d after replay, want 0: hit must not rotate", idx)
	}
}

func TestGenerateFingerprintWindow(t *testing.T) {
	t.Parallel()

	fake := &fakeUpstream{answer: "same tail answer"}
	c := newTestClient(t, []string{"k1"}, fake)
	c.fingerprintWindow = 3

	long := []Message{
		{Role: RoleUser, Content: "old question"},
		{Role: RoleAssistant, Content: "old answer"},
		{Role: RoleUser, Content: "a"},
		{Role: RoleAssistant, Content: "b"},
		{Role: RoleUser, Content: "c"},
	}
	if _, err := c.Generate(t.Context(), long, nil); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	// Different prefix, identical trailing window: must hit.
	altered := append([]Message{
		{Role: RoleUser, Content: "completely different opener"},
		{Role: RoleAssistant, Content: "different reply"},
	}, long[2:]...)
	if _, err := c.Generate(t.Context(), altered, nil); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(fake.calls) != 1 {
		t.Errorf("upstream attempts = %d, want 1: identical window must hit cache", len(fake.calls))
	}
}

func TestGenerateWithImageCacheKeyIncludesData(t *testing.T) {
	t.Parallel()

	fake := &fakeUpstream{answer: "an image"}
	c := newTestClient(t, []string{"k1"}, fake)

	img1 := Image{MIMEType: "image/png", Data: []byte("payload-one")}
	img2 := Image{MIMEType: "image/png", Data: []byte("payload-two")}

	if _, err := c.GenerateWithImage(t.Context(), "what is this", img1, nil); err != nil {
		t.Fatalf("GenerateWithImage() error = %v", err)
	}
	if _, err := c.GenerateWithImage(t.Context(), "what is this", img2, nil); err != nil {
		t.Fatalf("GenerateWithImage() error = %v", err)
	}
	if len(fake.calls) != 2 {
		t.Errorf("upstream attempts = %d, want 2: different images must not share a key", len(fake.calls))
	}

	// Same prompt + same image: hit.
	if _, err := c.GenerateWithImage(t.Context(), "what is this", img1, nil); err != nil {
		t.Fatalf("GenerateWithImage() error = %v", err)
	}
	if len(fake.calls) != 2 {
		t.Errorf("upstream attempts = %d after repeat, want 2", len(fake.calls))
	}
}

func TestGenerateTextAndImageModalitiesSeparate(t *testing.T) {
	t.Parallel()

	fake := &fakeUpstream{answer: "answer"}
	c := newTestClient(t, []string{"k1"}, fake)

	if _, err := c.Generate(t.Context(), userTurn("describe a cat"), nil); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	// Same text with image modality: no cross-modality collision.
	img := Image{MIMEType: "image/png", Data: []byte{}}
	if _, err := c.GenerateWithImage(t.Context(), "describe a cat", img, nil); err != nil {
		t.Fatalf("GenerateWithImage() error = %v", err)
	}
	if len(fake.calls) != 2 {
		t.Errorf("upstream attempts = %d, want 2: modalities must not share cache keys", len(fake.calls))
	}
}

func TestGenerateCancellationStopsFailover(t *testing.T) {
	t.Parallel()

	canceled := errors.New("stream torn down")
	fake := &fakeUpstream{
		failKeys: map[string]error{"k1": canceled, "k2": canceled, "k3": canceled},
	}
	c := newTestClient(t, []string{"k1", "k2", "k3"}, fake)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := c.Generate(ctx, userTurn("hello"), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Generate() error = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrUpstreamExhausted) {
		t.Error("cancellation must not surface as pool exhaustion")
	}
}

func TestReplayCanceledMidStream(t *testing.T) {
	t.Parallel()

	fake := &fakeUpstream{answer: strings.Repeat("x", 100)}
	c := newTestClient(t, []string{"k1"}, fake)
	history := userTurn("long answer")
	if _, err := c.Generate(t.Context(), history, nil); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	abort := errors.New("client gone")
	n := 0
	_, err := c.Generate(ctx, history, func(context.Context, string) error {
		n++
		if n == 2 {
			cancel()
			return abort
		}
		return nil
	})
	if !errors.Is(err, abort) {
		t.Errorf("Generate() error = %v, want callback error propagated", err)
	}
	if len(fake.calls) != 1 {
		t.Errorf("upstream attempts = %d, want 1", len(fake.calls))
	}
}

func TestDecodeDataURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		wantMIME string
		wantData string
		wantErr  bool
	}{
		{
			name:     "valid png",
			input:    "data:image/png;base64,aGVsbG8=",
			wantMIME: "image/png",
			wantData: "hello",
		},
		{
			name:     "unknown mime falls back to jpeg",
			input:    "data:;base64,aGVsbG8=",
			wantMIME: "image/jpeg",
			wantData: "hello",
		},
		{name: "missing prefix", input: "image/png;base64,aGVsbG8=", wantErr: true},
		{name: "not base64 marked", input: "data:image/png,aGVsbG8=", wantErr: true},
		{name: "bad payload", input: "data:image/png;base64,!!!", wantErr: true},
		{name: "empty payload", input: "data:image/png;base64,", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			img, err := DecodeDataURL(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidImage) {
					t.Errorf("DecodeDataURL() error = %v, want ErrInvalidImage", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeDataURL() error = %v", err)
			}
			if img.MIMEType != tt.wantMIME {
				t.Errorf("MIMEType = %q, want %q", img.MIMEType, tt.wantMIME)
			}
			if string(img.Data) != tt.wantData {
				t.Errorf("Data = %q, want %q", img.Data, tt.wantData)
			}
		})
	}
}
