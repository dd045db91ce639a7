package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/emberchat/ember/internal/log"
	"github.com/emberchat/ember/internal/store"
	"github.com/emberchat/ember/internal/testutil"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	connString := testutil.StartPostgres(t)
	s, err := store.New(context.Background(), connString, log.NewNop())
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user, err := s.CreateUser(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if user.ID == uuid.Nil {
		t.Fatal("CreateUser() returned a nil id")
	}

	t.Run("auth tokens", func(t *testing.T) {
		if err := s.CreateAuthSession(ctx, user.ID, "valid-token", time.Now().Add(time.Hour)); err != nil {
			t.Fatalf("CreateAuthSession() error = %v", err)
		}
		if err := s.CreateAuthSession(ctx, user.ID, "expired-token", time.Now().Add(-time.Hour)); err != nil {
			t.Fatalf("CreateAuthSession() error = %v", err)
		}

		got, err := s.UserByToken(ctx, "valid-token")
		if err != nil {
			t.Fatalf("UserByToken() error = %v", err)
		}
		if got.ID != user.ID || got.Username != "alice" {
			t.Errorf("UserByToken() = %+v, want user %s", got, user.ID)
		}

		if _, err := s.UserByToken(ctx, "expired-token"); !errors.Is(err, store.ErrTokenExpired) {
			t.Errorf("UserByToken(expired) error = %v, want ErrTokenExpired", err)
		}
		if _, err := s.UserByToken(ctx, "unknown-token"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("UserByToken(unknown) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("conversation round trip", func(t *testing.T) {
		msgs := []store.StoredMessage{
			{Role: "user", Content: "hello there", Timestamp: time.Now().UTC()},
			{Role: "assistant", Content: "hi! how can I help?", Timestamp: time.Now().UTC()},
		}
		if err := s.ReplaceConversation(ctx, user.ID, "chat-1", msgs); err != nil {
			t.Fatalf("ReplaceConversation() error = %v", err)
		}

		conv, err := s.LoadConversation(ctx, user.ID, "chat-1")
		if err != nil {
			t.Fatalf("LoadConversation() error = %v", err)
		}
		if len(conv.Messages) != 2 {
			t.Fatalf("LoadConversation() messages = %d, want 2", len(conv.Messages))
		}
		if conv.Messages[0].Content != "hello there" || conv.Messages[1].Role != "assistant" {
			t.Errorf("LoadConversation() messages = %+v", conv.Messages)
		}
		if conv.Title != "hello there" {
			t.Errorf("LoadConversation() title = %q, want first user message", conv.Title)
		}
	})

	t.Run("replace overwrites whole list", func(t *testing.T) {
		one := []store.StoredMessage{{Role: "user", Content: "only turn", Timestamp: time.Now().UTC()}}
		if err := s.ReplaceConversation(ctx, user.ID, "chat-1", one); err != nil {
			t.Fatalf("ReplaceConversation() error = %v", err)
		}
		conv, err := s.LoadConversation(ctx, user.ID, "chat-1")
		if err != nil {
			t.Fatalf("LoadConversation() error = %v", err)
		}
		if len(conv.Messages) != 1 || conv.Messages[0].Content != "only turn" {
			t.Errorf("messages after replace = %+v, want single new turn", conv.Messages)
		}
	})

	t.Run("ownership enforced", func(t *testing.T) {
		other, err := s.CreateUser(ctx, "bob")
		if err != nil {
			t.Fatalf("CreateUser() error = %v", err)
		}
		if _, err := s.LoadConversation(ctx, other.ID, "chat-1"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("LoadConversation(other user) error = %v, want ErrNotFound", err)
		}
		err = s.ReplaceConversation(ctx, other.ID, "chat-1", nil)
		if !errors.Is(err, store.ErrNotFound) {
			t.Errorf("ReplaceConversation(other user) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("list and delete", func(t *testing.T) {
		if err := s.ReplaceConversation(ctx, user.ID, "chat-2", []store.StoredMessage{
			{Role: "user", Content: "second chat", Timestamp: time.Now().UTC()},
		}); err != nil {
			t.Fatalf("ReplaceConversation() error = %v", err)
		}

		list, err := s.ListConversations(ctx, user.ID)
		if err != nil {
			t.Fatalf("ListConversations() error = %v", err)
		}
		if len(list) != 2 {
			t.Fatalf("ListConversations() = %d entries, want 2", len(list))
		}
		if list[0].ID != "chat-2" {
			t.Errorf("ListConversations()[0] = %q, want most recently updated first", list[0].ID)
		}

		if err := s.DeleteConversation(ctx, user.ID, "chat-2"); err != nil {
			t.Fatalf("DeleteConversation() error = %v", err)
		}
		if err := s.DeleteConversation(ctx, user.ID, "chat-2"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("DeleteConversation(missing) error = %v, want ErrNotFound", err)
		}

		if _, err := s.LoadConversation(ctx, user.ID, "missing"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("LoadConversation(missing) error = %v, want ErrNotFound", err)
		}
	})
}
