package gemini

import (
	"errors"
	"sync"
	"testing"
)

func TestNewKeyRing(t *testing.T) {
	t.Parallel()

	t.Run("empty list", func(t *testing.T) {
		t.Parallel()
		_, err := NewKeyRing(nil)
		if !errors.Is(err, ErrNoKeys) {
			t.Errorf("NewKeyRing(nil) error = %v, want ErrNoKeys", err)
		}
	})

	t.Run("copies input", func(t *testing.T) {
		t.Parallel()
		keys := []string{"k1", "k2"}
		ring, err := NewKeyRing(keys)
		if err != nil {
			t.Fatalf("NewKeyRing() error = %v", err)
		}
		keys[0] = "mutated"
		if got := ring.Active(); got != "k1" {
			t.Errorf("Active() = %q after caller mutation, want %q", got, "k1")
		}
	})
}

func TestKeyRingRotate(t *testing.T) {
	t.Parallel()

	ring, err := NewKeyRing([]string{"k1", "k2", "k3"})
	if err != nil {
		t.Fatalf("NewKeyRing() error = %v", err)
	}

	want := []string{"k2", "k3", "k1", "k2"}
	for i, w := range want {
		if got := ring.Rotate(); got != w {
			t.Errorf("Rotate() #%d = %q, want %q", i+1, got, w)
		}
	}
	if got := ring.Index(); got != 1 {
		t.Errorf("Index() = %d, want 1", got)
	}
}

func TestKeyRingConcurrentRotate(t *testing.T) {
	t.Parallel()

	ring, err := NewKeyRing([]string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("NewKeyRing() error = %v", err)
	}

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ring.Rotate()
		}()
	}
	wg.Wait()

	if idx := ring.Index(); idx < 0 || idx >= ring.Len() {
		t.Errorf("Index() = %d, out of range [0,%d)", idx, ring.Len())
	}
	// 100 rotations over 3 keys lands on index 100 mod 3 = 1.
	if idx := ring.Index(); idx != 1 {
		t.Errorf("Index() after 100 rotations = %d, want 1", idx)
	}
}
