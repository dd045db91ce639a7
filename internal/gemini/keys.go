package gemini

import (
	"errors"
	"sync"
)

// ErrNoKeys indicates the credential pool was constructed empty.
var ErrNoKeys = errors.New("credential pool is empty")

// KeyRing is an ordered, cyclically rotating pool of upstream credentials.
// The active index always stays in [0, len); rotation is (index+1) mod len.
//
// The ring is shared by all sessions, so rotation is mutex-guarded:
// concurrent failures from different sessions may each rotate, which is
// harmless (rotation is cyclic) but must not corrupt the index.
type KeyRing struct {
	mu    sync.Mutex
	keys  []string
	index int
}

// NewKeyRing creates a key ring from an ordered credential list.
func NewKeyRing(keys []string) (*KeyRing, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	cp := make([]string, len(keys))
	copy(cp, keys)
	return &KeyRing{keys: cp}, nil
}

// Active returns the currently active credential.
func (r *KeyRing) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keys[r.index]
}

// Rotate advances to the next credential and returns it.
func (r *KeyRing) Rotate() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.index = (r.index + 1) % len(r.keys)
	return r.keys[r.index]
}

// Len returns the number of credentials in the ring.
func (r *KeyRing) Len() int {
	return len(r.keys)
}

// Index returns the current active index.
func (r *KeyRing) Index() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index
}
