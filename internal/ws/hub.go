package ws

import (
	"context"
	"sync"
	"time"

	"github.com/emberchat/ember/internal/log"
)

// Hub tracks live sessions and runs the heartbeat sweep over them.
type Hub struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
	interval time.Duration
	logger   log.Logger
}

// NewHub creates a hub sweeping at the given interval.
func NewHub(interval time.Duration, logger log.Logger) *Hub {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Hub{
		sessions: make(map[*Session]struct{}),
		interval: interval,
		logger:   logger,
	}
}

func (h *Hub) add(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s] = struct{}{}
}

func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s)
}

// Len returns the number of live sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Run sweeps sessions until ctx is done: each pass terminates every session
// that did not answer the previous ping, then pings the rest. Intended to
// run on its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepOnce()
		}
	}
}

func (h *Hub) sweepOnce() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		if !s.sweep() {
			h.logger.Info("terminating unresponsive session", "user", s.user.Username)
			s.terminate()
		}
	}
}
