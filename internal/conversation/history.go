// Package conversation holds the ordered turn history of a single session.
package conversation

import (
	"sync"

	"github.com/ashureev/clm-relay/internal/domain"
)

// History is an append-only list of turns. It is safe for concurrent use,
// although the relay only ever touches a history from one goroutine.
type History struct {
	mu    sync.Mutex
	turns []domain.Turn
}

// New returns an empty history.
func New() *History {
	return &History{}
}

// Single returns a history holding exactly one user turn.
func Single(content string) *History {
	h := New()
	h.Append(domain.UserTurn(content))
	return h
}

// Append adds a turn to the end of the history.
func (h *History) Append(turn domain.Turn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, turn)
}

// Turns returns a copy of the turns in order.
func (h *History) Turns() []domain.Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Len returns the number of turns.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}
