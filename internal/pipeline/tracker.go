// Package pipeline tracks the displayed stage of every live session.
package pipeline

import (
	"sync"
	"time"

	"github.com/ashureev/clm-relay/internal/domain"
)

type entry struct {
	state     domain.PipelineState
	seq       uint64
	updatedAt time.Time
}

// Tracker holds one PipelineState per session id. Readers always receive
// deep copies, so a status query never observes a half-applied update.
type Tracker struct {
	mu     sync.Mutex
	states map[string]*entry
	seq    uint64
	now    func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		states: make(map[string]*entry),
		now:    time.Now,
	}
}

// Update applies fn to the session's state, creating an idle state first if
// the session is unknown, and returns a copy of the result.
func (t *Tracker) Update(sessionID string, fn func(*domain.PipelineState)) domain.PipelineState {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.states[sessionID]
	if !ok {
		e = &entry{state: domain.IdleState(t.now())}
		t.states[sessionID] = e
	}
	fn(&e.state)
	if e.state.Emotions == nil {
		e.state.Emotions = []domain.EmotionSignal{}
	}
	t.touch(e)
	return e.state.Clone()
}

// Settle moves a session from speaking back to idle. Any other stage is left
// alone, so a turn that started meanwhile is not clobbered.
func (t *Tracker) Settle(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.states[sessionID]
	if !ok || e.state.Stage != domain.StageSpeaking {
		return
	}
	e.state.Stage = domain.StageIdle
	t.touch(e)
}

func (t *Tracker) touch(e *entry) {
	t.seq++
	e.seq = t.seq
	e.updatedAt = t.now()
}

// Snapshot returns the session's state. Unknown sessions read as idle and
// ok is false.
func (t *Tracker) Snapshot(sessionID string) (domain.PipelineState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.states[sessionID]
	if !ok {
		return domain.IdleState(t.now()), false
	}
	return e.state.Clone(), true
}

// Latest returns the most recently updated session and its state. With no
// sessions it returns an idle state and ok is false.
func (t *Tracker) Latest() (string, domain.PipelineState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		latestID string
		latest   *entry
	)
	for id, e := range t.states {
		if latest == nil || e.seq > latest.seq {
			latestID, latest = id, e
		}
	}
	if latest == nil {
		return "", domain.IdleState(t.now()), false
	}
	return latestID, latest.state.Clone(), true
}

// Release forgets a session; it reads back as idle afterwards.
func (t *Tracker) Release(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, sessionID)
}

// Reset forgets every session.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states = make(map[string]*entry)
}

// Expired returns the sessions not updated within ttl.
func (t *Tracker) Expired(ttl time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	threshold := t.now().Add(-ttl)
	var ids []string
	for id, e := range t.states {
		if e.updatedAt.Before(threshold) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Len returns the number of tracked sessions.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}
