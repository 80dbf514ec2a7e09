// Package session implements the capture session state machine.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"firestige.xyz/wiretap/internal/core"
)

// Session is one capture attempt. A fresh session is created per start.
type Session struct {
	id        string
	iface     string
	filter    string
	elevated  bool
	createdAt time.Time

	mu         sync.Mutex
	state      core.SessionState
	proc       Process
	privileged bool
	started    bool // started event emitted
	startedAt  time.Time
	stoppedAt  time.Time
	packets    uint64
	dropped    uint64
	lastStderr string
	err        error
	cancel     func()

	done    chan struct{} // closed on entering a terminal state
	drained chan struct{} // closed once output readers finished
}

func newSession(iface, filter string, elevated bool, cancel func()) *Session {
	return &Session{
		id:        uuid.NewString(),
		iface:     iface,
		filter:    filter,
		elevated:  elevated,
		createdAt: time.Now(),
		state:     core.StateIdle,
		cancel:    cancel,
		done:      make(chan struct{}),
		drained:   make(chan struct{}),
	}
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Interface returns the capture interface.
func (s *Session) Interface() string { return s.iface }

// State returns the current lifecycle state.
func (s *Session) State() core.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session to Error, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session is Stopped or Error.
func (s *Session) Done() <-chan struct{} { return s.done }

// advance moves from one of the allowed states to next.
func (s *Session) advance(next core.SessionState, from ...core.SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range from {
		if s.state == f {
			s.state = next
			return true
		}
	}
	return false
}

// finish enters a terminal state. Error is not entered while stopping, so a
// failure caused by the stop itself never overrides it.
func (s *Session) finish(state core.SessionState, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	if state == core.StateError && s.state == core.StateStopping {
		return false
	}
	s.state = state
	s.err = err
	s.stoppedAt = time.Now()
	close(s.done)
	return true
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID         string            `json:"id"`
	Interface  string            `json:"interface"`
	Filter     string            `json:"filter,omitempty"`
	State      core.SessionState `json:"state"`
	Elevated   bool              `json:"elevated"`
	Privileged bool              `json:"privileged"`
	Pid        int               `json:"pid,omitempty"`
	Packets    uint64            `json:"packets"`
	Dropped    uint64            `json:"dropped_lines"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	StoppedAt  *time.Time        `json:"stopped_at,omitempty"`
	Error      string            `json:"error,omitempty"`
	Cause      core.Cause        `json:"cause,omitempty"`
}

// Snapshot returns the session's current view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:         s.id,
		Interface:  s.iface,
		Filter:     s.filter,
		State:      s.state,
		Elevated:   s.elevated,
		Privileged: s.privileged,
		Packets:    s.packets,
		Dropped:    s.dropped,
		CreatedAt:  s.createdAt,
	}
	if s.proc != nil && !s.state.Terminal() {
		snap.Pid = s.proc.Pid()
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		snap.StartedAt = &t
	}
	if !s.stoppedAt.IsZero() {
		t := s.stoppedAt
		snap.StoppedAt = &t
	}
	if s.err != nil {
		snap.Error = s.err.Error()
		snap.Cause = core.CauseOf(s.err)
	}
	return snap
}
