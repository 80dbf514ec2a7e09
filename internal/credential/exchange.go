// Package credential implements the one-shot interactive exchange used to
// obtain an elevation confirmation and an administrator secret.
package credential

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"firestige.xyz/wiretap/internal/core"
)

// DefaultTimeout bounds how long a request waits for its responder.
const DefaultTimeout = 30 * time.Second

var (
	// ErrPending is returned when a request is issued while another is outstanding.
	ErrPending = errors.New("credential: request already pending")
	// ErrCancelled is returned when the responder dismissed the request.
	ErrCancelled = errors.New("credential: request cancelled")
	// ErrTimedOut is returned when no response arrived before the timeout.
	ErrTimedOut = errors.New("credential: request timed out")
)

// Notifier delivers a new request to the external responder. It must not block.
type Notifier func(req core.PromptRequest)

// Response answers the outstanding request. RequestID is optional; when set it
// must match the outstanding request.
type Response struct {
	RequestID string `json:"request_id,omitempty"`
	Secret    string `json:"secret,omitempty"`
	Approved  bool   `json:"approved,omitempty"`
	Cancelled bool   `json:"cancel,omitempty"`
}

type pending struct {
	req   core.PromptRequest
	reply chan Response
}

// Exchange holds at most one outstanding request.
type Exchange struct {
	timeout time.Duration
	notify  Notifier

	mu      sync.Mutex
	pending *pending
}

// NewExchange creates an exchange. A non-positive timeout selects DefaultTimeout.
func NewExchange(timeout time.Duration, notify Notifier) *Exchange {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Exchange{timeout: timeout, notify: notify}
}

// RequestCredential asks the responder for a secret.
func (e *Exchange) RequestCredential(ctx context.Context, prompt string) (string, error) {
	resp, err := e.ask(ctx, core.PromptSecret, prompt)
	if err != nil {
		return "", err
	}
	return resp.Secret, nil
}

// Confirm asks the responder a yes/no question. A "no" answer is (false, nil);
// a dismissal is ErrCancelled.
func (e *Exchange) Confirm(ctx context.Context, prompt string) (bool, error) {
	resp, err := e.ask(ctx, core.PromptConfirm, prompt)
	if err != nil {
		return false, err
	}
	return resp.Approved, nil
}

// Respond resolves the outstanding request. It reports false when there is no
// outstanding request or the request ID does not match; such responses are dropped.
func (e *Exchange) Respond(resp Response) bool {
	e.mu.Lock()
	p := e.pending
	if p == nil || (resp.RequestID != "" && resp.RequestID != p.req.ID) {
		e.mu.Unlock()
		slog.Debug("dropping credential response", "request_id", resp.RequestID)
		return false
	}
	e.pending = nil
	e.mu.Unlock()

	// reply has capacity 1 and only one sender can clear e.pending.
	p.reply <- resp
	return true
}

// Cancel resolves the outstanding request, if any, as cancelled.
func (e *Exchange) Cancel() bool {
	return e.Respond(Response{Cancelled: true})
}

// Pending returns the outstanding request.
func (e *Exchange) Pending() (core.PromptRequest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return core.PromptRequest{}, false
	}
	return e.pending.req, true
}

func (e *Exchange) ask(ctx context.Context, kind core.PromptKind, prompt string) (Response, error) {
	e.mu.Lock()
	if e.pending != nil {
		e.mu.Unlock()
		return Response{}, ErrPending
	}
	p := &pending{
		req: core.PromptRequest{
			ID:       uuid.NewString(),
			Kind:     kind,
			Prompt:   prompt,
			Deadline: time.Now().Add(e.timeout),
		},
		reply: make(chan Response, 1),
	}
	e.pending = p
	e.mu.Unlock()

	defer e.retract(p)

	if e.notify != nil {
		e.notify(p.req)
	}

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case resp := <-p.reply:
		if resp.Cancelled {
			return Response{}, ErrCancelled
		}
		return resp, nil
	case <-timer.C:
		e.retract(p)
		slog.Warn("credential request timed out", "request_id", p.req.ID, "kind", kind, "timeout", e.timeout)
		return Response{}, ErrTimedOut
	case <-ctx.Done():
		e.retract(p)
		return Response{}, ctx.Err()
	}
}

// retract clears p if it is still the outstanding request.
func (e *Exchange) retract(p *pending) {
	e.mu.Lock()
	if e.pending == p {
		e.pending = nil
	}
	e.mu.Unlock()
}
