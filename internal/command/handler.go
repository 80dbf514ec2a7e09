// Package command implements control plane command handling.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"firestige.xyz/wiretap/internal/core"
	"firestige.xyz/wiretap/internal/credential"
	"firestige.xyz/wiretap/internal/netif"
	"firestige.xyz/wiretap/internal/session"
)

// Method names.
const (
	MethodInterfacesList    = "interfaces_list"
	MethodCaptureStart      = "capture_start"
	MethodCaptureStop       = "capture_stop"
	MethodCaptureStatus     = "capture_status"
	MethodCredentialRespond = "credential_respond"
	MethodEventsSubscribe   = "events_subscribe"
	MethodDaemonStatus      = "daemon_status"
	MethodDaemonShutdown    = "daemon_shutdown"
)

// CaptureEngine is the capture session API the handler drives.
type CaptureEngine interface {
	ListInterfaces() ([]netif.Interface, error)
	Start(ctx context.Context, iface, filter string) error
	Stop()
	Status() session.Snapshot
	Respond(resp credential.Response) bool
	PendingPrompt() (core.PromptRequest, bool)
}

// CommandHandler handles control plane commands.
type CommandHandler struct {
	engine       CaptureEngine
	shutdownFunc func() // Called by daemon_shutdown to trigger graceful stop
	startTime    int64  // Unix timestamp of daemon start for uptime calc
	version      string
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(engine CaptureEngine) *CommandHandler {
	return &CommandHandler{
		engine:    engine,
		startTime: time.Now().Unix(),
		version:   "dev",
	}
}

// SetShutdownFunc sets the callback invoked by the daemon_shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// SetVersion sets the version reported by daemon_status.
func (h *CommandHandler) SetVersion(v string) {
	if v != "" {
		h.version = v
	}
}

// Command represents a control plane command.
type Command struct {
	Method string          `json:"method"` // e.g., "capture_start", "capture_stop"
	Params json.RawMessage `json:"params"` // command-specific parameters
	ID     string          `json:"id"`     // request ID for tracking
}

// Response represents a command response.
type Response struct {
	ID     string      `json:"id"`               // matches request ID
	Result interface{} `json:"result,omitempty"` // success result
	Error  *ErrorInfo  `json:"error,omitempty"`  // error info if failed
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error
)

func errorResponse(id string, code int, format string, args ...any) Response {
	return Response{
		ID: id,
		Error: &ErrorInfo{
			Code:    code,
			Message: fmt.Sprintf(format, args...),
		},
	}
}

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	if cmd.Method == MethodCredentialRespond {
		// params carry a secret
		slog.Info("handling command", "method", cmd.Method, "id", cmd.ID)
	} else {
		slog.Info("handling command", "method", cmd.Method, "id", cmd.ID, "params", string(cmd.Params))
	}

	switch cmd.Method {
	case MethodInterfacesList:
		return h.handleInterfacesList(ctx, cmd)
	case MethodCaptureStart:
		return h.handleCaptureStart(ctx, cmd)
	case MethodCaptureStop:
		return h.handleCaptureStop(ctx, cmd)
	case MethodCaptureStatus:
		return h.handleCaptureStatus(ctx, cmd)
	case MethodCredentialRespond:
		return h.handleCredentialRespond(ctx, cmd)
	case MethodDaemonShutdown:
		return h.handleDaemonShutdown(ctx, cmd)
	case MethodDaemonStatus:
		return h.handleDaemonStatus(ctx, cmd)
	case MethodEventsSubscribe:
		return errorResponse(cmd.ID, ErrCodeInvalidRequest, "%s is only available on a stream connection", cmd.Method)
	default:
		return errorResponse(cmd.ID, ErrCodeMethodNotFound, "method %q not found", cmd.Method)
	}
}

// InterfacesListResult is the interfaces_list result.
type InterfacesListResult struct {
	Interfaces []netif.Interface `json:"interfaces"`
}

func (h *CommandHandler) handleInterfacesList(_ context.Context, cmd Command) Response {
	list, err := h.engine.ListInterfaces()
	if err != nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "list interfaces failed: %v", err)
	}
	if list == nil {
		list = []netif.Interface{}
	}
	return Response{ID: cmd.ID, Result: InterfacesListResult{Interfaces: list}}
}

// CaptureStartParams represents parameters for capture_start.
type CaptureStartParams struct {
	Interface string `json:"interface"`
	Filter    string `json:"filter,omitempty"`
}

// CaptureStartResult reports how a start request ended. A refused or failed
// start is a successful call with Success=false.
type CaptureStartResult struct {
	Success   bool       `json:"success"`
	SessionID string     `json:"session_id,omitempty"`
	Error     string     `json:"error,omitempty"`
	Cause     core.Cause `json:"cause,omitempty"`
}

// handleCaptureStart blocks until the session is running or has ended, which
// includes any credential exchange.
func (h *CommandHandler) handleCaptureStart(ctx context.Context, cmd Command) Response {
	var params CaptureStartParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, "invalid params: %v", err)
	}

	err := h.engine.Start(ctx, params.Interface, params.Filter)
	result := CaptureStartResult{Success: err == nil}
	if err != nil {
		result.Error = err.Error()
		result.Cause = core.CauseOf(err)
		slog.Warn("capture_start failed", "interface", params.Interface, "error", err)
	}
	if !errors.Is(err, core.ErrCaptureInProgress) {
		if snap := h.engine.Status(); snap.Interface == params.Interface {
			result.SessionID = snap.ID
		}
	}
	return Response{ID: cmd.ID, Result: result}
}

// SuccessResult is returned by commands that cannot fail.
type SuccessResult struct {
	Success bool `json:"success"`
}

func (h *CommandHandler) handleCaptureStop(_ context.Context, cmd Command) Response {
	h.engine.Stop()
	return Response{ID: cmd.ID, Result: SuccessResult{Success: true}}
}

// CaptureStatusResult is the current session snapshot plus the outstanding
// operator prompt, if any.
type CaptureStatusResult struct {
	session.Snapshot
	Prompt *core.PromptRequest `json:"prompt,omitempty"`
}

func (h *CommandHandler) handleCaptureStatus(_ context.Context, cmd Command) Response {
	result := CaptureStatusResult{Snapshot: h.engine.Status()}
	if req, ok := h.engine.PendingPrompt(); ok {
		result.Prompt = &req
	}
	return Response{ID: cmd.ID, Result: result}
}

// CredentialRespondResult reports whether a response reached a waiting request.
type CredentialRespondResult struct {
	Accepted bool `json:"accepted"`
}

func (h *CommandHandler) handleCredentialRespond(_ context.Context, cmd Command) Response {
	var params credential.Response
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, "invalid params: %v", err)
	}
	accepted := h.engine.Respond(params)
	if !accepted {
		slog.Info("credential response discarded", "request_id", params.RequestID)
	}
	return Response{ID: cmd.ID, Result: CredentialRespondResult{Accepted: accepted}}
}

// handleDaemonShutdown triggers graceful daemon shutdown via the registered callback.
func (h *CommandHandler) handleDaemonShutdown(_ context.Context, cmd Command) Response {
	if h.shutdownFunc == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "shutdown handler not registered")
	}

	slog.Info("daemon_shutdown command received, initiating graceful shutdown")
	go h.shutdownFunc() // Non-blocking: let the response be sent first

	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"status": "shutting_down",
		},
	}
}

// DaemonStatusResult is the daemon_status result.
type DaemonStatusResult struct {
	Version   string            `json:"version"`
	PID       int               `json:"pid"`
	UptimeSec int64             `json:"uptime_sec"`
	State     core.SessionState `json:"state"`
	SessionID string            `json:"session_id,omitempty"`
	Interface string            `json:"interface,omitempty"`
}

// handleDaemonStatus returns daemon status information.
func (h *CommandHandler) handleDaemonStatus(_ context.Context, cmd Command) Response {
	snap := h.engine.Status()
	return Response{
		ID: cmd.ID,
		Result: DaemonStatusResult{
			Version:   h.version,
			PID:       os.Getpid(),
			UptimeSec: time.Now().Unix() - h.startTime,
			State:     snap.State,
			SessionID: snap.ID,
			Interface: snap.Interface,
		},
	}
}
