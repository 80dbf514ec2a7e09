// Package command implements command channels.
package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/wiretap/internal/eventbus"
)

const (
	maxRequestSize    = 1 << 20
	eventWriteTimeout = 5 * time.Second
)

// EventSource lets a connection subscribe to the session event stream.
type EventSource interface {
	Subscribe(name string, handler eventbus.Handler, topics ...eventbus.Topic) (func(), error)
}

// SubscribeParams represents parameters for events_subscribe. No topics means all.
type SubscribeParams struct {
	Topics []eventbus.Topic `json:"topics,omitempty"`
}

// SubscribeResult acknowledges a subscription before the first event line.
type SubscribeResult struct {
	Subscribed bool             `json:"subscribed"`
	Topics     []eventbus.Topic `json:"topics,omitempty"`
}

// UDSServer implements a JSON-RPC server over Unix Domain Socket.
type UDSServer struct {
	socketPath string
	handler    *CommandHandler
	events     EventSource
	listener   net.Listener
	streams    atomic.Uint64

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
	stopped bool
}

// NewUDSServer creates a new UDS server. events may be nil, in which case
// events_subscribe is refused.
func NewUDSServer(socketPath string, handler *CommandHandler, events EventSource) *UDSServer {
	return &UDSServer{
		socketPath: socketPath,
		handler:    handler,
		events:     events,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start starts the UDS server.
// Blocks until context is cancelled or an error occurs.
func (s *UDSServer) Start(ctx context.Context) error {
	// Remove existing socket file if it exists
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		listener.Close()
		os.RemoveAll(s.socketPath)
		return nil
	}
	s.listener = listener
	s.mu.Unlock()

	// Owner only: credential responses travel over this socket.
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	slog.Info("uds server started", "socket", s.socketPath)

	go s.acceptLoop(ctx)

	<-ctx.Done()
	slog.Info("uds server stopping", "reason", ctx.Err())

	return s.Stop()
}

// acceptLoop accepts incoming connections.
func (s *UDSServer) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()

			if stopped {
				return
			}

			slog.Error("failed to accept connection", "error", err)
			continue
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleConnection(ctx, conn)
	}
}

// handleConnection serves requests on one connection until it closes or
// switches to event streaming.
func (s *UDSServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	slog.Debug("uds connection established")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestSize)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		var req JSONRPCRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			slog.Error("failed to parse request", "error", err)
			encoder.Encode(JSONRPCResponse{
				JSONRPC: "2.0",
				ID:      nil,
				Error: &ErrorInfo{
					Code:    ErrCodeParseError,
					Message: fmt.Sprintf("parse error: %v", err),
				},
			})
			continue
		}
		if req.Method == "" {
			encoder.Encode(JSONRPCResponse{
				JSONRPC: "2.0",
				ID:      req.ID,
				Error:   &ErrorInfo{Code: ErrCodeInvalidRequest, Message: "method is required"},
			})
			continue
		}

		if req.Method == MethodEventsSubscribe {
			s.stream(conn, scanner, encoder, req)
			return
		}

		resp := s.handler.Handle(ctx, Command{
			Method: req.Method,
			Params: req.Params,
			ID:     fmt.Sprintf("%v", req.ID),
		})

		if err := encoder.Encode(JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  resp.Result,
			Error:   resp.Error,
		}); err != nil {
			slog.Error("failed to send response", "error", err)
			return
		}
	}

	if err := scanner.Err(); err != nil {
		slog.Error("connection error", "error", err)
	}

	slog.Debug("uds connection closed")
}

// stream turns conn into a one-way event feed. It returns when the peer
// disconnects, a write fails, or the server stops.
func (s *UDSServer) stream(conn net.Conn, scanner *bufio.Scanner, encoder *json.Encoder, req JSONRPCRequest) {
	reply := func(result interface{}, errInfo *ErrorInfo) error {
		return encoder.Encode(JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result, Error: errInfo})
	}

	var params SubscribeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			reply(nil, &ErrorInfo{Code: ErrCodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)})
			return
		}
	}
	if s.events == nil {
		reply(nil, &ErrorInfo{Code: ErrCodeInternalError, Message: "event stream not available"})
		return
	}

	var writeMu sync.Mutex
	name := fmt.Sprintf("uds-stream-%d", s.streams.Add(1))

	// The ack must precede the first event line.
	writeMu.Lock()
	unsubscribe, err := s.events.Subscribe(name, func(ev *eventbus.Event) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
		if err := encoder.Encode(ev); err != nil {
			conn.Close()
			return fmt.Errorf("write event to %s: %w", name, err)
		}
		return nil
	}, params.Topics...)
	if err != nil {
		writeMu.Unlock()
		reply(nil, &ErrorInfo{Code: ErrCodeInternalError, Message: fmt.Sprintf("subscribe failed: %v", err)})
		return
	}
	ackErr := reply(SubscribeResult{Subscribed: true, Topics: params.Topics}, nil)
	writeMu.Unlock()
	defer unsubscribe()
	if ackErr != nil {
		return
	}

	slog.Info("event stream opened", "subscriber", name, "topics", params.Topics)

	// Anything the peer sends after subscribing is ignored; EOF ends the stream.
	for scanner.Scan() {
	}
	slog.Info("event stream closed", "subscriber", name)
}

// Stop stops the UDS server.
func (s *UDSServer) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}

	// Close all active connections
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	os.RemoveAll(s.socketPath)

	slog.Info("uds server stopped")
	return nil
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}
