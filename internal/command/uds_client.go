// Package command implements command channels.
package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"firestige.xyz/wiretap/internal/credential"
	"firestige.xyz/wiretap/internal/eventbus"
)

// maxEventLine fits a full-size frame after base64 expansion.
const maxEventLine = 1 << 20

// UDSClient is a JSON-RPC client over Unix Domain Socket.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
}

// NewUDSClient creates a new UDS client.
func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = 10 * time.Second // Default timeout
	}
	return &UDSClient{
		socketPath: socketPath,
		timeout:    timeout,
	}
}

// clientResponse keeps the result raw so callers can decode it into their type.
type clientResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

func newRequest(method string, params interface{}) (JSONRPCRequest, error) {
	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return JSONRPCRequest{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsJSON = data
	}
	return JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      fmt.Sprintf("req-%d", time.Now().UnixNano()),
	}, nil
}

func readResponse(scanner *bufio.Scanner, reqID interface{}) (*Response, error) {
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return nil, fmt.Errorf("connection closed without response")
	}

	var raw clientResponse
	if err := json.Unmarshal(scanner.Bytes(), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	respID := fmt.Sprintf("%v", raw.ID)
	if respID != fmt.Sprintf("%v", reqID) {
		return nil, fmt.Errorf("response ID mismatch: expected %v, got %v", reqID, respID)
	}

	resp := &Response{ID: respID, Error: raw.Error}
	if len(raw.Result) > 0 {
		resp.Result = raw.Result
	}
	return resp, nil
}

// Call sends a command and waits for response. The result is left as
// json.RawMessage.
func (c *UDSClient) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	return c.call(ctx, method, params, c.timeout)
}

func (c *UDSClient) call(ctx context.Context, method string, params interface{}, timeout time.Duration) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	req, err := newRequest(method, params)
	if err != nil {
		return nil, err
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)
	return readResponse(scanner, req.ID)
}

// invoke calls method and decodes a successful result into out.
func (c *UDSClient) invoke(ctx context.Context, method string, params, out interface{}, timeout time.Duration) error {
	resp, err := c.call(ctx, method, params, timeout)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	raw, _ := resp.Result.(json.RawMessage)
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// InterfacesList lists capture interfaces.
func (c *UDSClient) InterfacesList(ctx context.Context) (*InterfacesListResult, error) {
	var out InterfacesListResult
	if err := c.invoke(ctx, MethodInterfacesList, nil, &out, c.timeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// CaptureStart starts a capture. The daemon answers only once the session is
// running or has ended, so the call may outlast a credential exchange; wait
// bounds it instead of the client timeout.
func (c *UDSClient) CaptureStart(ctx context.Context, params CaptureStartParams, wait time.Duration) (*CaptureStartResult, error) {
	if wait < c.timeout {
		wait = c.timeout
	}
	var out CaptureStartResult
	if err := c.invoke(ctx, MethodCaptureStart, params, &out, wait); err != nil {
		return nil, err
	}
	return &out, nil
}

// CaptureStop stops the current capture.
func (c *UDSClient) CaptureStop(ctx context.Context) error {
	return c.invoke(ctx, MethodCaptureStop, nil, nil, c.timeout)
}

// CaptureStatus returns the current session snapshot.
func (c *UDSClient) CaptureStatus(ctx context.Context) (*CaptureStatusResult, error) {
	var out CaptureStatusResult
	if err := c.invoke(ctx, MethodCaptureStatus, nil, &out, c.timeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// CredentialRespond answers the daemon's outstanding prompt.
func (c *UDSClient) CredentialRespond(ctx context.Context, resp credential.Response) (bool, error) {
	var out CredentialRespondResult
	if err := c.invoke(ctx, MethodCredentialRespond, resp, &out, c.timeout); err != nil {
		return false, err
	}
	return out.Accepted, nil
}

// DaemonStatus returns daemon status information.
func (c *UDSClient) DaemonStatus(ctx context.Context) (*DaemonStatusResult, error) {
	var out DaemonStatusResult
	if err := c.invoke(ctx, MethodDaemonStatus, nil, &out, c.timeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// DaemonShutdown asks the daemon to stop.
func (c *UDSClient) DaemonShutdown(ctx context.Context) error {
	return c.invoke(ctx, MethodDaemonShutdown, nil, nil, c.timeout)
}

// Ping checks that the daemon is alive.
func (c *UDSClient) Ping(ctx context.Context) error {
	_, err := c.DaemonStatus(ctx)
	return err
}

// Subscribe streams events to fn until ctx is cancelled, the daemon closes
// the stream, or fn returns an error. ready, when non-nil, is called once the
// subscription is acknowledged.
func (c *UDSClient) Subscribe(ctx context.Context, topics []eventbus.Topic, ready func(), fn func(*eventbus.Event) error) error {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	req, err := newRequest(MethodEventsSubscribe, SubscribeParams{Topics: topics})
	if err != nil {
		return err
	}
	conn.SetDeadline(time.Now().Add(c.timeout))
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)
	resp, err := readResponse(scanner, req.ID)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	conn.SetDeadline(time.Time{})
	if ready != nil {
		ready()
	}

	for scanner.Scan() {
		var ev eventbus.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return fmt.Errorf("failed to parse event: %w", err)
		}
		if err := fn(&ev); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("event stream failed: %w", err)
	}
	return nil
}
