package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

var requestSeq atomic.Uint64

// Client calls a daemon over its control socket.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a client. A zero timeout means ten seconds.
func NewClient(socketPath string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{socketPath: socketPath, timeout: timeout}
}

type reply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// Call sends one request and decodes the result into out, which may be
// nil. A daemon-side failure is returned as *ErrorInfo.
func (c *Client) Call(ctx context.Context, method string, params, out interface{}) error {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(deadline) {
		deadline = cd
	}
	conn.SetDeadline(deadline)

	var raw json.RawMessage
	if params != nil {
		if raw, err = json.Marshal(params); err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}
	id := fmt.Sprintf("req-%d", requestSeq.Add(1))
	if err := json.NewEncoder(conn).Encode(JSONRPCRequest{JSONRPC: "2.0", Method: method, Params: raw, ID: id}); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		return fmt.Errorf("connection closed without response")
	}
	var r reply
	if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if got := fmt.Sprintf("%v", r.ID); got != id {
		return fmt.Errorf("response ID mismatch: expected %v, got %v", id, got)
	}
	if r.Error != nil {
		return r.Error
	}
	if out != nil && len(r.Result) > 0 {
		if err := json.Unmarshal(r.Result, out); err != nil {
			return fmt.Errorf("failed to decode result: %w", err)
		}
	}
	return nil
}

// Status fetches daemon.status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var s Status
	err := c.Call(ctx, MethodStatus, nil, &s)
	return s, err
}

// Ports fetches port.stats; an empty name returns every port.
func (c *Client) Ports(ctx context.Context, name string) ([]PortStatus, error) {
	var ps []PortStatus
	err := c.Call(ctx, MethodPorts, PortParams{Port: name}, &ps)
	return ps, err
}

// Routes fetches route.list.
func (c *Client) Routes(ctx context.Context) (RouteList, error) {
	var rl RouteList
	err := c.Call(ctx, MethodRoutes, nil, &rl)
	return rl, err
}

// Ptp fetches ptp.status.
func (c *Client) Ptp(ctx context.Context) (PtpStatus, error) {
	var ps PtpStatus
	err := c.Call(ctx, MethodPtp, nil, &ps)
	return ps, err
}

// Reload asks the daemon to re-read its configuration.
func (c *Client) Reload(ctx context.Context) error {
	return c.Call(ctx, MethodReload, nil, nil)
}

// Shutdown asks the daemon to stop.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.Call(ctx, MethodShutdown, nil, nil)
}
