// Package control serves commands to a running switch daemon. The same
// handler answers JSON-RPC 2.0 on a local Unix socket and commands
// published to a Kafka topic.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"firestige.xyz/satcat5/internal/log"
)

// Method names.
const (
	MethodStatus   = "daemon.status"
	MethodPorts    = "port.stats"
	MethodRoutes   = "route.list"
	MethodPtp      = "ptp.status"
	MethodReload   = "config.reload"
	MethodShutdown = "daemon.shutdown"
)

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error
)

// Backend is the daemon state the handler reports on and acts upon.
type Backend interface {
	Status(ctx context.Context) (Status, error)
	Ports(ctx context.Context) ([]PortStatus, error)
	Routes(ctx context.Context) (RouteList, error)
	Ptp(ctx context.Context) (PtpStatus, error)
	Reload() error
	Shutdown()
}

// Status summarises a running daemon.
type Status struct {
	Node      string `json:"node"`
	Version   string `json:"version"`
	UptimeSec int64  `json:"uptime_sec"`
	Ports     int    `json:"ports"`
	Routes    int    `json:"routes"`
	PtpState  string `json:"ptp_state,omitempty"`
}

// PortStatus carries the traffic counters of one switch port.
type PortStatus struct {
	Index    int    `json:"index"`
	Name     string `json:"name"`
	Vid      uint16 `json:"vid,omitempty"`
	RxFrames uint64 `json:"rx_frames"`
	RxDrops  uint64 `json:"rx_drops"`
	TxFrames uint64 `json:"tx_frames"`
	TxDrops  uint64 `json:"tx_drops"`
}

// RouteInfo is one routing table entry in printable form.
type RouteInfo struct {
	Subnet  string `json:"subnet"`
	Gateway string `json:"gateway,omitempty"`
	Mac     string `json:"mac,omitempty"`
	Port    uint8  `json:"port"`
	Metric  uint16 `json:"metric,omitempty"`
}

// RouteList is the local routing table.
type RouteList struct {
	Default *RouteInfo  `json:"default,omitempty"`
	Routes  []RouteInfo `json:"routes"`
}

// PtpStatus reports the PTP client.
type PtpStatus struct {
	Mode      string `json:"mode"`
	State     string `json:"state"`
	Master    string `json:"master,omitempty"`
	Sent      uint64 `json:"sent"`
	Received  uint64 `json:"received"`
	Malformed uint64 `json:"malformed"`
	OffsetNs  *int64 `json:"offset_ns,omitempty"`
}

// Command represents a control plane command.
type Command struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     string          `json:"id"`
}

// Response represents a command response.
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// PortParams selects one port for port.stats. An empty name selects all.
type PortParams struct {
	Port string `json:"port,omitempty"`
}

// Handler dispatches commands to a Backend.
type Handler struct {
	backend Backend
}

// NewHandler creates a handler for b.
func NewHandler(b Backend) *Handler {
	return &Handler{backend: b}
}

// Handle processes a command and returns a response.
func (h *Handler) Handle(ctx context.Context, cmd Command) Response {
	log.GetLogger().WithFields(map[string]interface{}{"method": cmd.Method, "id": cmd.ID}).Debug("handling command")

	var (
		result interface{}
		err    error
	)
	switch cmd.Method {
	case MethodStatus:
		result, err = h.backend.Status(ctx)
	case MethodPorts:
		result, err = h.ports(ctx, cmd.Params)
	case MethodRoutes:
		result, err = h.backend.Routes(ctx)
	case MethodPtp:
		result, err = h.backend.Ptp(ctx)
	case MethodReload:
		if err = h.backend.Reload(); err == nil {
			result = map[string]string{"status": "reloaded"}
		}
	case MethodShutdown:
		h.backend.Shutdown()
		result = map[string]string{"status": "shutting down"}
	default:
		return errorResponse(cmd.ID, ErrCodeMethodNotFound, fmt.Sprintf("method %q not found", cmd.Method))
	}
	if err != nil {
		var info *ErrorInfo
		if errors.As(err, &info) {
			return Response{ID: cmd.ID, Error: info}
		}
		log.GetLogger().WithError(err).WithField("method", cmd.Method).Warn("command failed")
		return errorResponse(cmd.ID, ErrCodeInternalError, err.Error())
	}
	return Response{ID: cmd.ID, Result: result}
}

func (h *Handler) ports(ctx context.Context, raw json.RawMessage) ([]PortStatus, error) {
	var p PortParams
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &ErrorInfo{Code: ErrCodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
		}
	}
	all, err := h.backend.Ports(ctx)
	if err != nil || p.Port == "" {
		return all, err
	}
	for _, s := range all {
		if s.Name == p.Port {
			return []PortStatus{s}, nil
		}
	}
	return nil, &ErrorInfo{Code: ErrCodeInvalidParams, Message: fmt.Sprintf("no port named %q", p.Port)}
}

func errorResponse(id string, code int, msg string) Response {
	return Response{ID: id, Error: &ErrorInfo{Code: code, Message: msg}}
}
