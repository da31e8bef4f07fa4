package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/sourcegraph/conc"

	"firestige.xyz/satcat5/internal/log"
)

// JSONRPCRequest is one request line on the socket.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse is one response line on the socket.
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// Server answers newline-delimited JSON-RPC 2.0 on a Unix socket.
type Server struct {
	path    string
	handler *Handler
	ln      net.Listener
	conns   conc.WaitGroup

	mu     sync.Mutex
	open   map[net.Conn]struct{}
	closed bool
}

// NewServer creates a server for handler at path.
func NewServer(path string, handler *Handler) *Server {
	return &Server{path: path, handler: handler, open: make(map[net.Conn]struct{})}
}

// Listen creates the socket with owner-only access, replacing a stale
// socket file left by a previous run.
func (s *Server) Listen() error {
	if err := os.RemoveAll(s.path); err != nil {
		return fmt.Errorf("control socket %s: %w", s.path, err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("control socket %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("control socket %s: %w", s.path, err)
	}
	s.ln = ln
	return nil
}

// Serve handles connections until ctx ends, then stops the server.
func (s *Server) Serve(ctx context.Context) error {
	log.GetLogger().WithField("socket", s.path).Info("control socket listening")
	go func() {
		for {
			conn, err := s.ln.Accept()
			if err != nil {
				if !s.track(ctx, nil) {
					return
				}
				log.GetLogger().WithError(err).Warn("control accept failed")
				continue
			}
			if !s.track(ctx, conn) {
				conn.Close()
				return
			}
		}
	}()
	<-ctx.Done()
	return s.Stop()
}

// track starts a handler for conn and reports whether the server is
// still open. A nil conn only checks.
func (s *Server) track(ctx context.Context, conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if conn != nil {
		s.open[conn] = struct{}{}
		s.conns.Go(func() { s.serveConn(ctx, conn) })
	}
	return true
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.open, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req JSONRPCRequest
		err := dec.Decode(&req)
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return
		}
		reply := JSONRPCResponse{JSONRPC: "2.0", ID: req.ID}
		switch {
		case err != nil:
			// The stream cannot be resynchronised after a syntax error.
			reply.Error = &ErrorInfo{Code: ErrCodeParseError, Message: fmt.Sprintf("parse error: %v", err)}
			enc.Encode(reply)
			return
		case req.Method == "":
			reply.Error = &ErrorInfo{Code: ErrCodeInvalidRequest, Message: "missing method"}
		default:
			resp := s.handler.Handle(ctx, Command{Method: req.Method, Params: req.Params, ID: fmt.Sprint(req.ID)})
			reply.Result, reply.Error = resp.Result, resp.Error
		}
		if err := enc.Encode(reply); err != nil {
			log.GetLogger().WithError(err).Debug("control client went away")
			return
		}
	}
}

// Stop closes the listener and open connections, waits for their
// handlers, and removes the socket file.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.ln != nil {
		s.ln.Close()
	}
	for c := range s.open {
		c.Close()
	}
	s.mu.Unlock()

	s.conns.Wait()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	log.GetLogger().Info("control socket closed")
	return nil
}
