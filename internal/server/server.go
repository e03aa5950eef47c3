// Package server serves session status over HTTP and WebSocket and accepts
// controller actions from connected clients.
//
//	GET  /status  current snapshot and operator selection
//	POST /action  {"action": "..."}
//	GET  /ws      pushes {"type":"status"} on every change; accepts {"action": "..."}
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/motorctl/internal/ble"
	"github.com/chaz8081/motorctl/internal/control"
)

const (
	eventStatus = "status"
	eventError  = "error"

	shutdownTimeout = 5 * time.Second
	maxActionBytes  = 1 << 10
)

// StatusSource is implemented by *ble.Publisher.
type StatusSource interface {
	Snapshot() ble.Snapshot
	Subscribe() (<-chan ble.Snapshot, func())
}

// Controller is implemented by *control.Controller.
type Controller interface {
	Apply(action string) error
	Selection() control.Selection
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	ble.Snapshot
	Selection control.Selection `json:"selection"`
}

// ActionRequest is the body of POST /action and of inbound WebSocket messages.
type ActionRequest struct {
	Action string `json:"action"`
}

// ErrorResponse carries a failure back to the caller.
type ErrorResponse struct {
	Error string `json:"error"`
}

var upgrader = websocket.Upgrader{
	// Local control surface; browsers on other origins are allowed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	addr   string
	status StatusSource
	ctrl   Controller
	hub    *Hub
	router *http.ServeMux
}

// New creates a Server for addr (host:port).
func New(addr string, status StatusSource, ctrl Controller) *Server {
	s := &Server{
		addr:   addr,
		status: status,
		ctrl:   ctrl,
		hub:    NewHub(),
		router: http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("GET /status", s.handleStatus)
	s.router.HandleFunc("POST /action", s.handleAction)
	s.router.HandleFunc("GET /ws", s.handleWebSocket)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.router}

	go s.watch(ctx)

	errc := make(chan error, 1)
	go func() {
		slog.Info("[SERVER] listening", "addr", ln.Addr().String())
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		s.hub.Close()
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// watch forwards every status change to the WebSocket clients.
func (s *Server) watch(ctx context.Context) {
	updates, cancel := s.status.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			s.hub.Broadcast(Event{Type: eventStatus, Payload: snap})
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Snapshot: s.status.Snapshot()}
	if s.ctrl != nil {
		resp.Selection = s.ctrl.Selection()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	if s.ctrl == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "no controller"})
		return
	}
	var req ActionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxActionBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if err := s.ctrl.Apply(req.Action); err != nil {
		writeJSON(w, actionStatus(err), ErrorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[SERVER] websocket upgrade failed", "error", err)
		return
	}
	c := s.hub.AddClient(conn)
	defer s.hub.RemoveClient(c)

	if err := c.send(Event{Type: eventStatus, Payload: s.status.Snapshot()}); err != nil {
		return
	}

	conn.SetReadLimit(maxActionBytes)
	for {
		var req ActionRequest
		if err := conn.ReadJSON(&req); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				slog.Debug("[SERVER] websocket read", "error", err)
			}
			return
		}
		if s.ctrl == nil {
			continue
		}
		if err := s.ctrl.Apply(req.Action); err != nil {
			if err := c.send(Event{Type: eventError, Payload: ErrorResponse{Error: err.Error()}}); err != nil {
				return
			}
		}
	}
}

// actionStatus maps a controller error to an HTTP status.
func actionStatus(err error) int {
	if errors.Is(err, ble.ErrNotReady) {
		return http.StatusConflict
	}
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("[SERVER] encoding response", "error", err)
	}
}
