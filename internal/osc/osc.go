// Package osc exposes the controller over OSC. Messages under /motor map to
// controller actions:
//
//	/motor/on, /motor/off, /motor/cw, /motor/ccw, /motor/manual
//	/motor/disconnect, /motor/resume
//	/motor/program "<name>"   or   /motor/program/<name>
//	/motor/levels <intensity> <speed>   (ints 0-100 or floats 0-1)
//
// Button messages carrying a false or zero first argument are treated as a
// release and ignored.
package osc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"

	"github.com/hypebeast/go-osc/osc"
)

const prefix = "/motor/"

var buttons = []string{"on", "off", "cw", "ccw", "manual", "disconnect", "resume"}

// ApplyFunc performs a controller action.
type ApplyFunc func(action string) error

// Server receives OSC messages and applies the mapped actions. It is the
// osc.Dispatcher for its own listener.
type Server struct {
	addr  string
	apply ApplyFunc
}

// NewServer creates a Server listening on addr (host:port, UDP).
func NewServer(addr string, apply ApplyFunc) *Server {
	return &Server{addr: addr, apply: apply}
}

// Compile-time check that Server implements osc.Dispatcher.
var _ osc.Dispatcher = (*Server)(nil)

// ListenAndServe listens on the configured UDP address and serves until ctx
// is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	conn, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return fmt.Errorf("osc: listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, conn)
}

// Serve reads packets from conn until ctx is cancelled. It closes conn.
func (s *Server) Serve(ctx context.Context, conn net.PacketConn) error {
	srv := &osc.Server{Addr: conn.LocalAddr().String(), Dispatcher: s}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	slog.Info("[OSC] listening", "addr", conn.LocalAddr().String())
	err := srv.Serve(conn)
	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return fmt.Errorf("osc: serve: %w", err)
}

// Dispatch handles one packet. Bundles are unpacked in order.
func (s *Server) Dispatch(packet osc.Packet) {
	switch p := packet.(type) {
	case *osc.Message:
		s.handle(p)
	case *osc.Bundle:
		for _, m := range p.Messages {
			s.handle(m)
		}
		for _, b := range p.Bundles {
			s.Dispatch(b)
		}
	}
}

func (s *Server) handle(msg *osc.Message) {
	action, ok := actionFromMessage(msg)
	if !ok {
		slog.Debug("[OSC] ignoring message", "address", msg.Address, "args", msg.Arguments)
		return
	}
	if err := s.apply(action); err != nil {
		slog.Warn("[OSC] action failed", "action", action, "error", err)
	}
}

// actionFromMessage maps one OSC message to a controller action.
func actionFromMessage(msg *osc.Message) (string, bool) {
	if msg == nil || len(msg.Address) <= len(prefix) || msg.Address[:len(prefix)] != prefix {
		return "", false
	}
	name := msg.Address[len(prefix):]

	switch {
	case name == "program":
		if len(msg.Arguments) == 0 {
			return "", false
		}
		p, ok := msg.Arguments[0].(string)
		if !ok || p == "" {
			return "", false
		}
		return "program:" + p, true
	case len(name) > len("program/") && name[:len("program/")] == "program/":
		if released(msg.Arguments) {
			return "", false
		}
		return "program:" + name[len("program/"):], true
	case name == "levels":
		if len(msg.Arguments) < 2 {
			return "", false
		}
		i, ok1 := level(msg.Arguments[0])
		sp, ok2 := level(msg.Arguments[1])
		if !ok1 || !ok2 {
			return "", false
		}
		return fmt.Sprintf("levels:%d,%d", i, sp), true
	}

	for _, b := range buttons {
		if name == b {
			if released(msg.Arguments) {
				return "", false
			}
			return b, true
		}
	}
	return "", false
}

// released reports whether a button message is the release half of a press.
func released(args []interface{}) bool {
	if len(args) == 0 {
		return false
	}
	switch v := args[0].(type) {
	case bool:
		return !v
	case int32:
		return v == 0
	case int64:
		return v == 0
	case float32:
		return v == 0
	case float64:
		return v == 0
	}
	return false
}

// level converts an OSC numeric argument to [0,100]-scale. Floats are taken
// as a 0-1 fader position, integers as a percentage.
func level(arg interface{}) (int, bool) {
	switch v := arg.(type) {
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float32:
		return int(math.Round(float64(v) * 100)), true
	case float64:
		return int(math.Round(v * 100)), true
	}
	return 0, false
}
