// Package control turns operator actions into motor commands. It holds the
// current selection (program, direction, manual mode and levels) and decides
// what to send and when to play local haptics.
package control

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/chaz8081/motorctl/internal/ble/protocol"
	"github.com/chaz8081/motorctl/internal/haptic"
)

// Action names accepted by Apply. Programs are selected with
// "program:<name>" and levels set with "levels:<intensity>,<speed>".
const (
	ActionOn     = "on"
	ActionOff    = "off"
	ActionCW     = "cw"
	ActionCCW    = "ccw"
	ActionManual = "manual"

	ActionDisconnect = "disconnect"
	ActionResume     = "resume"

	programPrefix = "program:"
	levelsPrefix  = "levels:"

	manualPattern = "manual"
	defaultLevel  = 50
)

// Submitter sends one command to the peripheral.
type Submitter interface {
	Submit(cmd protocol.Command) error
}

// Link is implemented by submitters that can drop and restore the
// peripheral link, such as *ble.Session.
type Link interface {
	Disconnect()
	Resume()
}

// Direction is the selected spin direction, if any.
type Direction string

const (
	DirNone Direction = ""
	DirCW   Direction = "cw"
	DirCCW  Direction = "ccw"
)

// Selection is a point-in-time copy of the operator state.
type Selection struct {
	Program   string    `json:"program,omitempty"`
	Direction Direction `json:"direction,omitempty"`
	Manual    bool      `json:"manual"`
	Intensity int       `json:"intensity"`
	Speed     int       `json:"speed"`
	Vibrating bool      `json:"vibrating"`
}

// Controller applies actions from any input surface. It is safe for
// concurrent use.
type Controller struct {
	sub      Submitter
	player   haptic.Player
	programs []string

	mu  sync.Mutex
	sel Selection
}

// New creates a Controller. player may be nil.
func New(sub Submitter, player haptic.Player, programs []string) *Controller {
	if player == nil {
		player = haptic.Nop{}
	}
	return &Controller{
		sub:      sub,
		player:   player,
		programs: append([]string(nil), programs...),
		sel:      Selection{Intensity: defaultLevel, Speed: defaultLevel},
	}
}

// Programs returns the selectable program names.
func (c *Controller) Programs() []string {
	return append([]string(nil), c.programs...)
}

// Selection returns the current operator state.
func (c *Controller) Selection() Selection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sel
}

// Apply performs one action. State changes are kept even when the command
// cannot be delivered; the delivery error is returned.
func (c *Controller) Apply(action string) error {
	action = strings.TrimSpace(action)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case action == ActionOn:
		return c.start()
	case action == ActionOff:
		return c.stop()
	case action == ActionCW:
		c.sel.Direction = DirCW
		return c.send(protocol.SpinCW())
	case action == ActionCCW:
		c.sel.Direction = DirCCW
		return c.send(protocol.SpinCCW())
	case action == ActionManual:
		c.sel.Manual = !c.sel.Manual
		c.sel.Program = ""
		c.sel.Direction = DirNone
		return c.stop()
	case action == ActionDisconnect:
		link, ok := c.sub.(Link)
		if !ok {
			return fmt.Errorf("control: %s not supported", action)
		}
		// Stop the motor first; a link that is not ready is fine here.
		if err := c.stop(); err != nil {
			slog.Debug("[CONTROL] stop before disconnect", "error", err)
		}
		link.Disconnect()
		return nil
	case action == ActionResume:
		link, ok := c.sub.(Link)
		if !ok {
			return fmt.Errorf("control: %s not supported", action)
		}
		link.Resume()
		return nil
	case strings.HasPrefix(action, programPrefix):
		name := strings.TrimPrefix(action, programPrefix)
		if !c.known(name) {
			return fmt.Errorf("control: unknown program %q", name)
		}
		c.sel.Program = name
		c.sel.Manual = false
		c.sel.Direction = DirNone
		return c.stop()
	case strings.HasPrefix(action, levelsPrefix):
		intensity, speed, err := parseLevels(strings.TrimPrefix(action, levelsPrefix))
		if err != nil {
			return err
		}
		c.sel.Intensity = protocol.Clamp(intensity)
		c.sel.Speed = protocol.Clamp(speed)
		if !c.sel.Manual {
			return nil
		}
		return c.send(protocol.Manual(c.sel.Intensity, c.sel.Speed))
	default:
		return fmt.Errorf("control: unknown action %q", action)
	}
}

// start sends the command for the current mode and plays local haptics.
// A bare direction spins without haptics; with nothing selected it only
// marks the motor as vibrating.
func (c *Controller) start() error {
	c.sel.Vibrating = true

	var (
		err     error
		pattern *haptic.Pattern
	)
	switch {
	case c.sel.Manual:
		err = c.send(protocol.Manual(c.sel.Intensity, c.sel.Speed))
		pattern = &haptic.Pattern{Name: manualPattern, Intensity: c.sel.Intensity}
	case c.sel.Program != "":
		err = c.send(protocol.RunProgram(c.sel.Program))
		pattern = &haptic.Pattern{Name: c.sel.Program, Intensity: protocol.MaxLevel}
	case c.sel.Direction == DirCW:
		err = c.send(protocol.SpinCW())
	case c.sel.Direction == DirCCW:
		err = c.send(protocol.SpinCCW())
	}

	if pattern != nil {
		if perr := c.player.Play(*pattern); perr != nil {
			slog.Warn("[CONTROL] haptic playback failed", "pattern", pattern.Name, "error", perr)
		}
	}
	return err
}

// stop silences haptics and sends stop.
func (c *Controller) stop() error {
	c.sel.Vibrating = false
	if err := c.player.Stop(); err != nil {
		slog.Warn("[CONTROL] haptic stop failed", "error", err)
	}
	return c.send(protocol.Stop())
}

func (c *Controller) send(cmd protocol.Command) error {
	if err := c.sub.Submit(cmd); err != nil {
		slog.Debug("[CONTROL] command not sent", "command", cmd.String(), "error", err)
		return fmt.Errorf("control: %s: %w", cmd, err)
	}
	slog.Debug("[CONTROL] command sent", "command", cmd.String())
	return nil
}

func (c *Controller) known(name string) bool {
	for _, p := range c.programs {
		if p == name {
			return true
		}
	}
	return false
}

// parseLevels parses "<intensity>,<speed>".
func parseLevels(s string) (int, int, error) {
	is, ss, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, fmt.Errorf("control: levels %q: want <intensity>,<speed>", s)
	}
	intensity, err := strconv.Atoi(strings.TrimSpace(is))
	if err != nil {
		return 0, 0, fmt.Errorf("control: levels intensity: %w", err)
	}
	speed, err := strconv.Atoi(strings.TrimSpace(ss))
	if err != nil {
		return 0, 0, fmt.Errorf("control: levels speed: %w", err)
	}
	return intensity, speed, nil
}
