// Package protocol implements the text command encoding for the MotorControl
// characteristic. Every command is a short UTF-8 string written as one
// acknowledged write.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Kind identifies which command a Command carries.
type Kind int

const (
	KindStop Kind = iota
	KindSpinCW
	KindSpinCCW
	KindRunProgram
	KindManual
)

// Wire prefixes and keywords.
const (
	wireStop    = "stop"
	wireCW      = "cw"
	wireCCW     = "ccw"
	wireProgram = "program:"
	wireManual  = "manual:"
)

// Manual levels are percentages.
const (
	MinLevel = 0
	MaxLevel = 100
)

// Command is an immutable motor command. Build one with Stop, SpinCW,
// SpinCCW, RunProgram or Manual.
type Command struct {
	kind      Kind
	program   string
	intensity int
	speed     int
}

// Stop halts the motor.
func Stop() Command { return Command{kind: KindStop} }

// SpinCW spins the motor clockwise.
func SpinCW() Command { return Command{kind: KindSpinCW} }

// SpinCCW spins the motor counter-clockwise.
func SpinCCW() Command { return Command{kind: KindSpinCCW} }

// RunProgram starts a named vibration program stored on the peripheral.
func RunProgram(name string) Command { return Command{kind: KindRunProgram, program: name} }

// Manual drives the motor at the given intensity and speed (both 0-100).
// Values are not clamped here; Encode rejects anything out of range.
func Manual(intensity, speed int) Command {
	return Command{kind: KindManual, intensity: intensity, speed: speed}
}

func (c Command) Kind() Kind      { return c.kind }
func (c Command) Program() string { return c.program }
func (c Command) Intensity() int  { return c.intensity }
func (c Command) Speed() int      { return c.speed }

func (c Command) String() string {
	switch c.kind {
	case KindStop:
		return "Stop"
	case KindSpinCW:
		return "SpinCW"
	case KindSpinCCW:
		return "SpinCCW"
	case KindRunProgram:
		return fmt.Sprintf("RunProgram(%q)", c.program)
	case KindManual:
		return fmt.Sprintf("Manual(%d, %d)", c.intensity, c.speed)
	default:
		return fmt.Sprintf("Command(%d)", int(c.kind))
	}
}

// EncodingError reports a command that cannot be put on the wire. It always
// indicates a caller bug and is returned before any I/O happens.
type EncodingError struct {
	Command Command
	Reason  string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("protocol: cannot encode %s: %s", e.Command, e.Reason)
}

// Encode returns the exact payload for cmd.
func Encode(cmd Command) ([]byte, error) {
	switch cmd.kind {
	case KindStop:
		return []byte(wireStop), nil
	case KindSpinCW:
		return []byte(wireCW), nil
	case KindSpinCCW:
		return []byte(wireCCW), nil
	case KindRunProgram:
		if cmd.program == "" {
			return nil, &EncodingError{Command: cmd, Reason: "empty program name"}
		}
		if !utf8.ValidString(cmd.program) {
			return nil, &EncodingError{Command: cmd, Reason: "program name is not valid UTF-8"}
		}
		return []byte(wireProgram + cmd.program), nil
	case KindManual:
		if !inRange(cmd.intensity) {
			return nil, &EncodingError{Command: cmd, Reason: fmt.Sprintf("intensity %d outside [%d,%d]", cmd.intensity, MinLevel, MaxLevel)}
		}
		if !inRange(cmd.speed) {
			return nil, &EncodingError{Command: cmd, Reason: fmt.Sprintf("speed %d outside [%d,%d]", cmd.speed, MinLevel, MaxLevel)}
		}
		buf := make([]byte, 0, len(wireManual)+7)
		buf = append(buf, wireManual...)
		buf = strconv.AppendInt(buf, int64(cmd.intensity), 10)
		buf = append(buf, ',')
		buf = strconv.AppendInt(buf, int64(cmd.speed), 10)
		return buf, nil
	default:
		return nil, &EncodingError{Command: cmd, Reason: "unknown command kind"}
	}
}

// Parse is the inverse of Encode.
func Parse(s string) (Command, error) {
	switch {
	case s == wireStop:
		return Stop(), nil
	case s == wireCW:
		return SpinCW(), nil
	case s == wireCCW:
		return SpinCCW(), nil
	case strings.HasPrefix(s, wireProgram):
		name := strings.TrimPrefix(s, wireProgram)
		if name == "" {
			return Command{}, fmt.Errorf("protocol: empty program name in %q", s)
		}
		return RunProgram(name), nil
	case strings.HasPrefix(s, wireManual):
		a, b, ok := strings.Cut(strings.TrimPrefix(s, wireManual), ",")
		if !ok {
			return Command{}, fmt.Errorf("protocol: malformed manual command %q", s)
		}
		intensity, err := strconv.Atoi(a)
		if err != nil {
			return Command{}, fmt.Errorf("protocol: manual intensity: %w", err)
		}
		speed, err := strconv.Atoi(b)
		if err != nil {
			return Command{}, fmt.Errorf("protocol: manual speed: %w", err)
		}
		cmd := Manual(intensity, speed)
		if !inRange(intensity) || !inRange(speed) {
			return Command{}, &EncodingError{Command: cmd, Reason: "manual level out of range"}
		}
		return cmd, nil
	default:
		return Command{}, fmt.Errorf("protocol: unknown command %q", s)
	}
}

// Clamp limits v to [MinLevel, MaxLevel].
func Clamp(v int) int {
	if v < MinLevel {
		return MinLevel
	}
	if v > MaxLevel {
		return MaxLevel
	}
	return v
}

func inRange(v int) bool {
	return v >= MinLevel && v <= MaxLevel
}
