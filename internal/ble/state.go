package ble

import "fmt"

// StateKind enumerates the session connection states.
type StateKind int

const (
	StatePoweredOff StateKind = iota
	StateUnavailable
	StateScanning
	StateConnecting
	StateConnected
	StateServiceDiscovered
	StateReady
	StateDisconnected
	StateFailed
)

var stateNames = [...]string{
	StatePoweredOff:        "PoweredOff",
	StateUnavailable:       "Unavailable",
	StateScanning:          "Scanning",
	StateConnecting:        "Connecting",
	StateConnected:         "Connected",
	StateServiceDiscovered: "ServiceDiscovered",
	StateReady:             "Ready",
	StateDisconnected:      "Disconnected",
	StateFailed:            "Failed",
}

func (k StateKind) String() string {
	if k >= 0 && int(k) < len(stateNames) {
		return stateNames[k]
	}
	return fmt.Sprintf("StateKind(%d)", int(k))
}

// Valid reports whether k is one of the enumerated states.
func (k StateKind) Valid() bool {
	return k >= StatePoweredOff && k <= StateFailed
}

// State is the current connection state. Reason is set for Failed and
// Unavailable.
type State struct {
	Kind   StateKind
	Reason string
}

// Reasons used with StateUnavailable.
const (
	reasonPoweredOff  = "powered off"
	reasonUnsupported = "unavailable"
)

// Label is the human-readable status string shown to the user.
func (s State) Label() string {
	switch s.Kind {
	case StatePoweredOff:
		return "Bluetooth is Powered Off"
	case StateUnavailable:
		if s.Reason == reasonPoweredOff {
			return "Bluetooth is Powered Off"
		}
		return "Bluetooth is not available"
	case StateScanning:
		return "Scanning..."
	case StateConnecting:
		return "Connecting..."
	case StateConnected:
		return "Connected"
	case StateServiceDiscovered:
		return "Discovering Characteristics..."
	case StateReady:
		return "Ready"
	case StateDisconnected:
		return "Disconnected"
	case StateFailed:
		return "Connection Failed"
	default:
		return s.Kind.String()
	}
}

// IsConnected is true while a link to the peripheral is up.
func (s State) IsConnected() bool {
	switch s.Kind {
	case StateConnected, StateServiceDiscovered, StateReady:
		return true
	}
	return false
}

// linked reports whether a disconnect event applies in this state.
func (s State) linked() bool {
	return s.Kind == StateConnecting || s.IsConnected()
}

func (s State) String() string {
	if s.Reason != "" {
		return fmt.Sprintf("%s(%s)", s.Kind, s.Reason)
	}
	return s.Kind.String()
}
