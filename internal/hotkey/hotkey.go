// Package hotkey provides global hotkeys using gohook. Each binding maps a
// key combo to a controller action. An optional hold combo sends "on" while
// pressed and "off" on release.
package hotkey

import (
	"sort"
	"sync"

	hook "github.com/robotn/gohook"
)

const (
	holdPress   = "on"
	holdRelease = "off"
)

// Event is emitted on the channel returned by Events.
type Event struct {
	Action string
}

// Binding maps a key combo to an action.
type Binding struct {
	Action string
	Keys   []string
}

// Listener manages the global hotkeys and emits action events.
type Listener struct {
	bindings []Binding
	hold     []string
	ch       chan Event
	done     chan struct{}
	once     sync.Once
}

// NewListener creates a Listener for the given bindings (action -> keys).
// Keys should be lowercase key names (e.g., ["ctrl", "shift", "o"]).
// hold may be empty to disable hold-to-run.
func NewListener(bindings map[string][]string, hold []string) *Listener {
	bs := make([]Binding, 0, len(bindings))
	for action, keys := range bindings {
		if len(keys) == 0 {
			continue
		}
		bs = append(bs, Binding{Action: action, Keys: keys})
	}
	sort.Slice(bs, func(i, j int) bool { return bs[i].Action < bs[j].Action })

	return &Listener{
		bindings: bs,
		hold:     hold,
		ch:       make(chan Event, 16),
		done:     make(chan struct{}),
	}
}

// Bindings returns the registered bindings in action order.
func (l *Listener) Bindings() []Binding {
	return l.bindings
}

// Events returns the channel that receives hotkey events.
// The channel is closed when Stop is called.
func (l *Listener) Events() <-chan Event {
	return l.ch
}

// Start begins listening for the global hotkeys.
// This function blocks until Stop is called. Run it in a goroutine.
func (l *Listener) Start() {
	for _, b := range l.bindings {
		action := b.Action
		hook.Register(hook.KeyDown, b.Keys, func(hook.Event) {
			l.emit(action)
		})
	}

	if len(l.hold) > 0 {
		hook.Register(hook.KeyDown, l.hold, func(hook.Event) {
			l.emit(holdPress)
		})
		hook.Register(hook.KeyUp, l.hold, func(hook.Event) {
			l.emit(holdRelease)
		})
	}

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

// emit never blocks the hook goroutine; a full channel drops the event.
func (l *Listener) emit(action string) {
	select {
	case l.ch <- Event{Action: action}:
	default:
	}
}

// Stop terminates the hotkey listener.
// It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}
