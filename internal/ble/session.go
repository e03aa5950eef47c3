package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/motorctl/internal/ble/protocol"
)

// ErrNotReady is returned by Submit when no characteristic is bound. The
// command is dropped; the motor has no command buffer to replay it into.
var ErrNotReady = errors.New("ble: not ready")

// SessionOptions configures timeouts and retry behavior.
type SessionOptions struct {
	ConnectTimeout   time.Duration // bound on Connecting
	DiscoveryTimeout time.Duration // bound on each discovery phase
	RetryBaseDelay   time.Duration // first re-scan delay after a failure; 0 re-scans at once
	RetryMaxDelay    time.Duration // cap for the exponential re-scan delay
	WriteFailureWarn int           // consecutive write failures before the status carries a warning
}

// DefaultSessionOptions returns sensible defaults.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		ConnectTimeout:   10 * time.Second,
		DiscoveryTimeout: 10 * time.Second,
		RetryBaseDelay:   1 * time.Second,
		RetryMaxDelay:    30 * time.Second,
		WriteFailureWarn: 3,
	}
}

// Session owns the connection to the MotorControl peripheral. Adapter events
// are consumed by Run one at a time; Submit, Disconnect and Resume may be
// called from any goroutine and are serialized with event handling.
type Session struct {
	adapter Adapter
	target  Target
	opts    SessionOptions
	status  *Publisher

	mu            sync.Mutex
	state         State
	device        *DeviceHandle
	service       *ServiceHandle
	char          *CharacteristicHandle
	powered       bool
	stopped       bool
	failures      int
	writeFailures int
	warning       string
	timer         *time.Timer
	timerGen      uint64
}

// NewSession creates a session for target. The session starts in
// PoweredOff and does nothing until Run is called.
func NewSession(adapter Adapter, target Target, opts SessionOptions) *Session {
	def := DefaultSessionOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = def.DiscoveryTimeout
	}
	if opts.RetryBaseDelay < 0 {
		opts.RetryBaseDelay = def.RetryBaseDelay
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = def.RetryMaxDelay
	}
	if opts.WriteFailureWarn <= 0 {
		opts.WriteFailureWarn = def.WriteFailureWarn
	}
	initial := State{Kind: StatePoweredOff}
	return &Session{
		adapter: adapter,
		target:  target,
		opts:    opts,
		state:   initial,
		status:  NewPublisher(Snapshot{Label: initial.Label()}),
	}
}

// Status returns the publisher observers read and subscribe to.
func (s *Session) Status() *Publisher {
	return s.status
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run enables the adapter and processes its events until ctx is cancelled
// or the event stream closes. On return the peripheral is disconnected.
func (s *Session) Run(ctx context.Context) error {
	if err := s.adapter.Enable(); err != nil {
		slog.Error("[BLE] radio unavailable", "error", err)
		s.handle(PowerChanged{State: PowerUnavailable})
	} else {
		s.handle(PowerChanged{State: s.adapter.PowerState()})
	}

	events := s.adapter.Events()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				s.shutdown()
				return errors.New("ble: adapter event stream closed")
			}
			s.handle(ev)
		}
	}
}

// Submit encodes cmd and writes it if the session is Ready. It never waits
// for the radio: the write outcome arrives later as a WriteCompleted event.
// An invalid command yields a *protocol.EncodingError before any I/O; a
// valid one submitted while not Ready yields ErrNotReady and is dropped.
func (s *Session) Submit(cmd protocol.Command) error {
	payload, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Kind != StateReady || s.char == nil {
		slog.Debug("[BLE] not ready, dropping command", "command", cmd.String(), "state", s.state.String())
		return ErrNotReady
	}
	s.adapter.Write(*s.char, payload)
	slog.Debug("[BLE] sent command", "command", cmd.String())
	return nil
}

// Disconnect drops the link and stops automatic re-scanning until Resume.
// It is a no-op when no device is held.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return
	}
	dev := *s.device
	s.stopped = true
	s.reset()
	s.adapter.Disconnect(dev)
	s.setState(State{Kind: StateDisconnected})
}

// Resume re-enables automatic scanning after Disconnect.
func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		return
	}
	s.stopped = false
	switch s.state.Kind {
	case StateDisconnected, StateFailed:
		if s.powered {
			s.startScan()
		}
	}
}

func (s *Session) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	switch {
	case s.device != nil:
		s.adapter.Disconnect(*s.device)
	case s.state.Kind == StateScanning:
		s.adapter.StopScan()
	}
	s.reset()
	if s.state.Kind != StateUnavailable && s.state.Kind != StatePoweredOff {
		s.setState(State{Kind: StateDisconnected})
	}
}

// handle applies one adapter event.
func (s *Session) handle(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev := ev.(type) {
	case PowerChanged:
		s.onPower(ev.State)
	case DeviceFound:
		s.onDeviceFound(ev)
	case Connected:
		s.onConnected(ev)
	case ConnectFailed:
		if s.state.Kind == StateConnecting && s.holds(ev.Device) {
			s.fail(fmt.Sprintf("connect: %v", ev.Err), false)
		}
	case ServicesDiscovered:
		s.onServices(ev)
	case CharacteristicsDiscovered:
		s.onCharacteristics(ev)
	case WriteCompleted:
		s.onWrite(ev)
	case Disconnected:
		s.onDisconnected(ev)
	case AdapterError:
		s.onAdapterError(ev)
	default:
		slog.Warn("[BLE] unknown event", "type", fmt.Sprintf("%T", ev))
	}
}

func (s *Session) onPower(p PowerState) {
	s.powered = p == PowerOn
	switch p {
	case PowerOn:
		if s.state.Kind != StatePoweredOff && s.state.Kind != StateUnavailable {
			return
		}
		if s.stopped {
			s.setState(State{Kind: StateDisconnected})
			return
		}
		s.startScan()
	case PowerOff:
		s.dropRadio()
		s.setState(State{Kind: StateUnavailable, Reason: reasonPoweredOff})
	default:
		s.dropRadio()
		s.setState(State{Kind: StateUnavailable, Reason: reasonUnsupported})
	}
}

// dropRadio releases everything tied to the radio. A running scan is
// stopped so the next power-on starts a new one.
func (s *Session) dropRadio() {
	if s.state.Kind == StateScanning {
		s.adapter.StopScan()
	}
	s.reset()
}

func (s *Session) onDeviceFound(ev DeviceFound) {
	if s.state.Kind != StateScanning || s.device != nil {
		return
	}
	if ev.Device.Name != s.target.Name {
		slog.Debug("[BLE] ignoring device", "name", ev.Device.Name, "id", ev.Device.ID)
		return
	}
	slog.Info("[BLE] found peripheral", "name", ev.Device.Name, "id", ev.Device.ID, "rssi", ev.RSSI)
	s.adapter.StopScan()
	dev := ev.Device
	s.device = &dev
	s.setState(State{Kind: StateConnecting})
	s.adapter.Connect(dev)
	s.armTimer(s.opts.ConnectTimeout, func() { s.fail("connect timeout", true) })
}

func (s *Session) onConnected(ev Connected) {
	if s.state.Kind != StateConnecting || !s.holds(ev.Device) {
		slog.Debug("[BLE] ignoring stale connect", "id", ev.Device.ID)
		return
	}
	s.setState(State{Kind: StateConnected})
	s.adapter.DiscoverServices(*s.device, s.target.ServiceUUID)
	s.armTimer(s.opts.DiscoveryTimeout, func() { s.fail("service discovery timeout", true) })
}

func (s *Session) onServices(ev ServicesDiscovered) {
	if s.state.Kind != StateConnected || !s.holds(ev.Device) || s.service != nil {
		return
	}
	for _, svc := range ev.Services {
		if !uuidEqual(svc.UUID, s.target.ServiceUUID) {
			continue
		}
		s.service = &svc
		s.setState(State{Kind: StateServiceDiscovered})
		s.adapter.DiscoverCharacteristics(svc, s.target.CharacteristicUUID)
		s.armTimer(s.opts.DiscoveryTimeout, func() { s.fail("characteristic discovery timeout", true) })
		return
	}
	slog.Debug("[BLE] no matching service in discovery result", "count", len(ev.Services))
}

func (s *Session) onCharacteristics(ev CharacteristicsDiscovered) {
	if s.state.Kind != StateServiceDiscovered || s.service == nil || ev.Service != *s.service || s.char != nil {
		return
	}
	for _, c := range ev.Characteristics {
		if !uuidEqual(c.UUID, s.target.CharacteristicUUID) {
			continue
		}
		s.char = &c
		s.stopTimer()
		s.failures = 0
		s.writeFailures = 0
		s.warning = ""
		s.setState(State{Kind: StateReady})
		return
	}
	slog.Debug("[BLE] no matching characteristic in discovery result", "count", len(ev.Characteristics))
}

func (s *Session) onWrite(ev WriteCompleted) {
	if s.char == nil || ev.Characteristic != *s.char {
		slog.Debug("[BLE] ignoring write ack for released characteristic", "error", ev.Err)
		return
	}
	if ev.Err == nil {
		if s.writeFailures == 0 && s.warning == "" {
			return
		}
		s.writeFailures = 0
		if s.warning != "" {
			s.warning = ""
			s.publish()
		}
		return
	}

	s.writeFailures++
	slog.Warn("[BLE] write failed", "error", ev.Err, "consecutive", s.writeFailures)
	if s.writeFailures >= s.opts.WriteFailureWarn {
		s.warning = fmt.Sprintf("%d consecutive write failures", s.writeFailures)
		s.publish()
	}
}

func (s *Session) onDisconnected(ev Disconnected) {
	if !s.holds(ev.Device) || !s.state.linked() {
		slog.Debug("[BLE] ignoring disconnect", "id", ev.Device.ID)
		return
	}
	if ev.Err != nil {
		slog.Warn("[BLE] disconnected", "error", ev.Err)
	} else {
		slog.Info("[BLE] disconnected")
	}
	s.reset()
	s.setState(State{Kind: StateDisconnected})
	if !s.stopped && s.powered {
		s.startScan()
	}
}

func (s *Session) onAdapterError(ev AdapterError) {
	var phase StateKind
	switch ev.Op {
	case OpScan:
		phase = StateScanning
	case OpDiscoverServices:
		phase = StateConnected
	case OpDiscoverCharacteristics:
		phase = StateServiceDiscovered
	default:
		slog.Warn("[BLE] adapter error", "op", ev.Op, "error", ev.Err)
		return
	}
	if s.state.Kind != phase {
		return
	}
	s.fail(fmt.Sprintf("%s: %v", ev.Op, ev.Err), s.device != nil)
}

// fail enters Failed, releases handles and schedules a re-scan.
func (s *Session) fail(reason string, disconnect bool) {
	dev := s.device
	s.reset()
	if disconnect && dev != nil {
		s.adapter.Disconnect(*dev)
	}
	s.failures++
	slog.Warn("[BLE] connection failed", "reason", reason, "attempt", s.failures)
	s.setState(State{Kind: StateFailed, Reason: reason})

	if s.stopped || !s.powered {
		return
	}
	delay := backoffDelay(s.failures-1, s.opts.RetryBaseDelay, s.opts.RetryMaxDelay)
	if delay == 0 {
		s.startScan()
		return
	}
	slog.Info("[BLE] re-scan backoff", "delay", delay)
	s.armTimer(delay, func() {
		if s.state.Kind == StateFailed && !s.stopped && s.powered {
			s.startScan()
		}
	})
}

func (s *Session) startScan() {
	s.setState(State{Kind: StateScanning})
	s.adapter.StartScan(s.target.ServiceUUID)
}

// reset releases all handles and pending timers (caller must hold mu).
func (s *Session) reset() {
	s.stopTimer()
	s.device = nil
	s.service = nil
	s.char = nil
	s.writeFailures = 0
	s.warning = ""
}

func (s *Session) holds(dev DeviceHandle) bool {
	return s.device != nil && s.device.ID == dev.ID
}

// setState records st and publishes the new snapshot (caller must hold mu).
func (s *Session) setState(st State) {
	if st != s.state {
		slog.Info("[BLE] state", "from", s.state.String(), "to", st.String())
	}
	s.state = st
	s.publish()
}

func (s *Session) publish() {
	s.status.Publish(Snapshot{
		Label:     s.state.Label(),
		Connected: s.state.IsConnected(),
		Warning:   s.warning,
	})
}

// armTimer runs fire under mu after d unless another timer is armed or the
// session resets first.
func (s *Session) armTimer(d time.Duration, fire func()) {
	s.stopTimer()
	gen := s.timerGen
	s.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.timerGen {
			return
		}
		s.timer = nil
		fire()
	})
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}

// backoffDelay returns the re-scan delay for attempt n: base doubled per
// attempt, capped at max. A zero base disables the delay.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := base << uint(attempt)
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}

func uuidEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
