package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

var (
	errNotConnected   = errors.New("ble: device not connected")
	errUnknownHandle  = errors.New("ble: unknown handle")
	errWriteQueueFull = errors.New("ble: write queue full")
	errLinkLost       = errors.New("ble: link lost")
)

// PowerSource reports radio power state where the platform exposes it.
type PowerSource interface {
	Powered() (bool, error)
	// Watch calls fn on every power change until stop is called.
	Watch(fn func(on bool)) (stop func(), err error)
}

type link struct {
	device bluetooth.Device
	name   string
}

type writeRequest struct {
	char CharacteristicHandle
	data []byte
}

// charWriter performs acknowledged characteristic writes. BlueZ needs its
// own path (write_linux.go); elsewhere tinygo's Write is used.
type charWriter interface {
	write(h CharacteristicHandle, c bluetooth.DeviceCharacteristic, data []byte) error
	release(deviceID string)
	close()
}

// TinyGoAdapter implements Adapter on tinygo-org/bluetooth (BlueZ on Linux,
// CoreBluetooth on macOS, WinRT on Windows). On macOS device IDs are
// CoreBluetooth UUIDs rather than MAC addresses.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
	power   PowerSource
	writer  charWriter
	events  chan Event
	writes  chan writeRequest

	mu        sync.Mutex
	state     PowerState
	scanning  bool
	scanGen   uint64
	found     map[string]bluetooth.Address
	links     map[string]*link
	cancelled map[string]bool
	closing   map[string]bool
	services  map[ServiceHandle]bluetooth.DeviceService
	chars     map[CharacteristicHandle]bluetooth.DeviceCharacteristic
	stopWatch func()
}

// NewTinyGoAdapter creates an adapter on the default radio. power may be nil,
// in which case the radio is reported on once Enable succeeds.
func NewTinyGoAdapter(power PowerSource) *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:   bluetooth.DefaultAdapter,
		power:     power,
		writer:    newCharWriter(power),
		events:    make(chan Event, 128),
		writes:    make(chan writeRequest, 32),
		state:     PowerOff,
		found:     make(map[string]bluetooth.Address),
		links:     make(map[string]*link),
		cancelled: make(map[string]bool),
		closing:   make(map[string]bool),
		services:  make(map[ServiceHandle]bluetooth.DeviceService),
		chars:     make(map[CharacteristicHandle]bluetooth.DeviceCharacteristic),
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		a.setPower(PowerUnavailable)
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	// The adapter-level handler fires with connected=false whenever a
	// peripheral drops, requested or not.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		l, ok := a.links[id]
		requested := a.closing[id]
		a.forget(id)
		a.mu.Unlock()
		if !ok {
			return
		}
		var err error
		if !requested {
			err = errLinkLost
		}
		a.emit(Disconnected{Device: DeviceHandle{ID: id, Name: l.name}, Err: err})
	})

	go a.writeLoop()

	if a.power == nil {
		a.setPower(PowerOn)
		return nil
	}
	on, err := a.power.Powered()
	if err != nil {
		slog.Warn("[BLE] reading radio power state", "error", err)
		on = true
	}
	a.setPower(powerFromBool(on))

	stop, err := a.power.Watch(func(on bool) {
		p := powerFromBool(on)
		a.setPower(p)
		if p != PowerOn {
			a.abortScan()
		}
		a.emit(PowerChanged{State: p})
	})
	if err != nil {
		slog.Warn("[BLE] watching radio power state", "error", err)
		return nil
	}
	a.mu.Lock()
	a.stopWatch = stop
	a.mu.Unlock()
	return nil
}

// Close stops the power watcher and releases the write path.
func (a *TinyGoAdapter) Close() {
	a.mu.Lock()
	stop := a.stopWatch
	a.stopWatch = nil
	a.mu.Unlock()
	if stop != nil {
		stop()
	}
	a.writer.close()
}

func (a *TinyGoAdapter) PowerState() PowerState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *TinyGoAdapter) Events() <-chan Event {
	return a.events
}

func (a *TinyGoAdapter) StartScan(serviceUUID string) {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		go a.emit(AdapterError{Op: OpScan, Err: fmt.Errorf("ble: parse service UUID: %w", err)})
		return
	}

	gen, ok := a.beginScan()
	if !ok {
		return
	}

	go func() {
		err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !result.HasServiceUUID(uuid) {
				return
			}
			name := result.LocalName()
			if name == "" {
				return // wait for the scan response carrying the name
			}
			id := result.Address.String()
			a.mu.Lock()
			stale := gen != a.scanGen
			_, seen := a.found[id]
			if !stale {
				a.found[id] = result.Address
			}
			a.mu.Unlock()
			if stale || seen {
				return
			}
			a.emitScanResult(DeviceFound{
				Device: DeviceHandle{ID: id, Name: name},
				RSSI:   int(result.RSSI),
			})
		})

		a.endScan(gen)
		if err != nil {
			a.emit(AdapterError{Op: OpScan, Err: fmt.Errorf("ble: scan: %w", err)})
		}
	}()
}

func (a *TinyGoAdapter) StopScan() {
	a.mu.Lock()
	scanning := a.scanning
	a.mu.Unlock()
	if !scanning {
		return
	}
	if err := a.adapter.StopScan(); err != nil {
		slog.Debug("[BLE] stop scan", "error", err)
	}
}

// beginScan marks a scan as running and clears the dedupe set. It reports
// false if a scan is already running.
func (a *TinyGoAdapter) beginScan() (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scanning {
		return 0, false
	}
	a.scanning = true
	a.scanGen++
	a.found = make(map[string]bluetooth.Address)
	return a.scanGen, true
}

// endScan clears the running flag unless a newer scan has started.
func (a *TinyGoAdapter) endScan(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen == a.scanGen {
		a.scanning = false
	}
}

// abortScan ends any running scan when the radio goes away, so the next
// power-on starts a fresh one.
func (a *TinyGoAdapter) abortScan() {
	a.mu.Lock()
	scanning := a.scanning
	a.scanning = false
	a.scanGen++
	a.found = make(map[string]bluetooth.Address)
	a.mu.Unlock()
	if !scanning {
		return
	}
	if err := a.adapter.StopScan(); err != nil {
		slog.Debug("[BLE] stop scan on power loss", "error", err)
	}
}

func (a *TinyGoAdapter) Connect(dev DeviceHandle) {
	addr := a.beginConnect(dev.ID)

	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			a.emit(ConnectFailed{Device: dev, Err: fmt.Errorf("ble: connect to %s: %w", dev.ID, err)})
			return
		}
		if !a.adopt(dev, device) {
			if err := device.Disconnect(); err != nil {
				slog.Debug("[BLE] dropping abandoned connection", "id", dev.ID, "error", err)
			}
			return
		}
		a.emit(Connected{Device: dev})
	}()
}

// beginConnect clears any stale cancellation for id and returns the address
// seen while scanning, or one parsed from id.
func (a *TinyGoAdapter) beginConnect(id string) bluetooth.Address {
	a.mu.Lock()
	addr, ok := a.found[id]
	delete(a.cancelled, id)
	a.mu.Unlock()
	if !ok {
		addr.Set(id)
	}
	return addr
}

// adopt records a new link. It reports false when Disconnect was requested
// while the connect was in flight; the caller then drops the connection.
func (a *TinyGoAdapter) adopt(dev DeviceHandle, device bluetooth.Device) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancelled[dev.ID] {
		delete(a.cancelled, dev.ID)
		return false
	}
	a.links[dev.ID] = &link{device: device, name: dev.Name}
	return true
}

func (a *TinyGoAdapter) DiscoverServices(dev DeviceHandle, serviceUUID string) {
	go func() {
		uuid, err := bluetooth.ParseUUID(serviceUUID)
		if err != nil {
			a.emit(AdapterError{Op: OpDiscoverServices, Err: err})
			return
		}
		a.mu.Lock()
		l, ok := a.links[dev.ID]
		a.mu.Unlock()
		if !ok {
			a.emit(AdapterError{Op: OpDiscoverServices, Err: errNotConnected})
			return
		}

		svcs, err := l.device.DiscoverServices([]bluetooth.UUID{uuid})
		if err != nil {
			a.emit(AdapterError{Op: OpDiscoverServices, Err: fmt.Errorf("ble: discover services: %w", err)})
			return
		}

		handles := make([]ServiceHandle, 0, len(svcs))
		a.mu.Lock()
		for _, svc := range svcs {
			h := ServiceHandle{DeviceID: dev.ID, UUID: svc.UUID().String()}
			a.services[h] = svc
			handles = append(handles, h)
		}
		a.mu.Unlock()
		a.emit(ServicesDiscovered{Device: dev, Services: handles})
	}()
}

func (a *TinyGoAdapter) DiscoverCharacteristics(svc ServiceHandle, charUUID string) {
	go func() {
		uuid, err := bluetooth.ParseUUID(charUUID)
		if err != nil {
			a.emit(AdapterError{Op: OpDiscoverCharacteristics, Err: err})
			return
		}
		a.mu.Lock()
		service, ok := a.services[svc]
		a.mu.Unlock()
		if !ok {
			a.emit(AdapterError{Op: OpDiscoverCharacteristics, Err: errUnknownHandle})
			return
		}

		chars, err := service.DiscoverCharacteristics([]bluetooth.UUID{uuid})
		if err != nil {
			a.emit(AdapterError{Op: OpDiscoverCharacteristics, Err: fmt.Errorf("ble: discover characteristics: %w", err)})
			return
		}

		handles := make([]CharacteristicHandle, 0, len(chars))
		a.mu.Lock()
		for _, c := range chars {
			h := CharacteristicHandle{DeviceID: svc.DeviceID, ServiceUUID: svc.UUID, UUID: c.UUID().String()}
			a.chars[h] = c
			handles = append(handles, h)
		}
		a.mu.Unlock()
		a.emit(CharacteristicsDiscovered{Service: svc, Characteristics: handles})
	}()
}

// Write queues data for the writer goroutine so writes reach the
// peripheral in submission order.
func (a *TinyGoAdapter) Write(char CharacteristicHandle, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case a.writes <- writeRequest{char: char, data: cp}:
	default:
		go a.emit(WriteCompleted{Characteristic: char, Err: errWriteQueueFull})
	}
}

func (a *TinyGoAdapter) writeLoop() {
	for req := range a.writes {
		a.mu.Lock()
		c, ok := a.chars[req.char]
		a.mu.Unlock()
		if !ok {
			a.emit(WriteCompleted{Characteristic: req.char, Err: errUnknownHandle})
			continue
		}
		err := a.writer.write(req.char, c, req.data)
		a.emit(WriteCompleted{Characteristic: req.char, Err: err})
	}
}

func (a *TinyGoAdapter) Disconnect(dev DeviceHandle) {
	a.mu.Lock()
	l, ok := a.links[dev.ID]
	if !ok {
		a.cancelled[dev.ID] = true
		a.mu.Unlock()
		return
	}
	a.closing[dev.ID] = true
	a.mu.Unlock()

	go func() {
		if err := l.device.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect", "id", dev.ID, "error", err)
		}
	}()
}

// forget drops all state for a device (caller must hold mu).
func (a *TinyGoAdapter) forget(id string) {
	delete(a.links, id)
	delete(a.closing, id)
	for h := range a.services {
		if h.DeviceID == id {
			delete(a.services, h)
		}
	}
	for h := range a.chars {
		if h.DeviceID == id {
			delete(a.chars, h)
		}
	}
	a.writer.release(id)
}

func (a *TinyGoAdapter) setPower(p PowerState) {
	a.mu.Lock()
	a.state = p
	a.mu.Unlock()
}

func (a *TinyGoAdapter) emit(ev Event) {
	a.events <- ev
}

// emitScanResult drops a scan result rather than stall the radio callback;
// the peripheral keeps advertising so it will be seen again.
func (a *TinyGoAdapter) emitScanResult(ev DeviceFound) {
	select {
	case a.events <- ev:
	default:
		slog.Debug("[BLE] event queue full, dropping scan result", "id", ev.Device.ID)
	}
}

func powerFromBool(on bool) PowerState {
	if on {
		return PowerOn
	}
	return PowerOff
}
