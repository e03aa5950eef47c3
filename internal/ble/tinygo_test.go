package ble

import (
	"errors"
	"sync"
	"testing"
	"time"

	"tinygo.org/x/bluetooth"
)

// fakeWriter records acknowledged writes and handle releases.
type fakeWriter struct {
	mu       sync.Mutex
	err      error
	writes   []string
	released []string
}

func (w *fakeWriter) write(_ CharacteristicHandle, _ bluetooth.DeviceCharacteristic, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, string(data))
	return w.err
}

func (w *fakeWriter) release(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.released = append(w.released, id)
}

func (w *fakeWriter) close() {}

func (w *fakeWriter) Writes() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.writes...)
}

func newTestTinyGo(t *testing.T) (*TinyGoAdapter, *fakeWriter) {
	t.Helper()
	w := &fakeWriter{}
	a := NewTinyGoAdapter(nil)
	a.writer = w
	return a, w
}

func nextEvent(t *testing.T, a *TinyGoAdapter) Event {
	t.Helper()
	select {
	case ev := <-a.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for adapter event")
		return nil
	}
}

func TestAdoptAfterDisconnectInFlight(t *testing.T) {
	a, _ := newTestTinyGo(t)

	a.beginConnect(testDevice.ID)
	// Disconnect arrives before the connect completes.
	a.Disconnect(testDevice)

	if a.adopt(testDevice, bluetooth.Device{}) {
		t.Fatal("adopt() = true after Disconnect, want false")
	}
	if _, ok := a.links[testDevice.ID]; ok {
		t.Error("abandoned connection was recorded as a link")
	}
	if a.cancelled[testDevice.ID] {
		t.Error("cancellation was not consumed")
	}
}

func TestBeginConnectClearsStaleCancel(t *testing.T) {
	a, _ := newTestTinyGo(t)

	a.Disconnect(testDevice) // no link yet, marks cancelled
	a.beginConnect(testDevice.ID)

	if !a.adopt(testDevice, bluetooth.Device{}) {
		t.Fatal("adopt() = false, want true for a fresh connect")
	}
	l, ok := a.links[testDevice.ID]
	if !ok {
		t.Fatal("link not recorded")
	}
	if l.name != testDevice.Name {
		t.Errorf("link name = %q, want %q", l.name, testDevice.Name)
	}
}

func TestForgetReleasesHandles(t *testing.T) {
	a, w := newTestTinyGo(t)
	other := DeviceHandle{ID: "11:22:33:44:55:66", Name: DefaultDeviceName}
	otherSvc := ServiceHandle{DeviceID: other.ID, UUID: DefaultServiceUUID}
	otherChar := CharacteristicHandle{DeviceID: other.ID, ServiceUUID: DefaultServiceUUID, UUID: DefaultCharacteristicUUID}

	a.links[testDevice.ID] = &link{name: testDevice.Name}
	a.links[other.ID] = &link{name: other.Name}
	a.closing[testDevice.ID] = true
	a.services[testService] = bluetooth.DeviceService{}
	a.services[otherSvc] = bluetooth.DeviceService{}
	a.chars[testChar] = bluetooth.DeviceCharacteristic{}
	a.chars[otherChar] = bluetooth.DeviceCharacteristic{}

	a.mu.Lock()
	a.forget(testDevice.ID)
	a.mu.Unlock()

	if _, ok := a.links[testDevice.ID]; ok {
		t.Error("link kept after forget")
	}
	if a.closing[testDevice.ID] {
		t.Error("closing flag kept after forget")
	}
	if _, ok := a.services[testService]; ok {
		t.Error("service handle kept after forget")
	}
	if _, ok := a.chars[testChar]; ok {
		t.Error("characteristic handle kept after forget")
	}
	if _, ok := a.links[other.ID]; !ok {
		t.Error("other device's link was dropped")
	}
	if _, ok := a.services[otherSvc]; !ok {
		t.Error("other device's service was dropped")
	}
	if _, ok := a.chars[otherChar]; !ok {
		t.Error("other device's characteristic was dropped")
	}
	if len(w.released) != 1 || w.released[0] != testDevice.ID {
		t.Errorf("writer released %v, want [%s]", w.released, testDevice.ID)
	}
}

func TestWriteQueueFull(t *testing.T) {
	a, _ := newTestTinyGo(t)
	a.writes = make(chan writeRequest) // no writer loop, so every send would block

	a.Write(testChar, []byte("stop"))

	ev, ok := nextEvent(t, a).(WriteCompleted)
	if !ok {
		t.Fatalf("event type = %T, want WriteCompleted", ev)
	}
	if ev.Characteristic != testChar {
		t.Errorf("characteristic = %+v, want %+v", ev.Characteristic, testChar)
	}
	if !errors.Is(ev.Err, errWriteQueueFull) {
		t.Errorf("error = %v, want errWriteQueueFull", ev.Err)
	}
}

func TestWriteLoopOrderAndAcks(t *testing.T) {
	a, w := newTestTinyGo(t)
	a.chars[testChar] = bluetooth.DeviceCharacteristic{}
	go a.writeLoop()
	t.Cleanup(func() { close(a.writes) })

	payload := []byte("cw")
	a.Write(testChar, payload)
	payload[0] = 'x' // Write must have copied the buffer
	a.Write(testChar, []byte("stop"))

	for i := 0; i < 2; i++ {
		ev, ok := nextEvent(t, a).(WriteCompleted)
		if !ok {
			t.Fatalf("event %d type = %T, want WriteCompleted", i, ev)
		}
		if ev.Err != nil {
			t.Errorf("event %d error = %v, want nil", i, ev.Err)
		}
	}
	got := w.Writes()
	if len(got) != 2 || got[0] != "cw" || got[1] != "stop" {
		t.Errorf("writes = %q, want [cw stop]", got)
	}
}

func TestWriteLoopReportsFailures(t *testing.T) {
	a, w := newTestTinyGo(t)
	w.err = errors.New("att error 0x0e")
	a.chars[testChar] = bluetooth.DeviceCharacteristic{}
	go a.writeLoop()
	t.Cleanup(func() { close(a.writes) })

	a.Write(testChar, []byte("stop"))
	ev := nextEvent(t, a).(WriteCompleted)
	if !errors.Is(ev.Err, w.err) {
		t.Errorf("error = %v, want %v", ev.Err, w.err)
	}

	// A handle released by a disconnect is reported, not written.
	stale := CharacteristicHandle{DeviceID: "11:22:33:44:55:66", ServiceUUID: DefaultServiceUUID, UUID: DefaultCharacteristicUUID}
	a.Write(stale, []byte("stop"))
	ev = nextEvent(t, a).(WriteCompleted)
	if !errors.Is(ev.Err, errUnknownHandle) {
		t.Errorf("stale handle error = %v, want errUnknownHandle", ev.Err)
	}
	if n := len(w.Writes()); n != 1 {
		t.Errorf("writer called %d times, want 1", n)
	}
}

func TestScanGeneration(t *testing.T) {
	a, _ := newTestTinyGo(t)

	g1, ok := a.beginScan()
	if !ok {
		t.Fatal("first beginScan() = false")
	}
	if _, ok := a.beginScan(); ok {
		t.Fatal("beginScan() while scanning = true")
	}
	a.endScan(g1)

	g2, ok := a.beginScan()
	if !ok || g2 == g1 {
		t.Fatalf("beginScan() after end = (%d, %v), want new generation", g2, ok)
	}
	// A late exit from the first scan must not clear the second.
	a.endScan(g1)
	if !a.scanning {
		t.Error("stale endScan cleared the running scan")
	}
}
