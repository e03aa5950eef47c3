//go:build linux

package ble

import (
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"
)

const (
	deviceIface       = "org.bluez.Device1"
	gattServiceIface  = "org.bluez.GattService1"
	gattCharIface     = "org.bluez.GattCharacteristic1"
	getManagedObjects = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
)

// managedObjects is a GetManagedObjects reply: path -> interface -> properties.
type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// bluezWriter writes through GattCharacteristic1.WriteValue with type
// "request", which BlueZ completes only after the peripheral's write
// response. tinygo offers only write-without-response on Linux.
type bluezWriter struct {
	mu    sync.Mutex
	conn  *dbus.Conn
	owned bool
	paths map[CharacteristicHandle]dbus.ObjectPath
}

// newCharWriter shares the BlueZPower bus connection when there is one and
// otherwise dials the system bus on first write.
func newCharWriter(power PowerSource) charWriter {
	w := &bluezWriter{paths: make(map[CharacteristicHandle]dbus.ObjectPath)}
	if bp, ok := power.(*BlueZPower); ok && bp != nil {
		w.conn = bp.conn
	}
	return w
}

func (w *bluezWriter) write(h CharacteristicHandle, _ bluetooth.DeviceCharacteristic, data []byte) error {
	conn, path, err := w.resolve(h)
	if err != nil {
		return err
	}
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
	if err := conn.Object(bluezBus, path).Call(gattCharIface+".WriteValue", 0, data, opts).Err; err != nil {
		return fmt.Errorf("ble: write %s: %w", path, err)
	}
	return nil
}

// resolve returns the bus and the characteristic's object path, looking the
// path up once per handle.
func (w *bluezWriter) resolve(h CharacteristicHandle) (*dbus.Conn, dbus.ObjectPath, error) {
	w.mu.Lock()
	if w.conn == nil {
		conn, err := dbus.ConnectSystemBus()
		if err != nil {
			w.mu.Unlock()
			return nil, "", fmt.Errorf("ble: connect to system bus: %w", err)
		}
		w.conn = conn
		w.owned = true
	}
	conn := w.conn
	path, ok := w.paths[h]
	w.mu.Unlock()
	if ok {
		return conn, path, nil
	}

	var objects managedObjects
	if err := conn.Object(bluezBus, "/").Call(getManagedObjects, 0).Store(&objects); err != nil {
		return nil, "", fmt.Errorf("ble: list BlueZ objects: %w", err)
	}
	path, ok = findCharacteristicPath(objects, h)
	if !ok {
		return nil, "", fmt.Errorf("ble: characteristic %s on %s: %w", h.UUID, h.DeviceID, errUnknownHandle)
	}

	w.mu.Lock()
	w.paths[h] = path
	w.mu.Unlock()
	return conn, path, nil
}

func (w *bluezWriter) release(deviceID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for h := range w.paths {
		if h.DeviceID == deviceID {
			delete(w.paths, h)
		}
	}
}

func (w *bluezWriter) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.owned && w.conn != nil {
		w.conn.Close()
	}
	w.conn = nil
	w.owned = false
	w.paths = make(map[CharacteristicHandle]dbus.ObjectPath)
}

// findCharacteristicPath locates h among BlueZ objects: the Device1 whose
// Address is h.DeviceID, then a GattCharacteristic1 below it with h's UUID
// whose Service carries h.ServiceUUID.
func findCharacteristicPath(objects managedObjects, h CharacteristicHandle) (dbus.ObjectPath, bool) {
	var devPath dbus.ObjectPath
	for path, ifaces := range objects {
		if addr, ok := stringProp(ifaces[deviceIface], "Address"); ok && strings.EqualFold(addr, h.DeviceID) {
			devPath = path
			break
		}
	}
	if devPath == "" {
		return "", false
	}

	prefix := string(devPath) + "/"
	for path, ifaces := range objects {
		props, ok := ifaces[gattCharIface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if u, ok := stringProp(props, "UUID"); !ok || !uuidEqual(u, h.UUID) {
			continue
		}
		svc, ok := props["Service"].Value().(dbus.ObjectPath)
		if !ok {
			continue
		}
		if u, ok := stringProp(objects[svc][gattServiceIface], "UUID"); !ok || !uuidEqual(u, h.ServiceUUID) {
			continue
		}
		return path, true
	}
	return "", false
}

func stringProp(props map[string]dbus.Variant, key string) (string, bool) {
	v, ok := props[key]
	if !ok {
		return "", false
	}
	s, ok := v.Value().(string)
	return s, ok
}
