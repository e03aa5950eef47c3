//go:build linux

package ble

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus     = "org.bluez"
	adapterIface = "org.bluez.Adapter1"
	propsIface   = "org.freedesktop.DBus.Properties"
	propsChanged = propsIface + ".PropertiesChanged"
)

// BlueZPower reads and watches org.bluez.Adapter1.Powered over the system bus.
type BlueZPower struct {
	conn *dbus.Conn
	path dbus.ObjectPath
}

// NewBlueZPowerSource connects to the system bus for the named HCI adapter
// (e.g. "hci0").
func NewBlueZPowerSource(hci string) (*BlueZPower, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: connect to system bus: %w", err)
	}
	return &BlueZPower{conn: conn, path: dbus.ObjectPath("/org/bluez/" + hci)}, nil
}

// Powered returns the current adapter power property.
func (b *BlueZPower) Powered() (bool, error) {
	var v dbus.Variant
	obj := b.conn.Object(bluezBus, b.path)
	if err := obj.Call(propsIface+".Get", 0, adapterIface, "Powered").Store(&v); err != nil {
		return false, fmt.Errorf("ble: read %s Powered: %w", b.path, err)
	}
	on, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("ble: %s Powered is not bool", b.path)
	}
	return on, nil
}

// Watch subscribes to PropertiesChanged on the adapter object.
func (b *BlueZPower) Watch(fn func(on bool)) (func(), error) {
	err := b.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(b.path),
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	)
	if err != nil {
		return nil, fmt.Errorf("ble: subscribe to %s: %w", b.path, err)
	}

	ch := make(chan *dbus.Signal, 16)
	b.conn.Signal(ch)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case sig, ok := <-ch:
				if !ok {
					return
				}
				if on, ok := poweredFromSignal(sig, b.path); ok {
					fn(on)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			b.conn.RemoveSignal(ch)
			b.conn.Close()
		})
	}, nil
}

// poweredFromSignal extracts Powered from an Adapter1 PropertiesChanged
// signal. Body: [interface string, changed map[string]Variant, invalidated []string].
func poweredFromSignal(sig *dbus.Signal, path dbus.ObjectPath) (bool, bool) {
	if sig == nil || sig.Name != propsChanged || sig.Path != path || len(sig.Body) < 2 {
		return false, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != adapterIface {
		return false, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return false, false
	}
	v, ok := changed["Powered"]
	if !ok {
		return false, false
	}
	on, ok := v.Value().(bool)
	return on, ok
}
