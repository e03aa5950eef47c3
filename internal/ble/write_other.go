//go:build !linux

package ble

import "tinygo.org/x/bluetooth"

// tinygoWriter uses tinygo's Write, a write-with-response that returns once
// the peripheral acks.
type tinygoWriter struct{}

func newCharWriter(PowerSource) charWriter { return tinygoWriter{} }

func (tinygoWriter) write(_ CharacteristicHandle, c bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := c.Write(data)
	return err
}

func (tinygoWriter) release(string) {}

func (tinygoWriter) close() {}
