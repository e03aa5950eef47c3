// Package ble manages the BLE session with a MotorControl peripheral. It
// discovers the peripheral by name, binds the command characteristic and keeps
// the connection alive, re-scanning whenever the link is lost.
package ble

import "fmt"

// Default MotorControl identity. These must match the peripheral firmware.
const (
	DefaultDeviceName         = "MotorControl"
	DefaultServiceUUID        = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"
	DefaultCharacteristicUUID = "beb5483e-36e1-4688-b7f5-ea07361b26a8"
)

// Target identifies the single peripheral the session drives.
type Target struct {
	Name               string
	ServiceUUID        string
	CharacteristicUUID string
}

// DefaultTarget returns the stock MotorControl identity.
func DefaultTarget() Target {
	return Target{
		Name:               DefaultDeviceName,
		ServiceUUID:        DefaultServiceUUID,
		CharacteristicUUID: DefaultCharacteristicUUID,
	}
}

// PowerState is the radio power state reported by the adapter.
type PowerState int

const (
	PowerOff PowerState = iota
	PowerOn
	PowerUnavailable
)

func (p PowerState) String() string {
	switch p {
	case PowerOn:
		return "on"
	case PowerOff:
		return "off"
	case PowerUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("PowerState(%d)", int(p))
	}
}

// DeviceHandle refers to a discovered peripheral. ID is the platform
// identity (MAC address on Linux/Windows, CoreBluetooth UUID on macOS).
type DeviceHandle struct {
	ID   string
	Name string
}

// ServiceHandle refers to a discovered GATT service on a device.
type ServiceHandle struct {
	DeviceID string
	UUID     string
}

// CharacteristicHandle refers to a discovered characteristic.
type CharacteristicHandle struct {
	DeviceID    string
	ServiceUUID string
	UUID        string
}

// Adapter abstracts the BLE central for testing. Commands never block and
// never report transport errors directly: every outcome is delivered later as
// an Event on the channel returned by Events, in the order it happened.
type Adapter interface {
	// Enable powers up the adapter. An error means the radio cannot be used.
	Enable() error
	// PowerState returns the last known radio power state.
	PowerState() PowerState
	// Events returns the single ordered event stream.
	Events() <-chan Event

	StartScan(serviceUUID string)
	StopScan()
	Connect(dev DeviceHandle)
	DiscoverServices(dev DeviceHandle, serviceUUID string)
	DiscoverCharacteristics(svc ServiceHandle, charUUID string)
	// Write performs an acknowledged write; the result arrives as WriteCompleted.
	Write(char CharacteristicHandle, data []byte)
	Disconnect(dev DeviceHandle)
}

// Event is one notification from the adapter.
type Event interface {
	event()
}

// PowerChanged reports a radio power transition.
type PowerChanged struct {
	State PowerState
}

// DeviceFound reports a scan result.
type DeviceFound struct {
	Device DeviceHandle
	RSSI   int
}

// Connected reports that Connect succeeded.
type Connected struct {
	Device DeviceHandle
}

// ConnectFailed reports that Connect failed.
type ConnectFailed struct {
	Device DeviceHandle
	Err    error
}

// ServicesDiscovered carries the result of DiscoverServices.
type ServicesDiscovered struct {
	Device   DeviceHandle
	Services []ServiceHandle
}

// CharacteristicsDiscovered carries the result of DiscoverCharacteristics.
type CharacteristicsDiscovered struct {
	Service         ServiceHandle
	Characteristics []CharacteristicHandle
}

// WriteCompleted acknowledges a Write. Err is nil on success.
type WriteCompleted struct {
	Characteristic CharacteristicHandle
	Err            error
}

// Disconnected reports a dropped link. Err is nil for a requested disconnect.
type Disconnected struct {
	Device DeviceHandle
	Err    error
}

// Op names an adapter operation in AdapterError.
type Op string

const (
	OpScan                    Op = "scan"
	OpDiscoverServices        Op = "discover services"
	OpDiscoverCharacteristics Op = "discover characteristics"
)

// AdapterError reports a failure of an operation that has no dedicated event.
type AdapterError struct {
	Op  Op
	Err error
}

func (PowerChanged) event()              {}
func (DeviceFound) event()               {}
func (Connected) event()                 {}
func (ConnectFailed) event()             {}
func (ServicesDiscovered) event()        {}
func (CharacteristicsDiscovered) event() {}
func (WriteCompleted) event()            {}
func (Disconnected) event()              {}
func (AdapterError) event()              {}
