//go:build !linux

package ble

import "errors"

// BlueZPower is only available on Linux.
type BlueZPower struct{}

// NewBlueZPowerSource always fails off Linux; the adapter then reports the
// radio as on once enabled.
func NewBlueZPowerSource(string) (*BlueZPower, error) {
	return nil, errors.New("ble: BlueZ power source requires Linux")
}

func (*BlueZPower) Powered() (bool, error) { return false, errors.New("ble: not supported") }

func (*BlueZPower) Watch(func(bool)) (func(), error) { return nil, errors.New("ble: not supported") }
