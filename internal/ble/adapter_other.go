//go:build !linux

package ble

import "tinygo.org/x/bluetooth"

// Only BlueZ can select an adapter by name.
func newAdapter(string) *bluetooth.Adapter {
	return bluetooth.DefaultAdapter
}
