//go:build linux

package ble

import (
	"testing"

	"tinygo.org/x/bluetooth"
)

func TestAbortScanAllowsRescan(t *testing.T) {
	a, _ := newTestTinyGo(t)

	g1, _ := a.beginScan()
	a.found[testDevice.ID] = bluetooth.Address{}

	a.abortScan()

	if a.scanning {
		t.Error("scanning still set after power loss")
	}
	if len(a.found) != 0 {
		t.Errorf("dedupe set has %d entries, want 0", len(a.found))
	}
	g2, ok := a.beginScan()
	if !ok {
		t.Fatal("beginScan() after power loss = false, want true")
	}
	// The aborted scan's goroutine exits late.
	a.endScan(g1)
	if !a.scanning || g2 == g1 {
		t.Error("aborted scan's exit cleared the new scan")
	}
}
