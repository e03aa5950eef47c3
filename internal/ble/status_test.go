package ble

import (
	"sync"
	"testing"
)

func TestPublisherSnapshot(t *testing.T) {
	p := NewPublisher(Snapshot{Label: "Disconnected"})
	if got := p.Snapshot().Label; got != "Disconnected" {
		t.Errorf("Snapshot().Label = %q, want Disconnected", got)
	}

	p.Publish(Snapshot{Label: "Ready", Connected: true})
	got := p.Snapshot()
	if got.Label != "Ready" || !got.Connected {
		t.Errorf("Snapshot() = %+v, want Ready/connected", got)
	}
}

func TestPublisherSubscribeGetsLatest(t *testing.T) {
	p := NewPublisher(Snapshot{Label: "a"})
	ch, cancel := p.Subscribe()
	defer cancel()

	if got := (<-ch).Label; got != "a" {
		t.Errorf("first value = %q, want a", got)
	}

	// A slow subscriber only sees the newest value.
	p.Publish(Snapshot{Label: "b"})
	p.Publish(Snapshot{Label: "c"})
	if got := (<-ch).Label; got != "c" {
		t.Errorf("latest value = %q, want c", got)
	}
	select {
	case s := <-ch:
		t.Errorf("unexpected extra value %+v", s)
	default:
	}
}

func TestPublisherCancelClosesChannel(t *testing.T) {
	p := NewPublisher(Snapshot{})
	ch, cancel := p.Subscribe()
	<-ch

	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
	p.Publish(Snapshot{Label: "after"}) // must not panic on a closed subscriber
}

func TestPublisherConcurrent(t *testing.T) {
	p := NewPublisher(Snapshot{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ch, cancel := p.Subscribe()
			<-ch
			cancel()
		}()
		go func() {
			defer wg.Done()
			p.Publish(Snapshot{Label: "x", Connected: true})
			_ = p.Snapshot()
		}()
	}
	wg.Wait()
}

func TestStateLabels(t *testing.T) {
	tests := []struct {
		state     State
		label     string
		connected bool
	}{
		{State{Kind: StatePoweredOff}, "Bluetooth is Powered Off", false},
		{State{Kind: StateUnavailable, Reason: reasonPoweredOff}, "Bluetooth is Powered Off", false},
		{State{Kind: StateUnavailable, Reason: reasonUnsupported}, "Bluetooth is not available", false},
		{State{Kind: StateScanning}, "Scanning...", false},
		{State{Kind: StateConnecting}, "Connecting...", false},
		{State{Kind: StateConnected}, "Connected", true},
		{State{Kind: StateServiceDiscovered}, "Discovering Characteristics...", true},
		{State{Kind: StateReady}, "Ready", true},
		{State{Kind: StateDisconnected}, "Disconnected", false},
		{State{Kind: StateFailed, Reason: "refused"}, "Connection Failed", false},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			if got := tt.state.Label(); got != tt.label {
				t.Errorf("Label() = %q, want %q", got, tt.label)
			}
			if got := tt.state.IsConnected(); got != tt.connected {
				t.Errorf("IsConnected() = %v, want %v", got, tt.connected)
			}
			if !tt.state.Kind.Valid() {
				t.Errorf("Valid() = false for %s", tt.state.Kind)
			}
		})
	}

	if StateKind(42).Valid() {
		t.Error("StateKind(42) should not be valid")
	}
}
