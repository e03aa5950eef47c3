// Command test-command is a manual test for the BLE session.
// It scans for the peripheral, waits until the command characteristic is
// ready, sends one command and disconnects.
//
// Usage:
//
//	go run ./cmd/test-command [--timeout 30s] [command]
//
// command is wire text such as stop, cw, ccw, program:Pulse or manual:50,50
// (default: stop).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/chaz8081/motorctl/internal/ble"
	"github.com/chaz8081/motorctl/internal/ble/protocol"
)

func main() {
	timeout := flag.Duration("timeout", 30*time.Second, "how long to wait for the peripheral")
	name := flag.String("name", ble.DefaultDeviceName, "peripheral name")
	flag.Parse()

	text := "stop"
	if flag.NArg() > 0 {
		text = flag.Arg(0)
	}
	cmd, err := protocol.Parse(text)
	if err != nil {
		log.Fatalf("command: %v", err)
	}

	target := ble.DefaultTarget()
	target.Name = *name

	adapter := ble.NewTinyGoAdapter(nil)
	defer adapter.Close()
	session := ble.NewSession(adapter, target, ble.DefaultSessionOptions())

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	go session.Run(ctx)

	fmt.Printf("Waiting for %q (up to %s)...\n", target.Name, *timeout)
	updates, unsubscribe := session.Status().Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("Timed out:", session.Status().Snapshot().Label)
			os.Exit(1)
		case snap := <-updates:
			fmt.Println("  status:", snap.Label)
			if session.State().Kind != ble.StateReady {
				continue
			}
			if err := session.Submit(cmd); err != nil {
				fmt.Printf("Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Sent %q\n", cmd.String())
			// Leave time for the acknowledged write before dropping the link.
			time.Sleep(500 * time.Millisecond)
			session.Disconnect()
			fmt.Println("\nDone!")
			return
		}
	}
}
