// Command test-hotkey is a manual test for the global hotkey bindings.
// Run it, then press a bound combo to see the action it maps to.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-hotkey [--config path] [--hold ctrl+shift+space]
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chaz8081/motorctl/internal/config"
	"github.com/chaz8081/motorctl/internal/hotkey"
)

func main() {
	configPath := flag.String("config", "", "config file to read bindings from (default: built-in bindings)")
	hold := flag.String("hold", "", "hold-to-run combo, e.g. ctrl+shift+space")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("config: %v", err)
		}
	}
	holdKeys := cfg.Hotkey.Hold
	if *hold != "" {
		holdKeys = strings.Split(*hold, "+")
	}

	listener := hotkey.NewListener(cfg.Hotkey.Bindings, holdKeys)
	for _, b := range listener.Bindings() {
		fmt.Printf("  %-16s -> %s\n", strings.Join(b.Keys, "+"), b.Action)
	}
	if len(holdKeys) > 0 {
		fmt.Printf("  %-16s -> on/off while held\n", strings.Join(holdKeys, "+"))
	}
	fmt.Println("Press Ctrl+C to exit.")

	// Handle Ctrl+C
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nShutting down...")
		listener.Stop()
	}()

	// Read events
	go func() {
		for ev := range listener.Events() {
			fmt.Printf(">>> %s\n", ev.Action)
		}
		fmt.Println("Event channel closed.")
	}()

	// Blocks until stopped
	listener.Start()
	fmt.Println("Done.")
}
