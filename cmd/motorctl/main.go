package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/motorctl/internal/ble"
	"github.com/chaz8081/motorctl/internal/config"
	"github.com/chaz8081/motorctl/internal/control"
	"github.com/chaz8081/motorctl/internal/haptic"
	"github.com/chaz8081/motorctl/internal/hotkey"
	"github.com/chaz8081/motorctl/internal/osc"
	"github.com/chaz8081/motorctl/internal/server"
)

// stopGrace gives the final stop command time to reach the peripheral
// before the link is dropped.
const stopGrace = 300 * time.Millisecond

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/motorctl/config.yaml)")
	writeConfig := flag.Bool("write-config", false, "write the default config file and exit")
	flag.Parse()

	if *writeConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
			return
		}
		fmt.Println("Wrote", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	setupLogging(cfg.LogLevel)
	printBanner(cfg)

	// Radio power tracking is best effort; without it the adapter reports
	// the radio on once enabled.
	var power ble.PowerSource
	if p, err := ble.NewBlueZPowerSource(cfg.Device.HCI); err != nil {
		slog.Debug("[BLE] no radio power source", "error", err)
	} else {
		power = p
	}

	adapter := ble.NewTinyGoAdapter(power)
	session := ble.NewSession(adapter, cfg.Target(), cfg.SessionOptions())

	// Initialize haptics
	var (
		player haptic.Player = haptic.Nop{}
		audio  *haptic.AudioPlayer
	)
	if cfg.Haptics.Enabled {
		ap, err := haptic.NewAudioPlayer(cfg.Haptics.Patterns)
		if err != nil {
			log.Printf("Haptics disabled: %v", err)
		} else {
			audio = ap
			player = ap
			log.Printf("Haptics ready (%d patterns)", len(cfg.Haptics.Patterns))
		}
	}

	ctrl := control.New(session, player, cfg.Programs)
	apply := func(source, action string) {
		if err := ctrl.Apply(action); err != nil {
			log.Printf("%s: %s: %v", source, action, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- session.Run(ctx) }()

	go logStatus(ctx, session.Status())

	// Initialize hotkey listener
	var listener *hotkey.Listener
	if cfg.Hotkey.Enabled {
		listener = hotkey.NewListener(cfg.Hotkey.Bindings, cfg.Hotkey.Hold)
		go listener.Start()
		go func() {
			for ev := range listener.Events() {
				apply("hotkey", ev.Action)
			}
		}()
		for _, b := range listener.Bindings() {
			log.Printf("Hotkey %s -> %s", strings.Join(b.Keys, "+"), b.Action)
		}
	}

	if cfg.OSC.Enabled {
		oscSrv := osc.NewServer(cfg.OSC.Addr, func(action string) error {
			return ctrl.Apply(action)
		})
		go func() {
			if err := oscSrv.ListenAndServe(ctx); err != nil {
				log.Printf("ERROR: %v", err)
			}
		}()
	}

	if cfg.Status.Enabled {
		statusSrv := server.New(cfg.Status.Addr, session.Status(), ctrl)
		go func() {
			if err := statusSrv.Run(ctx); err != nil {
				log.Printf("ERROR: %v", err)
			}
		}()
	}

	// Signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("Looking for %q. Ctrl+C to quit.", cfg.Device.Name)

	select {
	case sig := <-sigCh:
		log.Printf("Received %s, shutting down...", sig)
	case err := <-runErr:
		log.Printf("ERROR: BLE session ended: %v", err)
	}

	if err := ctrl.Apply(control.ActionOff); err == nil {
		time.Sleep(stopGrace)
	}
	cancel()
	if listener != nil {
		listener.Stop()
	}
	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
	}
	if audio != nil {
		audio.Close()
	}
	adapter.Close()
	log.Println("Goodbye!")
	// Exit directly to avoid gohook's C cleanup crash.
	// The OS reclaims the event hook on process exit.
	os.Exit(0)
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

func setupLogging(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

// logStatus prints every status label change.
func logStatus(ctx context.Context, pub *ble.Publisher) {
	updates, unsubscribe := pub.Subscribe()
	defer unsubscribe()
	var last ble.Snapshot
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if snap == last {
				continue
			}
			last = snap
			if snap.Warning != "" {
				log.Printf("BLE: %s (%s)", snap.Label, snap.Warning)
				continue
			}
			log.Printf("BLE: %s", snap.Label)
		}
	}
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== motorctl ===")
	fmt.Printf("  Device:   %s\n", cfg.Device.Name)
	fmt.Printf("  Service:  %s\n", cfg.Device.ServiceUUID)
	fmt.Printf("  Char:     %s\n", cfg.Device.CharacteristicUUID)
	fmt.Printf("  Programs: %s\n", strings.Join(cfg.Programs, ", "))
	fmt.Printf("  Hotkeys:  %s\n", enabled(cfg.Hotkey.Enabled, fmt.Sprintf("%d bindings", len(cfg.Hotkey.Bindings))))
	fmt.Printf("  OSC:      %s\n", enabled(cfg.OSC.Enabled, cfg.OSC.Addr))
	fmt.Printf("  Status:   %s\n", enabled(cfg.Status.Enabled, "http://"+cfg.Status.Addr))
	fmt.Printf("  Haptics:  %s\n", enabled(cfg.Haptics.Enabled, patternNames(cfg.Haptics.Patterns)))
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("================")
}

func enabled(on bool, detail string) string {
	if !on {
		return "off"
	}
	return detail
}

func patternNames(patterns map[string]string) string {
	if len(patterns) == 0 {
		return "tone only"
	}
	names := make([]string, 0, len(patterns))
	for n := range patterns {
		names = append(names, n)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
