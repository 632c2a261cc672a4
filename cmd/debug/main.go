package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/thatsimonsguy/stiebel-can/db"
	"github.com/thatsimonsguy/stiebel-can/internal/canbus"
	"github.com/thatsimonsguy/stiebel-can/internal/config"
	"github.com/thatsimonsguy/stiebel-can/internal/dispatcher"
	"github.com/thatsimonsguy/stiebel-can/internal/endpoint"
	"github.com/thatsimonsguy/stiebel-can/internal/gate"
	"github.com/thatsimonsguy/stiebel-can/internal/logging"
	"github.com/thatsimonsguy/stiebel-can/internal/store"
	"github.com/thatsimonsguy/stiebel-can/system/shutdown"
	"github.com/thatsimonsguy/stiebel-can/system/startup"
)

func main() {
	DebugCLI()
}

func DebugCLI() {
	var dbPath, statePath, command, iface, channel, name string
	var module, relay, limit int
	var verbose bool
	flag.StringVar(&dbPath, "db", "data/history.db", "Path to the history database")
	flag.StringVar(&statePath, "state-file", "data/state.json", "Path to the state snapshot")
	flag.StringVar(&command, "cmd", "", "Command to run: on, off, refresh, history, sniff, snapshot")
	flag.StringVar(&iface, "interface", "socketcan", "Bus interface: socketcan or loopback")
	flag.StringVar(&channel, "channel", "can0", "SocketCAN interface name")
	flag.StringVar(&name, "name", "debug", "Endpoint name (history looks readings up by name)")
	flag.IntVar(&module, "module", 1, "Module number")
	flag.IntVar(&relay, "relay", 0, "Relay number within the module")
	flag.IntVar(&limit, "limit", 20, "Number of history rows")
	flag.BoolVar(&verbose, "v", false, "Log every frame")
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *help || command == "" {
		fmt.Println("\nUsage of stiebel-debug:")
		fmt.Println("  -cmd string\tCommand to run: on, off, refresh, history, sniff, snapshot")
		fmt.Println("  -interface string\tsocketcan or loopback (default 'socketcan')")
		fmt.Println("  -channel string\tSocketCAN interface (default 'can0')")
		fmt.Println("  -module int\tModule number (default 1)")
		fmt.Println("  -relay int\tRelay number (default 0)")
		fmt.Println("  -name string\tEndpoint name for history")
		fmt.Println("  -db string\tPath to the history database (default 'data/history.db')")
		fmt.Println("  -state-file string\tPath to the state snapshot (default 'data/state.json')")
		fmt.Println("  -limit int\tNumber of history rows (default 20)")
		fmt.Println("  -v\tLog every frame")
		fmt.Println("  -help\tShow this help message")
		os.Exit(0)
	}

	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	logging.Init(level, "")

	if module < 0 || module > 0xFF || relay < 0 || relay > 0xFF {
		fmt.Println("Error: module and relay must be between 0 and 255")
		os.Exit(1)
	}
	desc := endpoint.Descriptor{Name: name, Module: uint8(module), Relay: uint8(relay)}

	ctx, stop := shutdown.Context(context.Background())
	defer stop()

	var err error
	switch command {
	case "history":
		err = printHistory(dbPath, name, limit)
	case "snapshot":
		err = printSnapshot(statePath)
	case "on", "off", "refresh", "sniff":
		cfg := &config.Config{Interface: iface, Channel: channel, LogFrames: verbose}
		err = withBus(ctx, cfg, func(bus canbus.Bus) error {
			switch command {
			case "sniff":
				return sniff(ctx, bus)
			case "refresh":
				return refresh(ctx, bus, desc)
			default:
				return set(ctx, bus, desc, command == "on")
			}
		})
	default:
		fmt.Println("Invalid command")
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Command %s failed: %v\n", command, err)
		os.Exit(1)
	}
	fmt.Printf("Command %s completed successfully\n", command)
}

func withBus(ctx context.Context, cfg *config.Config, fn func(canbus.Bus) error) error {
	bus, sim, err := startup.OpenBus(ctx, cfg)
	if err != nil {
		return err
	}
	defer bus.Close()

	if sim != nil {
		simCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go sim.Run(simCtx)
	}
	return fn(bus)
}

func newEndpoint(ctx context.Context, bus canbus.Bus, desc endpoint.Descriptor) (*endpoint.Endpoint, *dispatcher.Dispatcher) {
	e := endpoint.New(desc, bus, gate.New(), nil, endpoint.DefaultOptions())
	d := dispatcher.New(bus)
	d.Register(e)
	d.Start(ctx)
	return e, d
}

func refresh(ctx context.Context, bus canbus.Bus, desc endpoint.Descriptor) error {
	e, d := newEndpoint(ctx, bus, desc)
	defer d.Stop()

	st, err := e.Refresh(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("module %d relay %d: on=%t\n", desc.Module, desc.Relay, st.On)
	return nil
}

func set(ctx context.Context, bus canbus.Bus, desc endpoint.Descriptor, on bool) error {
	e, d := newEndpoint(ctx, bus, desc)
	defer d.Stop()

	if err := e.Set(ctx, on); err != nil {
		return err
	}

	// wait briefly for the acknowledgement
	deadline := time.After(time.Second)
	for {
		st := e.State()
		if !st.UpdatedAt.IsZero() {
			fmt.Printf("module %d relay %d acknowledged: on=%t\n", desc.Module, desc.Relay, st.On)
			return nil
		}
		select {
		case <-deadline:
			fmt.Println("No acknowledgement received")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func sniff(ctx context.Context, bus canbus.Bus) error {
	fmt.Println("Listening for replies, Ctrl-C to stop")
	for {
		f, err := bus.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Printf("%s  %s\n", time.Now().Format("15:04:05.000"), f)
	}
}

func printHistory(dbPath, name string, limit int) error {
	database, err := db.Open(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	readings, err := db.GetRecentReadings(database, name, limit)
	if err != nil {
		return err
	}
	for _, r := range readings {
		temp := "-"
		if r.OutsideTemperature != nil {
			temp = fmt.Sprintf("%.1f", *r.OutsideTemperature)
		}
		fmt.Printf("%s  %-10s on=%-5t outside=%s\n", r.RecordedAt.Local().Format(time.DateTime), r.Source, r.On, temp)
	}
	return nil
}

func printSnapshot(path string) error {
	snap, err := store.New(path).Load()
	if err != nil {
		return err
	}
	fmt.Printf("saved %s\n", snap.SavedAt.Local().Format(time.DateTime))
	for _, e := range snap.Endpoints {
		fmt.Printf("%-16s module %3d relay %3d on=%-5t online=%t\n", e.Name, e.Module, e.Relay, e.On, e.Online)
	}
	return nil
}
