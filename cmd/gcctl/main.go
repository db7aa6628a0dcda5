// Command gcctl is a small operator tool for a running Immix heap:
// it loads tunables from a JSON config file (optionally watching it for
// live edits) and reports heap/collection statistics, in the spirit of
// the teacher's cmd/orizon-config command layout.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orizon-lang/immixgc/internal/cli"
	"github.com/orizon-lang/immixgc/internal/runtime/gc"
)

func usage() {
	cli.PrintUsage("gcctl", []cli.CommandInfo{
		{Name: "watch", Description: "run a heap, reload tunables from --config on change, print periodic stats"},
		{Name: "show-config", Description: "print the effective tunables for --config and exit"},
	})
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	configPath := flag.String("config", "", "path to a JSON tunables file (see SPEC_FULL.md §2.1)")
	heapSizeMB := flag.Int("heap-mb", 256, "initial heap reservation, in MiB")
	interval := flag.Duration("interval", 5*time.Second, "stats print interval for 'watch'")
	moveObjects := flag.Bool("move-objects", false, "force every periodic collection to evacuate (collect(move_objects=true))")
	showVersion := flag.Bool("version", false, "show version information")
	jsonOutput := flag.Bool("json", false, "output version in JSON format")

	cmd := os.Args[1]
	os.Args = append([]string{os.Args[0]}, os.Args[2:]...)
	flag.Parse()

	if cmd == "--version" || cmd == "-v" || *showVersion {
		cli.PrintVersion("gcctl", *jsonOutput)
		os.Exit(0)
	}

	switch cmd {
	case "show-config":
		runShowConfig(*configPath)
	case "watch":
		runWatch(*configPath, *heapSizeMB, *interval, *moveObjects)
	case "--help", "-h", "help":
		usage()
	default:
		cli.ExitWithError("unknown command %q", cmd)
	}
}

func runShowConfig(path string) {
	if path == "" {
		cli.ExitWithError("show-config requires --config")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		cli.ExitWithError("reading %q: %v", path, err)
	}
	var pretty map[string]interface{}
	if err := json.Unmarshal(data, &pretty); err != nil {
		cli.ExitWithError("parsing %q: %v", path, err)
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
}

func runWatch(path string, heapSizeMB int, interval time.Duration, moveObjects bool) {
	logger := log.New(os.Stderr, "gcctl: ", log.LstdFlags)

	opts := []gc.Option{
		gc.WithHeapSize(uintptr(heapSizeMB) * 1024 * 1024),
		gc.WithLogger(logger),
	}
	if path != "" {
		opts = append(opts, gc.WithConfigFile(path))
	}
	heap, err := gc.Init(gc.NewConfig(opts...))
	if err != nil {
		cli.ExitWithError("heap init failed: %v", err)
	}
	defer heap.Close()

	m := heap.RegisterMainThread()
	defer heap.UnregisterThread(m)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Printf("watching heap (config=%q, interval=%s); ctrl-C to exit", path, interval)
	for {
		select {
		case <-ticker.C:
			stats := heap.Collect(m, moveObjects)
			logger.Printf("collect: freed=%d recyclable=%d unavailable=%d evacuated=%t reclaimed=%dB",
				stats.BlocksFreed, stats.BlocksRecyclable, stats.BlocksUnavailable, stats.Evacuated, stats.BytesReclaimed)
		case <-sigCh:
			logger.Printf("shutting down")
			return
		}
	}
}
