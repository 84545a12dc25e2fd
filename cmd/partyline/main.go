// Partyline - chat relay linking QQ, Discord and Telegram
// License: MIT
//
// Copyright (c) 2026 Partyline contributors

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sipeed/partyline/pkg/channels"
	"github.com/sipeed/partyline/pkg/config"
	"github.com/sipeed/partyline/pkg/heartbeat"
	"github.com/sipeed/partyline/pkg/link"
	"github.com/sipeed/partyline/pkg/logger"
	"github.com/sipeed/partyline/pkg/relay"
)

const version = "0.1.0"

type cliOptions struct {
	debug      bool
	configPath string
	envPath    string
}

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	command := os.Args[1]
	if command == "version" || command == "--version" || command == "-v" {
		fmt.Printf("partyline v%s\n", version)
		return
	}
	if command == "help" || command == "--help" || command == "-h" {
		printHelp()
		return
	}

	opts, err := parseArgs(os.Args[2:])
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		printHelp()
		os.Exit(1)
	}
	loadEnv(opts)

	switch command {
	case "run":
		runCmd(opts, false)
	case "console":
		runCmd(opts, true)
	case "check":
		if !checkCmd(opts) {
			os.Exit(1)
		}
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Printf("partyline - chat relay for QQ, Discord and Telegram v%s\n\n", version)
	fmt.Println("Usage: partyline <command> [--debug] [--config path] [--env path]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run         Start adapters and relay until interrupted")
	fmt.Println("  console     Like run, with a local console endpoint")
	fmt.Println("  check       Validate config and print the resolved links")
	fmt.Println("  version     Show version information")
}

func parseArgs(args []string) (cliOptions, error) {
	opts := cliOptions{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--debug", "-d":
			opts.debug = true
		case "--config", "-c", "--env", "-e":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("%s requires a value", args[i])
			}
			if args[i] == "--config" || args[i] == "-c" {
				opts.configPath = args[i+1]
			} else {
				opts.envPath = args[i+1]
			}
			i++
		default:
			return opts, fmt.Errorf("unknown flag %s", args[i])
		}
	}
	return opts, nil
}

// loadEnv reads --env, or a .env next to the binary when present.
func loadEnv(opts cliOptions) {
	path := opts.envPath
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return
		}
		path = filepath.Join(filepath.Dir(exe), ".env")
	}
	if err := loadEnvFile(path); err != nil {
		if opts.envPath == "" && errors.Is(err, os.ErrNotExist) {
			return
		}
		fmt.Printf("Error loading env file: %v\n", err)
	}
}

func getConfigPath(opts cliOptions) string {
	if opts.configPath != "" {
		return opts.configPath
	}
	if p := os.Getenv("PARTYLINE_CONFIG"); p != "" {
		return p
	}
	return config.DefaultPath()
}

func loadConfig(opts cliOptions) (*config.Config, error) {
	return config.LoadConfig(getConfigPath(opts))
}

func resolveTopology(cfg *config.Config) *link.Topology {
	topo := link.Resolve(cfg.Links)
	for _, dropped := range topo.Dropped {
		logger.WarnCF("config", "Dropped link configuration", map[string]interface{}{
			"error": dropped.Error(),
		})
	}
	return topo
}

func checkCmd(opts cliOptions) bool {
	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		return false
	}

	fmt.Println("Config:", getConfigPath(opts))
	topo := link.Resolve(cfg.Links)

	fmt.Printf("Links: %d\n", len(topo.Links))
	for i, l := range topo.Links {
		fmt.Printf("  %d. %s\n", i+1, l)
	}
	for _, dropped := range topo.Dropped {
		fmt.Printf("  ✗ %s\n", dropped)
	}
	fmt.Printf("Source channels: %d\n", len(topo.Subscriptions))
	fmt.Printf("Recent window: %d\n", cfg.Relay.Recent)

	manager, err := channels.NewManager(cfg)
	if err != nil {
		fmt.Printf("Error creating channel manager: %v\n", err)
		return false
	}
	if enabled := manager.GetEnabledChannels(); len(enabled) > 0 {
		fmt.Printf("Adapters enabled: %v\n", enabled)
	} else {
		fmt.Println("⚠ Warning: No adapters enabled")
	}

	if cfg.Relay.StatusCron != "" {
		if _, err := heartbeat.NewReporter(cfg.Relay.StatusCron); err != nil {
			fmt.Printf("✗ %v\n", err)
			return false
		}
	}

	return len(topo.Links) > 0
}

func runCmd(opts cliOptions, withConsole bool) {
	if opts.debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("Debug mode enabled")
	} else if withConsole {
		logger.SetLevel(logger.WARN)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if withConsole {
		cfg.Adapters.Console.Enabled = true
	}

	topo := resolveTopology(cfg)
	if len(topo.Links) == 0 {
		fmt.Println("⚠ Warning: No valid links configured, nothing will be relayed")
	}

	channelManager, err := channels.NewManager(cfg)
	if err != nil {
		fmt.Printf("Error creating channel manager: %v\n", err)
		os.Exit(1)
	}

	store := relay.NewStore(cfg.Relay.Recent)
	engine := relay.NewEngine(topo, store, channelManager, relay.Options{
		DedupRedelivery: cfg.Relay.DedupRedelivery,
	})
	if err := engine.Start(); err != nil {
		fmt.Printf("⚠ Warning: %v\n", err)
	}

	var reporter *heartbeat.Reporter
	if cfg.Relay.StatusCron != "" {
		reporter, err = heartbeat.NewReporter(cfg.Relay.StatusCron)
		if err != nil {
			fmt.Printf("Error creating status reporter: %v\n", err)
			os.Exit(1)
		}
		reporter.AddSource("store", func() map[string]interface{} {
			stats := store.Stats()
			return map[string]interface{}{
				"buckets":         stats.Buckets,
				"entries":         stats.Entries,
				"slots":           stats.Slots,
				"reverse_entries": stats.ReverseEntries,
			}
		})
		reporter.AddSource("channels", channelManager.GetStatus)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := channelManager.StartAll(ctx); err != nil {
		fmt.Printf("Error starting channels: %v\n", err)
	}
	if reporter != nil {
		if err := reporter.Start(); err != nil {
			fmt.Printf("Error starting status reporter: %v\n", err)
		}
	}

	fmt.Printf("✓ Relaying %d links over %v\n", len(topo.Links), channelManager.GetEnabledChannels())
	fmt.Println("Press Ctrl+C to stop")

	var consoleDone <-chan struct{}
	if withConsole {
		if ch, ok := channelManager.GetChannel("console"); ok {
			if console, ok := ch.(*channels.ConsoleChannel); ok {
				consoleDone = console.Done()
			}
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-consoleDone:
	}

	fmt.Println("\nShutting down...")
	cancel()
	if reporter != nil {
		reporter.Stop()
	}
	channelManager.StopAll(context.Background())
	fmt.Println("✓ Relay stopped")
}
