// Package main is the entry point for the image bridge: line-delimited
// requests on stdin, one JSON response per request on stdout, logs on
// stderr.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/pixelforge/image-bridge/internal/bridge"
	"github.com/pixelforge/image-bridge/internal/config"
	"github.com/pixelforge/image-bridge/internal/dedup"
	"github.com/pixelforge/image-bridge/internal/generation"
	"github.com/pixelforge/image-bridge/internal/imagestore"
	"github.com/pixelforge/image-bridge/internal/journal"
	"github.com/pixelforge/image-bridge/internal/monitoring"
)

// Version is set at build time via -ldflags.
var Version = "v0.1.0"

// loadEnvFiles loads .env from standard locations.
func loadEnvFiles() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		_ = godotenv.Load()
		return
	}

	configEnv := filepath.Join(homeDir, ".config", "image-bridge", ".env")
	if _, err := os.Stat(configEnv); err == nil {
		_ = godotenv.Load(configEnv)
	}

	// Local .env can override
	_ = godotenv.Load()
}

func main() {
	loadEnvFiles()

	configPath := flag.String("config", "", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	pipe := flag.Bool("pipe", false, "stay resident regardless of TTY detection")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println("image-bridge", Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "image-bridge: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.Monitoring.LogLevel = "debug"
	}
	if *pipe {
		cfg.Lifecycle.ForcePipeMode = true
	}

	monitoring.Global(cfg.Monitoring)

	// Pipe mode: non-interactive stdin means a pipeline is driving us
	// and the process stays resident until the pipeline closes it.
	pipeMode := cfg.Lifecycle.ForcePipeMode || !term.IsTerminal(int(os.Stdin.Fd()))

	log.Info().
		Str("version", Version).
		Bool("pipe_mode", pipeMode).
		Str("generation_host", cfg.Generation.Host).
		Int("generation_port", cfg.Generation.Port).
		Msg("image bridge starting")

	tracker, err := monitoring.NewTracker(cfg.Monitoring)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer tracker.Close()

	serverOpts := []bridge.ServerOption{
		bridge.WithOutputClosedHandler(func() { os.Exit(0) }),
	}
	if cfg.Journal.Enabled {
		jrnl, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open request journal")
		}
		defer jrnl.Close()
		serverOpts = append(serverOpts, bridge.WithJournal(jrnl))
	}

	lifecycle := bridge.NewLifecycle(pipeMode, cfg.Lifecycle.IdleExit, func() { os.Exit(0) })
	defer lifecycle.Stop()

	server := bridge.NewServer(
		generation.New(cfg.Generation),
		bridge.NewEmitter(os.Stdout, imagestore.New(cfg.Images.Dir)),
		dedup.New(cfg.Dedup.Window, cfg.Dedup.Expiry, dedup.WithStore(dedup.NewBoundedStore(cfg.Dedup.Capacity))),
		lifecycle,
		tracker,
		serverOpts...,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Info().Msg("shutdown signal received")
		cancel()
		os.Exit(0)
	}()

	if err := server.Run(ctx, os.Stdin); err != nil {
		log.Fatal().Err(err).Msg("bridge error")
	}
	log.Info().Msg("image bridge stopped")
}
