// cln-floresta: Core Lightning Bitcoin backend plugin for Floresta
//
// lightningd starts this binary as a plugin and talks to it over stdin and
// stdout. It serves the bcli methods from a Floresta node, or any node with
// a Bitcoin Core compatible JSON-RPC interface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fortiblox/cln-floresta/pkg/bridge"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Configuration flags
var (
	configPath  = flag.String("conf", "", "Path to a TOML configuration file")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("cln-floresta %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	// stdout is the lightningd channel; anything logged before init goes to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	b, err := bridge.New(bridge.Config{
		ConfigPath: *configPath,
		In:         os.Stdin,
		Out:        os.Stdout,
		Logger:     logger,
	})
	if err != nil {
		fatal(err)
	}

	if err := b.Run(ctx); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "cln-floresta: %v\n", err)
	os.Exit(1)
}
