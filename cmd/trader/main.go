package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"auto_trader/internal/bootstrap"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (empty: environment only)")
	listenAddr := flag.String("listen", "", "Server listen address (overrides config)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("auto_trader version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	app, err := bootstrap.NewApp(context.Background(), *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}

	if *listenAddr != "" {
		app.Cfg.Server.ListenAddr = *listenAddr
	}

	if err := app.Run(); err != nil {
		os.Exit(1)
	}
}
