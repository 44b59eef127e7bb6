// Package main is the entry point for the Argus telemetry ingestion core.
package main

import (
	"flag"
	"fmt"
	"os"

	"argus/bootstrap"
)

func run(configPath string) error {
	app, err := bootstrap.NewApp(configPath)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	app.WaitForShutdown()
	app.Shutdown()
	return nil
}

func main() {
	configPath := flag.String("config", os.Getenv("ARGUS_CONFIG"), "path to the config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
