// Package main is the entry point for the rulebox service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"rulebox/bootstrap"
	"rulebox/cmd"
)

// run initializes and starts the rulebox HTTP service.
func run(configPath string) error {
	ctx := context.Background()

	// Create and initialize application
	app, err := bootstrap.NewApp(ctx, configPath)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	// Start all services
	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	// Wait for shutdown signal
	app.WaitForShutdown()

	// Graceful shutdown
	app.Shutdown()

	return nil
}

// main is the entry point.
func main() {
	// Check if running as CLI command
	if len(os.Args) > 1 && os.Args[1] == "rules" {
		// Strip "rules" from os.Args since the command already knows it's the rules command
		os.Args = append([]string{os.Args[0]}, os.Args[2:]...)

		rulesCmd := cmd.NewRulesCmd()
		if err := rulesCmd.Execute(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Otherwise run as normal server
	configPath := flag.String("config", "", "Config file path")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
