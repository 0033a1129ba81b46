package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/sessionfab/sessionfab/endpoint"
	"github.com/sessionfab/sessionfab/internal/logging"
)

func runEndpoint(args []string) error {
	fs := flag.NewFlagSet("endpoint", flag.ExitOnError)
	hubURL := fs.String("hub", "", "hub WebSocket URL, e.g. ws://localhost:9998 (overrides config)")
	identity := fs.String("identity", "", "endpoint identity (overrides config)")
	configPath := fs.String("config", "", "path to YAML config file")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	logging.PrintBanner("endpoint", version, *hubURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return endpoint.Run(ctx, endpoint.RunConfig{
		ConfigPath: *configPath,
		HubURL:     *hubURL,
		Identity:   *identity,
		Version:    version,
	})
}
