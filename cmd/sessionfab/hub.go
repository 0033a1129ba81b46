package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/sessionfab/sessionfab/hub"
	"github.com/sessionfab/sessionfab/internal/logging"
)

func runHub(args []string) error {
	fs := flag.NewFlagSet("hub", flag.ExitOnError)
	addr := fs.String("addr", "", "listen address (overrides config)")
	configPath := fs.String("config", "", "path to YAML config file")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	server, err := hub.NewServer(hub.ServerConfig{
		ConfigPath: *configPath,
		Addr:       *addr,
		Version:    version,
	})
	if err != nil {
		return err
	}

	logging.PrintBanner("hub", version, server.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Serve(ctx)
}
