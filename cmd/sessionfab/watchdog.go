package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sessionfab/sessionfab/internal/logging"
	"github.com/sessionfab/sessionfab/internal/watchdog"
)

func runWatchdog(args []string) error {
	fs := flag.NewFlagSet("watchdog", flag.ExitOnError)
	workDir := fs.String("work-dir", ".", "endpoint working directory (sentinel location)")
	maxRespawns := fs.Int("max-respawns", 5, "respawn cap within the rolling window")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	// Remaining args are the endpoint argv; default to supervising
	// "this binary endpoint" with the same flags.
	argv := fs.Args()
	if len(argv) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
		argv = []string{exe, "endpoint"}
	}

	logging.PrintBanner("watchdog", version, argv[0])

	sup, err := watchdog.New(watchdog.Options{
		Argv:        argv,
		WorkDir:     *workDir,
		MaxRespawns: *maxRespawns,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return sup.Run(ctx)
}
