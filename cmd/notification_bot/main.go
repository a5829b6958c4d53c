package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"notifbot/internal/app"
	"notifbot/internal/storage"
)

// Exit codes, stable for process supervisors.
const (
	exitOK            = 0
	exitStartupFailed = 1
	exitInvalidConfig = 2
	exitStoreDown     = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		cfgPath   string
		statusRef string
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.StringVar(&statusRef, "status", "", "print the status of a notification id (or unique prefix) and exit")
	flag.Parse()

	// Optional .env for local runs; systemd units set env directly.
	_ = godotenv.Load()

	if statusRef != "" {
		return runStatus(cfgPath, statusRef)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return exitCode(err)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = a.Stop(stopCtx, app.StopFatal)
		stopCancel()
		return exitCode(err)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatal
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if reason == app.StopFatal {
		if err := a.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			return exitCode(err)
		}
		return exitStartupFailed
	}
	return exitOK
}

func runStatus(cfgPath, ref string) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	st, err := app.LookupStatus(ctx, cfgPath, ref)
	if err != nil {
		fmt.Fprintln(os.Stderr, "status:", err)
		return exitCode(err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(st)
	return exitOK
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, app.ErrInvalidConfig):
		return exitInvalidConfig
	case errors.Is(err, storage.ErrUnavailable):
		return exitStoreDown
	default:
		return exitStartupFailed
	}
}
