package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"pushbridge/internal/app"
	"pushbridge/internal/config"
	"pushbridge/pkg/systemd"
)

func main() {
	cfgPath := pflag.StringP("config", "c", "config.yaml", "path to config file (.json, .jsonc, .yaml)")
	check := pflag.Bool("check", false, "validate the config file and exit")
	stopTimeout := pflag.Duration("stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
	pflag.Parse()

	if *check {
		if _, err := config.NewConfigManager(*cfgPath).Load(); err != nil {
			fmt.Fprintln(os.Stderr, "invalid config:", err)
			os.Exit(1)
		}
		fmt.Println("config ok")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	a, err := app.NewApp(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	_, _ = systemd.Ready()
	go func() {
		_ = systemd.Watchdog(ctx, func() bool { return a.Err() == nil })
	}()

	reason := app.StopUnknown
	select {
	case s := <-sigs:
		reason = app.StopSIGTERM
		if s == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	signal.Stop(sigs)

	_, _ = systemd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), *stopTimeout)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	cancel()

	if err := a.Err(); err != nil && reason == app.StopFatalError {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
