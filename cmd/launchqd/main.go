package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"launchq/internal/app"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./launchq.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	// SIGUSR1 dumps current metrics to stdout for quick operator checks.
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	go func() {
		for range usr1 {
			dump := map[string]any{"metrics": a.Metrics()}
			if stats, err := a.QueueStats(context.Background()); err == nil {
				dump["queue"] = stats
			}
			if b, err := json.MarshalIndent(dump, "", "  "); err == nil {
				fmt.Println(string(b))
			}
		}
	}()

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer stopCancel()
	report := a.Stop(stopCtx)
	if !report.Clean {
		fmt.Fprintf(os.Stderr, "shutdown left %d jobs running\n", len(report.Interrupted))
		os.Exit(2)
	}
}
