//go:build unix

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/nvic/internal/config"
	"github.com/tinyrange/nvic/internal/exception"
)

var hostSignals = map[string]unix.Signal{
	"SIGUSR1": unix.SIGUSR1,
	"SIGUSR2": unix.SIGUSR2,
	"SIGHUP":  unix.SIGHUP,
}

// pumpSignals pends the routed exception every time one of the configured
// host signals arrives.
func pumpSignals(ctx context.Context, log *slog.Logger, routes map[string]config.Vector, pend func(exception.Number)) error {
	if len(routes) == 0 {
		return nil
	}
	targets := make(map[os.Signal]exception.Number, len(routes))
	ch := make(chan os.Signal, 8)
	for name, v := range routes {
		sig, ok := hostSignals[name]
		if !ok {
			continue
		}
		targets[sig] = v.Number()
		signal.Notify(ch, sig)
	}
	defer signal.Stop(ch)

	log.Debug("routing host signals", "count", len(targets), "pid", unix.Getpid())
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-ch:
			n := targets[sig]
			log.Debug("host signal", "signal", sig, "exception", n)
			pend(n)
		}
	}
}
