//go:build !unix

package main

import (
	"context"
	"log/slog"

	"github.com/tinyrange/nvic/internal/config"
	"github.com/tinyrange/nvic/internal/exception"
)

func pumpSignals(ctx context.Context, log *slog.Logger, routes map[string]config.Vector, pend func(exception.Number)) error {
	if len(routes) > 0 {
		log.Warn("host signal routing is not supported on this platform")
	}
	return nil
}
