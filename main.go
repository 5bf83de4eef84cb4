// ibkr-session keeps a local brokerage gateway session authenticated and
// exposes its state over a small ops HTTP surface.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ibkrgo/gateway-session/app"
	"github.com/ibkrgo/gateway-session/gateway/ops"
)

var (
	// SERVER_VERSION is injected at build time with -ldflags.
	SERVER_VERSION = "v0.0.0"

	// buildString is injected at build time with build time and git info.
	buildString = "dev build"
)

func initLogger() (*slog.Logger, *ops.LogBuffer) {
	// Valid levels: debug, info, warn, error. Anything else means info.
	opts := &slog.HandlerOptions{
		Level: ops.ParseLevel(os.Getenv("LOG_LEVEL")),
	}
	logBuffer := ops.NewLogBuffer(500)
	inner := slog.NewTextHandler(os.Stderr, opts)
	tee := ops.NewTeeHandler(inner, logBuffer)
	return slog.New(tee), logBuffer
}

func main() {
	logger, logBuffer := initLogger()

	application := app.NewApp(logger)
	application.SetLogBuffer(logBuffer)
	application.SetVersion(SERVER_VERSION)

	if err := newRootCmd(application, logger).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
