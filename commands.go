package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/ibkrgo/gateway-session/app"
	"github.com/ibkrgo/gateway-session/gateway"
)

func newRootCmd(application *app.App, logger *slog.Logger) *cobra.Command {
	cfg := application.Config

	root := &cobra.Command{
		Use:   "ibkr-session",
		Short: "Keep a brokerage gateway session alive",
		Long: `ibkr-session talks to a locally running brokerage gateway over its HTTP
session API. "run" brings the session up and keeps it alive; the other
commands perform a single session call and print the gateway's answer.

Configuration is read from the environment (GATEWAY_URL, PORT,
GATEWAY_TIMEOUT, GATEWAY_COMPETE, KEEPALIVE_INTERVAL, EXPIRY_WARNING,
SESSION_DB_PATH, OPS_ADDR, LOG_LEVEL). Flags override the environment.`,
		Version:       application.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return application.LoadConfig()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.GatewayURL, "gateway-url", cfg.GatewayURL, "gateway API base URL (default https://localhost:<port>/v1/api/)")
	flags.StringVar(&cfg.GatewayPort, "port", cfg.GatewayPort, "gateway port, used when --gateway-url is empty")
	flags.StringVar(&cfg.GatewayTimeout, "timeout", cfg.GatewayTimeout, "per-call timeout, e.g. 30s")
	flags.StringVar(&cfg.Compete, "compete", cfg.Compete, "take the session over from other clients on init (true/false)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Initialize the session and keep it alive until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.Info("Starting gateway session daemon...", "version", application.Version, "build", buildString)
			return application.RunServer()
		},
	}
	runFlags := runCmd.Flags()
	runFlags.StringVar(&cfg.KeepaliveInterval, "interval", cfg.KeepaliveInterval, "keepalive tickle interval")
	runFlags.StringVar(&cfg.ExpiryWarning, "expiry-warning", cfg.ExpiryWarning, "warn when the SSO session expires within this window")
	runFlags.StringVar(&cfg.SessionDBPath, "db", cfg.SessionDBPath, "SQLite session journal path (disabled when empty)")
	runFlags.StringVar(&cfg.OpsAddr, "ops-addr", cfg.OpsAddr, `ops HTTP listen address, or "off"`)

	root.AddCommand(
		runCmd,
		oneShot(application, "status", "Print the gateway's authentication status",
			func(ctx context.Context, c gateway.SessionAPI) (any, error) { return c.AuthStatus(ctx) }),
		oneShot(application, "init", "Initialize the brokerage session (honours --compete)",
			func(ctx context.Context, c gateway.SessionAPI) (any, error) {
				return c.InitSession(ctx, application.Settings().Compete)
			}),
		oneShot(application, "init-historical", "Initialize the historical market data session",
			func(ctx context.Context, c gateway.SessionAPI) (any, error) { return c.InitHistorical(ctx) }),
		oneShot(application, "tickle", "Send one keepalive and print the response",
			func(ctx context.Context, c gateway.SessionAPI) (any, error) { return c.Tickle(ctx) }),
		oneShot(application, "validate", "Validate the single-sign-on session",
			func(ctx context.Context, c gateway.SessionAPI) (any, error) { return c.ValidateSSO(ctx) }),
		oneShot(application, "logout", "End the gateway session",
			func(ctx context.Context, c gateway.SessionAPI) (any, error) { return c.Logout(ctx) }),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "ibkr-session %s\n", application.Version)
				fmt.Fprintf(out, "  Build:      %s\n", buildString)
				fmt.Fprintf(out, "  Client:     %s\n", gateway.UserAgent)
				fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
			},
		},
	)
	return root
}

// oneShot builds a command that performs a single session call and prints
// the decoded response as JSON.
func oneShot(application *app.App, use, short string, call func(context.Context, gateway.SessionAPI) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := application.NewClient()
			if err != nil {
				return err
			}
			resp, err := call(cmd.Context(), client)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return fmt.Errorf("encode response: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}
