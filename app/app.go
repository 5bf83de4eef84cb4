package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ibkrgo/gateway-session/app/metrics"
	"github.com/ibkrgo/gateway-session/gateway"
	"github.com/ibkrgo/gateway-session/gateway/journal"
	"github.com/ibkrgo/gateway-session/gateway/keepalive"
	"github.com/ibkrgo/gateway-session/gateway/ops"
	"github.com/ibkrgo/gateway-session/web"
)

// App wires the gateway client, keepalive loop, journal and ops server.
type App struct {
	Config    *Config
	Version   string
	startTime time.Time
	logger    *slog.Logger
	metrics   *metrics.Manager
	logBuffer *ops.LogBuffer
	settings  *Settings
}

// Config holds raw configuration as read from the environment or flags.
// LoadConfig turns it into Settings.
type Config struct {
	GatewayURL        string // optional - built from GatewayPort when empty
	GatewayPort       string // optional
	GatewayTimeout    string // optional
	Compete           string // optional - "true" by default
	KeepaliveInterval string // optional
	ExpiryWarning     string // optional
	SessionDBPath     string // optional - journal disabled when empty
	OpsAddr           string // optional - "off" disables the ops listener
}

// Settings is the parsed, validated configuration.
type Settings struct {
	GatewayURL        string        `validate:"required,url,gateway_url"`
	GatewayTimeout    time.Duration `validate:"gt=0"`
	Compete           bool
	KeepaliveInterval time.Duration `validate:"gte=1s"`
	ExpiryWarning     time.Duration `validate:"gte=0"`
	SessionDBPath     string
	OpsAddr           string `validate:"omitempty,hostname_port"`
}

const (
	DefaultGatewayPort       = "5000"
	DefaultKeepaliveInterval = keepalive.DefaultInterval
	DefaultExpiryWarning     = keepalive.DefaultExpiryWarning
	DefaultOpsAddr           = "localhost:5050"
	OpsDisabled              = "off"

	logoutTimeout   = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

// ErrConfig is returned by LoadConfig for invalid settings.
var ErrConfig = errors.New("invalid configuration")

// NewApp creates a new application instance with logger.
func NewApp(logger *slog.Logger) *App {
	return &App{
		Config: &Config{
			GatewayURL:        os.Getenv("GATEWAY_URL"),
			GatewayPort:       os.Getenv("PORT"),
			GatewayTimeout:    os.Getenv("GATEWAY_TIMEOUT"),
			Compete:           os.Getenv("GATEWAY_COMPETE"),
			KeepaliveInterval: os.Getenv("KEEPALIVE_INTERVAL"),
			ExpiryWarning:     os.Getenv("EXPIRY_WARNING"),
			SessionDBPath:     os.Getenv("SESSION_DB_PATH"),
			OpsAddr:           os.Getenv("OPS_ADDR"),
		},
		Version:   "v0.0.0",
		startTime: time.Now(),
		logger:    logger,
		metrics:   metrics.New(metrics.Config{}),
	}
}

// SetVersion sets the daemon version.
func (app *App) SetVersion(version string) {
	app.Version = version
}

// SetLogBuffer sets the buffer served on /api/logs.
func (app *App) SetLogBuffer(buf *ops.LogBuffer) {
	app.logBuffer = buf
}

// Settings returns the loaded settings, or nil before LoadConfig succeeds.
func (app *App) Settings() *Settings {
	return app.settings
}

// LoadConfig applies defaults, parses and validates the configuration.
func (app *App) LoadConfig() error {
	c := app.Config
	var errs []error

	s := &Settings{
		GatewayURL:    strings.TrimSpace(c.GatewayURL),
		SessionDBPath: c.SessionDBPath,
		OpsAddr:       c.OpsAddr,
	}

	if s.GatewayURL == "" {
		port := c.GatewayPort
		if port == "" {
			port = DefaultGatewayPort
		}
		if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
			errs = append(errs, fmt.Errorf("PORT: %q is not a valid port", port))
		}
		s.GatewayURL = fmt.Sprintf("https://localhost:%s/v1/api/", port)
	}

	s.GatewayTimeout = parseDuration("GATEWAY_TIMEOUT", c.GatewayTimeout, gateway.DefaultTimeout, &errs)
	s.KeepaliveInterval = parseDuration("KEEPALIVE_INTERVAL", c.KeepaliveInterval, DefaultKeepaliveInterval, &errs)
	s.ExpiryWarning = parseDuration("EXPIRY_WARNING", c.ExpiryWarning, DefaultExpiryWarning, &errs)

	s.Compete = true
	if c.Compete != "" {
		b, err := strconv.ParseBool(c.Compete)
		if err != nil {
			errs = append(errs, fmt.Errorf("GATEWAY_COMPETE: %q is not a boolean", c.Compete))
		}
		s.Compete = b
	}

	switch s.OpsAddr {
	case "":
		s.OpsAddr = DefaultOpsAddr
	case OpsDisabled:
		s.OpsAddr = ""
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfig, errors.Join(errs...))
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("gateway_url", func(fl validator.FieldLevel) bool {
		return gateway.ValidateBaseURL(fl.Field().String()) == nil
	}); err != nil {
		return fmt.Errorf("register validation: %w", err)
	}
	if err := v.Struct(s); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, formatValidationErrors(err))
	}

	app.settings = s
	return nil
}

func parseDuration(name, raw string, def time.Duration, errs *[]error) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not a duration", name, raw))
		return def
	}
	return d
}

func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		if e.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %v)", e.Field(), e.Tag(), e.Param(), e.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s (got %v)", e.Field(), e.Tag(), e.Value()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// NewClient builds a gateway client from the loaded settings.
func (app *App) NewClient() (*gateway.Client, error) {
	if app.settings == nil {
		return nil, errors.New("configuration not loaded")
	}
	return gateway.New(gateway.Config{
		BaseURL: app.settings.GatewayURL,
		Timeout: app.settings.GatewayTimeout,
		Logger:  app.logger,
		Metrics: app.metrics,
	})
}

// Bootstrap brings the brokerage session up: status, init, then the
// historical-data and SSO calls. Only a failed status or init is fatal.
func (app *App) Bootstrap(ctx context.Context, session gateway.SessionAPI) error {
	status, err := session.AuthStatus(ctx)
	if err != nil {
		return fmt.Errorf("check auth status: %w", err)
	}
	app.logger.Info("Gateway auth status",
		"authenticated", status.Authenticated,
		"connected", status.Connected,
		"competing", status.Competing,
		"message", status.Message)
	if status.Fail != nil && *status.Fail != "" {
		app.logger.Warn("Gateway reports auth failure", "fail", *status.Fail)
	}

	initResp, err := session.InitSession(ctx, app.settings.Compete)
	if err != nil {
		return fmt.Errorf("init session: %w", err)
	}
	app.metrics.SetAuthenticated(initResp.Authenticated)
	if !initResp.Authenticated {
		app.logger.Warn("Session initialized but not authenticated; log in through the gateway first",
			"message", initResp.Message)
	} else {
		app.logger.Info("Session initialized", "connected", initResp.Connected, "competing", initResp.Competing)
	}

	if hmds, err := session.InitHistorical(ctx); err != nil {
		app.logger.Warn("Historical data init failed", "error", err)
	} else {
		app.logger.Info("Historical data init", "authenticated", hmds.Authenticated)
	}

	if sso, err := session.ValidateSSO(ctx); err != nil {
		app.logger.Warn("SSO validation failed", "error", err)
	} else {
		app.logger.Info("SSO validated",
			"user", sso.UserName,
			"result", sso.Result,
			"login_type", sso.LoginType.String(),
			"expires_ms", sso.Expires)
	}
	return nil
}

// Run starts the daemon and blocks until ctx is cancelled or the keepalive
// loop gives up. On exit it logs the session out.
func (app *App) Run(ctx context.Context) error {
	if app.settings == nil {
		return errors.New("configuration not loaded")
	}
	client, err := app.NewClient()
	if err != nil {
		return err
	}

	var db *journal.DB
	var recorder keepalive.Recorder
	if app.settings.SessionDBPath != "" {
		db, err = journal.OpenDB(app.settings.SessionDBPath)
		if err != nil {
			return fmt.Errorf("open session journal: %w", err)
		}
		defer db.Close()
		recorder = db
		app.logger.Info("Session journal enabled", "path", app.settings.SessionDBPath)
	}

	if err := app.Bootstrap(ctx, client); err != nil {
		return err
	}

	monitor, err := keepalive.New(keepalive.Config{
		Session:       client,
		Interval:      app.settings.KeepaliveInterval,
		ExpiryWarning: app.settings.ExpiryWarning,
		Compete:       app.settings.Compete,
		Logger:        app.logger,
		Metrics:       app.metrics,
		Recorder:      recorder,
	})
	if err != nil {
		return err
	}

	var srv *http.Server
	var limiter *web.RateLimiter
	if app.settings.OpsAddr != "" {
		limiter = web.NewRateLimiter(web.RateLimitConfig{})
		defer limiter.Close()

		cfg := ops.Config{
			Session:   monitor,
			Logs:      app.logBuffer,
			Metrics:   app.metrics.Handler(),
			Logger:    app.logger,
			Version:   app.Version,
			StartTime: app.startTime,
		}
		if db != nil {
			cfg.Events = db
		}
		srv, _, err = app.startOpsServer(ops.New(cfg), limiter)
		if err != nil {
			return err
		}
	}

	if err := monitor.Start(ctx); err != nil {
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		app.logger.Info("Shutting down...")
	case <-monitor.Done():
		runErr = monitor.Err()
	}
	if err := monitor.Stop(); err != nil && runErr == nil {
		runErr = err
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.logger.Error("Ops server shutdown error", "error", err)
		}
		cancel()
	}

	app.logout(client, db)
	app.logger.Info("Shutdown complete")
	return runErr
}

// RunServer runs the daemon until SIGINT or SIGTERM.
func (app *App) RunServer() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.Run(ctx)
}

func (app *App) logout(session gateway.SessionAPI, db *journal.DB) {
	ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
	defer cancel()

	resp, err := session.Logout(ctx)
	if err != nil {
		app.logger.Warn("Logout failed", "error", err)
		if db != nil {
			if rerr := db.RecordFailure(gateway.OpLogout, err); rerr != nil {
				app.logger.Error("Failed to record logout failure", "error", rerr)
			}
		}
		return
	}
	app.metrics.SetAuthenticated(false)
	app.logger.Info("Logged out", "status", resp.Status)
	if db != nil {
		if err := db.RecordLogout(resp); err != nil {
			app.logger.Error("Failed to record logout", "error", err)
		}
	}
}

func (app *App) startOpsServer(h *ops.Handler, limiter *web.RateLimiter) (*http.Server, string, error) {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux, limiter.Middleware)

	ln, err := net.Listen("tcp", app.settings.OpsAddr)
	if err != nil {
		return nil, "", fmt.Errorf("listen on %s: %w", app.settings.OpsAddr, err)
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("Ops server error", "error", err)
		}
	}()
	addr := ln.Addr().String()
	app.logger.Info("Ops server listening", "addr", addr)
	return srv, addr, nil
}
