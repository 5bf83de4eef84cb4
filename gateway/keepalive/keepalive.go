// Package keepalive keeps a gateway brokerage session alive by tickling it on
// a fixed interval and re-initializing the session when a tickle fails.
package keepalive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ibkrgo/gateway-session/app/metrics"
	"github.com/ibkrgo/gateway-session/gateway"
)

const (
	DefaultInterval      = 60 * time.Second
	DefaultExpiryWarning = 5 * time.Minute
	DefaultReinitBudget  = 3
	DefaultReinitWindow  = 10 * time.Minute
)

var (
	ErrNoSession             = errors.New("keepalive: session is required")
	ErrAlreadyRunning        = errors.New("keepalive: monitor already running")
	ErrReinitFailed          = errors.New("keepalive: session re-initialization failed")
	ErrReinitBudgetExhausted = errors.New("keepalive: re-initialization budget exhausted")
)

// Recorder receives session events as they happen. The journal package
// provides a SQLite-backed implementation.
type Recorder interface {
	RecordTickle(resp *gateway.TickleResponse) error
	RecordFailure(operation string, err error) error
	RecordReinit(resp *gateway.InitSessionResponse) error
}

// Config holds configuration for creating a Monitor.
type Config struct {
	Session       gateway.SessionAPI // required
	Interval      time.Duration      // optional - defaults to DefaultInterval
	ExpiryWarning time.Duration      // optional - defaults to DefaultExpiryWarning
	Compete       bool               // passed to InitSession on re-init
	Logger        *slog.Logger       // optional
	Metrics       *metrics.Manager   // optional
	Recorder      Recorder           // optional

	// At most ReinitBudget re-inits are attempted per ReinitWindow.
	ReinitBudget int
	ReinitWindow time.Duration
}

// Snapshot is a point-in-time view of the monitor's state.
type Snapshot struct {
	Running             bool                    `json:"running"`
	Ticks               int                     `json:"ticks"`
	LastTickle          *gateway.TickleResponse `json:"last_tickle,omitempty"`
	LastSuccess         *time.Time              `json:"last_success,omitempty"`
	LastError           string                  `json:"last_error,omitempty"`
	LastErrorAt         *time.Time              `json:"last_error_at,omitempty"`
	ConsecutiveFailures int                     `json:"consecutive_failures"`
	Reinits             int                     `json:"reinits"`
}

// Monitor runs the tickle loop for one gateway session.
type Monitor struct {
	session       gateway.SessionAPI
	interval      time.Duration
	expiryWarning time.Duration
	compete       bool
	logger        *slog.Logger
	metrics       *metrics.Manager
	recorder      Recorder
	budget        *rate.Limiter
	budgetSize    int
	budgetWindow  time.Duration
	now           func() time.Time

	mu     sync.RWMutex
	snap   Snapshot
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// New creates a Monitor. It performs no I/O.
func New(cfg Config) (*Monitor, error) {
	if cfg.Session == nil {
		return nil, ErrNoSession
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ExpiryWarning <= 0 {
		cfg.ExpiryWarning = DefaultExpiryWarning
	}
	if cfg.ReinitBudget <= 0 {
		cfg.ReinitBudget = DefaultReinitBudget
	}
	if cfg.ReinitWindow <= 0 {
		cfg.ReinitWindow = DefaultReinitWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	every := cfg.ReinitWindow / time.Duration(cfg.ReinitBudget)
	return &Monitor{
		session:       cfg.Session,
		interval:      cfg.Interval,
		expiryWarning: cfg.ExpiryWarning,
		compete:       cfg.Compete,
		logger:        logger,
		metrics:       cfg.Metrics,
		recorder:      cfg.Recorder,
		budget:        rate.NewLimiter(rate.Every(every), cfg.ReinitBudget),
		budgetSize:    cfg.ReinitBudget,
		budgetWindow:  cfg.ReinitWindow,
		now:           time.Now,
	}, nil
}

// Run tickles immediately and then once per interval until ctx is cancelled
// or the session cannot be recovered. It returns ctx.Err() on cancellation,
// or an error wrapping ErrReinitFailed or ErrReinitBudgetExhausted.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.snap.Running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.snap.Running = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.snap.Running = false
		m.mu.Unlock()
	}()

	m.logger.Info("Keepalive started", "interval", m.interval, "expiry_warning", m.expiryWarning)

	if err := m.Tick(ctx); err != nil {
		return m.exit(err)
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return m.exit(ctx.Err())
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				return m.exit(err)
			}
		}
	}
}

func (m *Monitor) exit(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		m.logger.Info("Keepalive stopped")
	} else {
		m.logger.Error("Keepalive giving up", "error", err)
	}
	return err
}

// Tick performs a single keepalive round: one tickle and, if it fails, one
// re-init attempt. A nil return means the session is (still) alive.
func (m *Monitor) Tick(ctx context.Context) error {
	resp, err := m.session.Tickle(ctx)
	if err == nil {
		m.tickled(resp)
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.failed(gateway.OpTickle, err)
	return m.reinit(ctx, err)
}

func (m *Monitor) tickled(resp *gateway.TickleResponse) {
	m.mu.Lock()
	m.snap.Ticks++
	m.snap.LastTickle = resp
	now := m.now()
	m.snap.LastSuccess = &now
	m.snap.ConsecutiveFailures = 0
	m.mu.Unlock()

	m.metrics.SetSSOExpires(resp.SSOExpires)
	m.metrics.SetAuthenticated(resp.Authenticated())

	if resp.ExpiringWithin(m.expiryWarning) {
		m.logger.Warn("Session expiring soon", "sso_expires_ms", resp.SSOExpires, "expires_in", resp.ExpiresIn())
	} else {
		m.logger.Debug("Session keepalive successful", "sso_expires_ms", resp.SSOExpires)
	}
	if resp.Collision {
		m.logger.Warn("Session collision reported by gateway", "session", resp.Session)
	}

	if m.recorder != nil {
		if err := m.recorder.RecordTickle(resp); err != nil {
			m.logger.Error("Failed to record tickle", "error", err)
		}
	}
}

func (m *Monitor) failed(operation string, err error) {
	m.mu.Lock()
	m.snap.LastError = err.Error()
	now := m.now()
	m.snap.LastErrorAt = &now
	if operation == gateway.OpTickle {
		m.snap.ConsecutiveFailures++
	}
	m.mu.Unlock()

	m.logger.Warn("Keepalive call failed", "operation", operation, "error", err)

	if m.recorder != nil {
		if rerr := m.recorder.RecordFailure(operation, err); rerr != nil {
			m.logger.Error("Failed to record failure", "error", rerr)
		}
	}
}

func (m *Monitor) reinit(ctx context.Context, cause error) error {
	if !m.budget.Allow() {
		m.metrics.IncReinit("exhausted")
		return fmt.Errorf("%w (%d per %s): %w", ErrReinitBudgetExhausted, m.budgetSize, m.budgetWindow, cause)
	}

	m.logger.Info("Re-initializing session", "compete", m.compete)
	resp, err := m.session.InitSession(ctx, m.compete)
	if err != nil {
		m.metrics.IncReinit("failed")
		m.metrics.SetAuthenticated(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.failed(gateway.OpInitSession, err)
		return fmt.Errorf("%w: %w", ErrReinitFailed, err)
	}

	m.metrics.IncReinit("ok")
	m.metrics.SetAuthenticated(resp.Authenticated)

	m.mu.Lock()
	m.snap.Reinits++
	m.mu.Unlock()

	m.logger.Info("Session re-initialized", "authenticated", resp.Authenticated, "connected", resp.Connected)

	if m.recorder != nil {
		if err := m.recorder.RecordReinit(resp); err != nil {
			m.logger.Error("Failed to record re-init", "error", err)
		}
	}
	return nil
}

// Start runs the loop in a background goroutine.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.done != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.err = nil

	go func(done chan struct{}) {
		defer close(done)
		err := m.Run(ctx)
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
	}(m.done)

	return nil
}

// Done is closed when a loop launched by Start exits. It is nil before Start.
func (m *Monitor) Done() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.done
}

// Err returns the reason the background loop exited, or nil while it runs.
func (m *Monitor) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// Stop cancels the background loop and waits for it to exit. It returns the
// loop's terminal error unless that error was the cancellation itself.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()
	<-done

	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.err
	m.cancel, m.done = nil, nil
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Snapshot returns a copy of the current state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}
