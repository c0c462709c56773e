// Package connwatch connects to the remote darktable endpoint with
// exponential backoff and, once connected, can keep watching it in the
// background.
//
// There are two phases:
//  1. Startup: [Connect] retries a connect function (2s, 4s, 8s, ...
//     capped at MaxDelay) until it succeeds or MaxRetries is reached.
//  2. Background: [Watch] polls a probe at a fixed interval and reports
//     up/down transitions through callbacks.
package connwatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether the endpoint is reachable, or connects to it.
// Return nil on success.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the startup retry schedule.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 30s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the total number of connect attempts (default: 1,
	// a single attempt with no retry).
	MaxRetries int

	// ProbeTimeout limits each attempt (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns a single-attempt schedule. Raising
// MaxRetries turns on 2s, 4s, 8s, ... retries capped at 30s.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   1,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults replaces zero-value fields with defaults.
func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	return c
}

// next grows delay by the multiplier, capped at MaxDelay.
func (c BackoffConfig) next(delay time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * c.Multiplier)
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

// Connect calls connect until it succeeds, MaxRetries attempts have
// failed, or ctx is cancelled. The returned error wraps the last
// attempt's error.
func Connect(ctx context.Context, cfg BackoffConfig, name string, connect ProbeFunc, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	delay := cfg.InitialDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = attemptWithTimeout(ctx, cfg.ProbeTimeout, connect)
		if err == nil {
			logger.Info("endpoint connected", "endpoint", name, "after_attempts", attempt)
			return nil
		}

		if attempt >= cfg.MaxRetries {
			break
		}

		logger.Warn("endpoint connect failed, retrying",
			"endpoint", name,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"next_delay", delay.String(),
			"error", err,
		)

		if !sleepCtx(ctx, delay) {
			return fmt.Errorf("connect %s: %w", name, ctx.Err())
		}
		delay = cfg.next(delay)
	}

	return fmt.Errorf("connect %s: giving up after %d attempts: %w", name, cfg.MaxRetries, err)
}

func attemptWithTimeout(ctx context.Context, timeout time.Duration, fn ProbeFunc) error {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

// WatcherConfig configures a background watcher.
type WatcherConfig struct {
	// Name identifies the endpoint in logs and status.
	Name string

	// Probe checks endpoint health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Interval is the polling period (default: 60s).
	Interval time.Duration

	// ProbeTimeout limits each probe (default: 10s).
	ProbeTimeout time.Duration

	// Ready is the state the watcher starts in, normally true after a
	// successful Connect.
	Ready bool

	// OnReady is called when the endpoint transitions from down to up.
	// Called in a separate goroutine; must not block indefinitely. Optional.
	OnReady func()

	// OnDown is called when the endpoint transitions from up to down.
	// Called in a separate goroutine; must not block indefinitely. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Status is the health status of the watched endpoint.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher polls one endpoint until stopped.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// Watch starts a background watcher. It runs until ctx is cancelled or
// Stop is called.
//
// Panics if Name is empty or Probe is nil.
func Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultBackoffConfig().ProbeTimeout
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	w.ready.Store(cfg.Ready)

	go w.run(watchCtx)
	return w
}

// IsReady reports whether the endpoint answered the last probe.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	logger := w.config.Logger
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := attemptWithTimeout(ctx, w.config.ProbeTimeout, w.config.Probe)
		if ctx.Err() != nil {
			return
		}
		w.record(err)
		wasReady := w.ready.Load()

		switch {
		case wasReady && err != nil:
			w.ready.Store(false)
			logger.Warn("endpoint became unreachable", "endpoint", w.config.Name, "error", err)
			if w.config.OnDown != nil {
				go w.config.OnDown(err)
			}
		case !wasReady && err == nil:
			w.ready.Store(true)
			logger.Info("endpoint recovered", "endpoint", w.config.Name)
			if w.config.OnReady != nil {
				go w.config.OnReady()
			}
		case err != nil:
			logger.Debug("endpoint still unreachable", "endpoint", w.config.Name, "error", err)
		}
	}
}

func (w *Watcher) record(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
