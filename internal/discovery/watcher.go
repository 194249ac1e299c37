package discovery

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cast-go-home/internal/timer"
)

const (
	// DefaultRestartInterval bounds the lifetime of one scan session.
	DefaultRestartInterval = 30 * time.Minute
	scanRetryDelay         = 10 * time.Second
)

// Target receives the watcher's decisions.
type Target interface {
	// DeviceFound is called once per scan session for each distinct matching announcement.
	DeviceFound(a Announcement)
	// DiscoveryRestarted is called when the periodic restart tears down a scan session.
	DiscoveryRestarted()
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	Service         string
	TargetName      string
	RestartInterval time.Duration
}

type stopReason int

const (
	reasonNone stopReason = iota
	reasonPeriodic
	reasonRequested
)

// Watcher scans for the configured device name and restarts its scan on a
// fixed interval so a stale listener cannot silently miss announcements.
type Watcher struct {
	scanner Scanner
	target  Target
	clock   timer.Clock
	cfg     WatcherConfig
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	reason stopReason
	seen   map[string]struct{}
}

// NewWatcher creates a watcher. Run starts it.
func NewWatcher(scanner Scanner, target Target, clock timer.Clock, cfg WatcherConfig, logger *slog.Logger) *Watcher {
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	if cfg.RestartInterval <= 0 {
		cfg.RestartInterval = DefaultRestartInterval
	}
	return &Watcher{
		scanner: scanner,
		target:  target,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.With("component", "discovery"),
	}
}

// Run scans until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	w.logger.Info("discovery started", "service", w.cfg.Service, "target", w.cfg.TargetName)
	for {
		reason, err := w.scanOnce(ctx)
		if ctx.Err() != nil {
			w.logger.Info("discovery stopped")
			return
		}

		switch {
		case err != nil:
			w.logger.Warn("scan failed, retrying", "err", err, "delay", scanRetryDelay)
			if !w.wait(ctx, scanRetryDelay) {
				return
			}
		case reason == reasonPeriodic:
			w.logger.Info("restarting discovery", "interval", w.cfg.RestartInterval)
			w.target.DiscoveryRestarted()
		case reason == reasonRequested:
			w.logger.Info("rediscovery requested")
		}
	}
}

// Restart ends the current scan session and starts a fresh one, forgetting
// which announcements were already handled.
func (w *Watcher) Restart() {
	w.stop(reasonRequested)
}

func (w *Watcher) scanOnce(ctx context.Context) (stopReason, error) {
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.mu.Lock()
	w.cancel = cancel
	w.reason = reasonNone
	w.seen = make(map[string]struct{})
	w.mu.Unlock()

	restart := w.clock.AfterFunc(w.cfg.RestartInterval, func() { w.stop(reasonPeriodic) })
	err := w.scanner.Scan(scanCtx, w.cfg.Service, w.handle)
	restart.Stop()

	w.mu.Lock()
	reason := w.reason
	w.cancel = nil
	w.mu.Unlock()

	if reason != reasonNone {
		return reason, nil
	}
	return reasonNone, err
}

func (w *Watcher) stop(reason stopReason) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel == nil || w.reason != reasonNone {
		return
	}
	w.reason = reason
	w.cancel()
}

func (w *Watcher) handle(a Announcement) {
	if !w.matches(a.Name) {
		return
	}

	w.mu.Lock()
	if w.seen == nil || w.reason != reasonNone {
		w.mu.Unlock()
		return
	}
	if _, dup := w.seen[a.Key()]; dup {
		w.mu.Unlock()
		return
	}
	w.seen[a.Key()] = struct{}{}
	w.mu.Unlock()

	w.logger.Info("device matched", "name", a.Name, "address", a.Address, "port", a.Port, "model", a.DeviceType)
	w.target.DeviceFound(a)
}

func (w *Watcher) matches(name string) bool {
	return strings.EqualFold(strings.TrimSpace(name), strings.TrimSpace(w.cfg.TargetName))
}

func (w *Watcher) wait(ctx context.Context, d time.Duration) bool {
	fired := make(chan struct{})
	t := w.clock.AfterFunc(d, func() { close(fired) })
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-fired:
		return true
	}
}
