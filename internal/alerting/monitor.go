// Package alerting raises an alert when the share of failed instances over a
// rolling window crosses a threshold.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/inboxflow/pkg/api"
)

// AlertName is the name carried by error-rate alerts.
const AlertName = "inboxflow.error_rate"

// Config describes a Monitor.
type Config struct {
	// Threshold is the failure ratio in [0, 1] that raises an alert.
	Threshold float64
	// Window is how far back outcomes are counted. Zero means 15 minutes.
	Window time.Duration
	// MinSamples is the number of outcomes needed before the rate is judged.
	MinSamples int
	// Cooldown is the minimum time between two alerts. Zero means Window.
	Cooldown time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

type outcome struct {
	at     time.Time
	failed bool
}

// Monitor is an api.Observer that counts finished instances. An instance
// finishes when it reaches completed, or fails when it moves from active to
// error or dead_letter.
type Monitor struct {
	api.NoopObserver

	sink   api.AlertSink
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	outcomes  []outcome
	lastAlert time.Time
}

// NewMonitor creates a Monitor that sends alerts to sink.
func NewMonitor(sink api.AlertSink, cfg Config) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = cfg.Window
	}
	if cfg.MinSamples < 1 {
		cfg.MinSamples = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{sink: sink, cfg: cfg, logger: logger}
}

func (m *Monitor) OnTransition(ctx context.Context, inst *api.WorkflowInstance, from, to api.Status) {
	switch {
	case to == api.StatusCompleted && !inst.Cancelled:
		m.Record(ctx, false)
	case from == api.StatusActive && (to == api.StatusError || to == api.StatusDeadLetter):
		m.Record(ctx, true)
	}
}

// Record adds one outcome and sends an alert when the window crosses the
// threshold outside the cooldown.
func (m *Monitor) Record(ctx context.Context, failed bool) {
	alert, fire := m.add(failed)
	if !fire {
		return
	}
	if err := m.sink.Alert(context.WithoutCancel(ctx), alert); err != nil {
		m.logger.WarnContext(ctx, "alert delivery failed",
			slog.String("alert", alert.Name),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Monitor) add(failed bool) (api.Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.cfg.Now()
	m.outcomes = append(m.outcomes, outcome{at: now, failed: failed})
	m.evict(now)

	total := len(m.outcomes)
	if total < m.cfg.MinSamples {
		return api.Alert{}, false
	}
	failures := 0
	for _, o := range m.outcomes {
		if o.failed {
			failures++
		}
	}
	rate := float64(failures) / float64(total)
	if failures == 0 || rate < m.cfg.Threshold {
		return api.Alert{}, false
	}
	if !m.lastAlert.IsZero() && now.Sub(m.lastAlert) < m.cfg.Cooldown {
		return api.Alert{}, false
	}
	m.lastAlert = now

	return api.Alert{
		Name:      AlertName,
		Message:   fmt.Sprintf("%d of %d items failed in the last %s", failures, total, m.cfg.Window),
		Rate:      rate,
		Threshold: m.cfg.Threshold,
		Failures:  failures,
		Total:     total,
		Window:    m.cfg.Window,
		At:        now,
	}, true
}

// evict drops outcomes older than the window. Callers hold mu.
func (m *Monitor) evict(now time.Time) {
	cutoff := now.Add(-m.cfg.Window)
	i := 0
	for i < len(m.outcomes) && !m.outcomes[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		m.outcomes = append(m.outcomes[:0], m.outcomes[i:]...)
	}
}

// Rate returns the failure ratio and sample count currently in the window.
func (m *Monitor) Rate() (float64, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.evict(m.cfg.Now())
	total := len(m.outcomes)
	if total == 0 {
		return 0, 0
	}
	failures := 0
	for _, o := range m.outcomes {
		if o.failed {
			failures++
		}
	}
	return float64(failures) / float64(total), total
}
