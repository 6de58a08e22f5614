package healthcheck

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Prober is the probe the Monitor runs against the NAT provider.
// This decouples the healthcheck package from the session package.
type Prober interface {
	ProviderReachable() bool
}

// Options tunes the monitor's probe cadence and flap damping.
type Options struct {
	Interval  time.Duration
	FailCount int
	RiseCount int
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 15 * time.Second
	}
	if o.FailCount <= 0 {
		o.FailCount = 3
	}
	if o.RiseCount <= 0 {
		o.RiseCount = 2
	}
	return o
}

// Monitor periodically probes the NAT provider and tracks its health
// with consecutive fail/rise thresholds, so a single slow probe does
// not flap the reported state.
type Monitor struct {
	prober   Prober
	opts     Options
	onChange func(healthy bool)
	logger   *zap.Logger

	mu               sync.RWMutex
	healthy          bool
	consecutiveFails int
	consecutiveOK    int
	cancel           context.CancelFunc
}

// NewMonitor creates a Monitor. The onChange callback, if non-nil, is
// invoked whenever the provider's health state transitions. The
// provider starts out assumed healthy.
func NewMonitor(prober Prober, opts Options, onChange func(healthy bool), logger *zap.Logger) *Monitor {
	return &Monitor{
		prober:   prober,
		opts:     opts.withDefaults(),
		onChange: onChange,
		logger:   logger,
		healthy:  true,
	}
}

// Start launches the probe loop. It runs until Stop is called or the
// context is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	probeCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.logger.Info("provider health monitor started", zap.Duration("interval", m.opts.Interval))
	go m.run(probeCtx)
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.handleProbeResult(m.prober.ProviderReachable())
		}
	}
}

// handleProbeResult applies one probe outcome to the health state.
func (m *Monitor) handleProbeResult(reachable bool) {
	m.mu.Lock()

	previouslyHealthy := m.healthy

	if !reachable {
		m.consecutiveFails++
		m.consecutiveOK = 0

		if m.healthy && m.consecutiveFails >= m.opts.FailCount {
			m.healthy = false
			m.logger.Warn("provider marked unreachable",
				zap.Int("consecutive_fails", m.consecutiveFails),
			)
		}
	} else {
		m.consecutiveOK++
		m.consecutiveFails = 0

		if !m.healthy && m.consecutiveOK >= m.opts.RiseCount {
			m.healthy = true
			m.logger.Info("provider marked reachable",
				zap.Int("consecutive_ok", m.consecutiveOK),
			)
		}
	}

	statusChanged := previouslyHealthy != m.healthy
	healthy := m.healthy
	m.mu.Unlock()

	if statusChanged && m.onChange != nil {
		m.onChange(healthy)
	}
}

// Healthy returns the current damped health state of the provider.
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy
}

// Stop cancels the probe loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.logger.Info("provider health monitor stopped")
}
