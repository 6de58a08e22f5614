package server

import (
	"github.com/easzlab/ezfwd/pkg/healthcheck"
	"github.com/easzlab/ezfwd/pkg/session"
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the server's prometheus collectors. Each Server owns
// its own registry so multiple instances (as in tests) never collide.
type metrics struct {
	registry *prometheus.Registry

	sessionsOpened    prometheus.Counter
	sessionsClosed    prometheus.Counter
	provisionFailures prometheus.Counter
	teardownFailures  prometheus.Counter
}

func newMetrics(reg *session.Registry, monitor *healthcheck.Monitor) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ezfwd_sessions_opened_total",
			Help: "Number of sessions successfully opened.",
		}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ezfwd_sessions_closed_total",
			Help: "Number of sessions closed.",
		}),
		provisionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ezfwd_provision_failures_total",
			Help: "Number of session opens that failed during rule installation.",
		}),
		teardownFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ezfwd_teardown_failures_total",
			Help: "Number of session closes that reported provider errors.",
		}),
	}

	activeSessions := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ezfwd_active_sessions",
		Help: "Number of currently active forwarding sessions.",
	}, func() float64 {
		return float64(reg.ActiveCount())
	})

	freePorts := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ezfwd_free_ports",
		Help: "Number of ingress ports currently free in the pool.",
	}, func() float64 {
		return float64(reg.FreePorts())
	})

	providerUp := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ezfwd_provider_up",
		Help: "Whether the NAT provider is considered reachable (1) or not (0).",
	}, func() float64 {
		if monitor.Healthy() {
			return 1
		}
		return 0
	})

	m.registry.MustRegister(
		m.sessionsOpened,
		m.sessionsClosed,
		m.provisionFailures,
		m.teardownFailures,
		activeSessions,
		freePorts,
		providerUp,
	)

	return m
}
