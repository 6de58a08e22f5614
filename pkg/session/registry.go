package session

import (
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/easzlab/ezfwd/pkg/nat"
	"github.com/easzlab/ezfwd/pkg/portpool"
	"go.uber.org/zap"
)

// Registry owns the table of live forwarding sessions. It allocates
// ingress ports from the pool, drives the provisioning protocol
// against the NAT provider, and keeps the table consistent with the
// provider's rule state under partial failure.
//
// Provider calls are blocking I/O, so the registry lock is not held
// across them; a session marked Pending or Closing holds a provisional
// claim on its port and id while its provider sequence runs.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	// endpoints counts non-Closed sessions per target endpoint. The
	// return-masquerade rules are keyed by endpoint, not by session,
	// so they may only be removed when the count drops to zero.
	endpoints map[endpoint]int
	pool      *portpool.Pool
	provider  nat.Provider
	logger    *zap.Logger
}

// endpoint identifies a forwarding target shared by one or more sessions.
type endpoint struct {
	ip   string
	port uint16
}

// NewRegistry creates a Registry over the given port pool and provider.
func NewRegistry(pool *portpool.Pool, provider nat.Provider, logger *zap.Logger) *Registry {
	return &Registry{
		sessions:  make(map[string]*Session),
		endpoints: make(map[endpoint]int),
		pool:      pool,
		provider:  provider,
		logger:    logger,
	}
}

// Bootstrap ensures the provider's base hook points exist. Safe to call
// repeatedly; intended to run once at startup before any Open.
func (r *Registry) Bootstrap() error {
	if err := r.provider.EnsureBaseHooks(); err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	r.logger.Info("provider base hooks ready")
	return nil
}

// Open validates the target endpoint, allocates an ingress port, and
// installs the session's forwarding rules. On any install failure the
// applied rules are rolled back, the port released, and the partial
// session record removed before the error is returned.
func (r *Registry) Open(targetIP string, targetPort int) (Summary, error) {
	if net.ParseIP(targetIP) == nil {
		return Summary{}, &ValidationError{Field: "target_ip", Reason: fmt.Sprintf("%q is not an IP address", targetIP)}
	}
	if targetPort < 1 || targetPort > 65535 {
		return Summary{}, &ValidationError{Field: "target_port", Reason: fmt.Sprintf("%d out of range 1-65535", targetPort)}
	}

	r.mu.Lock()
	port, err := r.pool.Allocate()
	if err != nil {
		r.mu.Unlock()
		return Summary{}, err
	}

	s := &Session{
		ID:          newSessionID(),
		IngressPort: port,
		TargetIP:    targetIP,
		TargetPort:  uint16(targetPort),
		state:       StatePending,
	}
	s.group = groupNameForID(s.ID)
	ep := endpoint{ip: s.TargetIP, port: s.TargetPort}
	r.sessions[s.ID] = s
	r.endpoints[ep]++
	r.mu.Unlock()

	// Provider calls run outside the lock; the Pending entry keeps the
	// port and id claimed, and List hides it until it is Active.
	if applied, err := install(r.provider, s, r.logger); err != nil {
		r.mu.Lock()
		r.endpoints[ep]--
		removeMasq := r.endpoints[ep] == 0
		if removeMasq {
			delete(r.endpoints, ep)
		}
		r.mu.Unlock()

		rollback(applied, s, r.logger, removeMasq)

		r.mu.Lock()
		s.state = StateClosed
		delete(r.sessions, s.ID)
		r.pool.Release(s.IngressPort)
		r.mu.Unlock()
		return Summary{}, err
	}

	r.mu.Lock()
	s.state = StateActive
	r.mu.Unlock()

	r.logger.Info("session opened",
		zap.String("session", s.ID),
		zap.Uint16("ingress_port", s.IngressPort),
		zap.String("target", fmt.Sprintf("%s:%d", s.TargetIP, s.TargetPort)),
	)
	return s.Summary(), nil
}

// Close tears down a session's rules and removes it from the registry.
// The ingress port is released unconditionally, even when the provider
// reports teardown errors; those are returned as a TeardownError so a
// flaky provider can never leak ports.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	s, exists := r.sessions[id]
	if !exists || s.state != StateActive {
		// A session that is still Pending or already Closing belongs
		// to an in-flight request and is not closable by id yet.
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.state = StateClosing
	ep := endpoint{ip: s.TargetIP, port: s.TargetPort}
	r.endpoints[ep]--
	removeMasq := r.endpoints[ep] == 0
	if removeMasq {
		delete(r.endpoints, ep)
	}
	r.mu.Unlock()

	teardownErr := teardown(r.provider, s, r.logger, removeMasq)

	r.mu.Lock()
	s.state = StateClosed
	delete(r.sessions, id)
	if !r.pool.Release(s.IngressPort) {
		r.logger.Warn("release of ingress port was a no-op",
			zap.String("session", id),
			zap.Uint16("ingress_port", s.IngressPort),
		)
	}
	r.mu.Unlock()

	if teardownErr != nil {
		r.logger.Warn("session closed with teardown errors",
			zap.String("session", id),
			zap.Uint16("ingress_port", s.IngressPort),
			zap.Error(teardownErr),
		)
		return &TeardownError{Err: teardownErr}
	}

	r.logger.Info("session closed", zap.String("session", id), zap.Uint16("ingress_port", s.IngressPort))
	return nil
}

// List returns a snapshot of all Active sessions, ordered by ingress
// port. Sessions still being installed or torn down are not visible.
func (r *Registry) List() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]Summary, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.state != StateActive {
			continue
		}
		result = append(result, s.Summary())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].IngressPort < result[j].IngressPort
	})
	return result
}

// ActiveCount returns the number of Active sessions.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, s := range r.sessions {
		if s.state == StateActive {
			count++
		}
	}
	return count
}

// FreePorts returns the number of ports currently free in the pool.
func (r *Registry) FreePorts() int {
	return r.pool.FreeCount()
}

// ProviderReachable probes the provider and reports whether it responded.
func (r *Registry) ProviderReachable() bool {
	_, err := r.provider.ListTables()
	if err != nil {
		r.logger.Warn("provider probe failed", zap.Error(err))
		return false
	}
	return true
}
