//go:build !integration

package nat

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// redirectRule is a DNAT rule recorded inside a fake group.
type redirectRule struct {
	protocol    Protocol
	ingressPort uint16
	targetIP    string
	targetPort  uint16
}

// masqKey identifies a return-path masquerade rule.
type masqKey struct {
	protocol   Protocol
	targetIP   string
	targetPort uint16
}

// dispatchKey identifies a dispatch rule.
type dispatchKey struct {
	ingressPort uint16
	group       string
}

// FakeProvider is an in-memory Provider for development and testing.
// It simulates netfilter chain behavior using maps, and lets tests
// inject per-operation failures via SetFailure.
type FakeProvider struct {
	mu         sync.Mutex
	baseHooks  bool
	hookCalls  int
	groups     map[string][]redirectRule
	dispatches map[dispatchKey]bool
	masqRules  map[masqKey]bool
	failures   map[string]*failureInjection
	logger     *zap.Logger
}

// failureInjection is an injected error for one operation; after counts
// how many calls still succeed before the error fires.
type failureInjection struct {
	err   error
	after int
}

// NewProvider creates a fake in-memory Provider for non-integration builds.
func NewProvider(logger *zap.Logger) (Provider, error) {
	return NewFakeProvider(logger), nil
}

// NewFakeProvider creates a FakeProvider directly, for tests that need
// failure injection or state inspection.
func NewFakeProvider(logger *zap.Logger) *FakeProvider {
	return &FakeProvider{
		groups:     make(map[string][]redirectRule),
		dispatches: make(map[dispatchKey]bool),
		masqRules:  make(map[masqKey]bool),
		failures:   make(map[string]*failureInjection),
		logger:     logger,
	}
}

// SetFailure makes the named operation (one of the Op constants) return
// err on every subsequent call. A nil err clears the injection.
func (f *FakeProvider) SetFailure(op string, err error) {
	f.SetFailureAfter(op, 0, err)
}

// SetFailureAfter is SetFailure with a fuse: the next successes calls to
// op still succeed, every call after that returns err.
func (f *FakeProvider) SetFailureAfter(op string, successes int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, op)
		return
	}
	f.failures[op] = &failureInjection{err: err, after: successes}
}

// failureFor must be called with f.mu held.
func (f *FakeProvider) failureFor(op string) error {
	inj, ok := f.failures[op]
	if !ok {
		return nil
	}
	if inj.after > 0 {
		inj.after--
		return nil
	}
	return fmt.Errorf("%s: %w", op, inj.err)
}

func (f *FakeProvider) EnsureBaseHooks() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failureFor(OpEnsureBaseHooks); err != nil {
		return err
	}

	f.hookCalls++
	if !f.baseHooks {
		f.baseHooks = true
		f.logger.Debug("fake: created base hooks")
	}
	return nil
}

func (f *FakeProvider) CreateGroup(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failureFor(OpCreateGroup); err != nil {
		return err
	}
	if _, exists := f.groups[name]; exists {
		return fmt.Errorf("%s: group %s already exists", OpCreateGroup, name)
	}

	f.groups[name] = nil
	f.logger.Debug("fake: created group", zap.String("group", name))
	return nil
}

func (f *FakeProvider) FlushGroup(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failureFor(OpFlushGroup); err != nil {
		return err
	}
	if _, exists := f.groups[name]; !exists {
		return fmt.Errorf("%s: group %s not found", OpFlushGroup, name)
	}

	f.groups[name] = nil
	return nil
}

func (f *FakeProvider) DeleteGroup(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failureFor(OpDeleteGroup); err != nil {
		return err
	}
	if _, exists := f.groups[name]; !exists {
		return fmt.Errorf("%s: group %s not found", OpDeleteGroup, name)
	}
	if len(f.groups[name]) > 0 {
		return fmt.Errorf("%s: group %s is not empty", OpDeleteGroup, name)
	}

	delete(f.groups, name)
	f.logger.Debug("fake: deleted group", zap.String("group", name))
	return nil
}

func (f *FakeProvider) AddRedirectRule(group string, protocol Protocol, ingressPort uint16, targetIP string, targetPort uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failureFor(OpAddRedirect); err != nil {
		return err
	}
	if _, exists := f.groups[group]; !exists {
		return fmt.Errorf("%s: group %s not found", OpAddRedirect, group)
	}

	f.groups[group] = append(f.groups[group], redirectRule{
		protocol:    protocol,
		ingressPort: ingressPort,
		targetIP:    targetIP,
		targetPort:  targetPort,
	})
	return nil
}

func (f *FakeProvider) AddDispatchRule(ingressPort uint16, group string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failureFor(OpAddDispatch); err != nil {
		return err
	}
	if _, exists := f.groups[group]; !exists {
		return fmt.Errorf("%s: group %s not found", OpAddDispatch, group)
	}

	f.dispatches[dispatchKey{ingressPort, group}] = true
	return nil
}

func (f *FakeProvider) RemoveDispatchRule(ingressPort uint16, group string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failureFor(OpRemoveDispatch); err != nil {
		return err
	}

	delete(f.dispatches, dispatchKey{ingressPort, group})
	return nil
}

func (f *FakeProvider) AddReturnMasqueradeRule(protocol Protocol, targetIP string, targetPort uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failureFor(OpAddReturnMasq); err != nil {
		return err
	}

	f.masqRules[masqKey{protocol, targetIP, targetPort}] = true
	return nil
}

func (f *FakeProvider) RemoveReturnMasqueradeRule(protocol Protocol, targetIP string, targetPort uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failureFor(OpRemoveReturnMasq); err != nil {
		return err
	}

	delete(f.masqRules, masqKey{protocol, targetIP, targetPort})
	return nil
}

func (f *FakeProvider) ListTables() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failureFor(OpListTables); err != nil {
		return nil, err
	}

	chains := make([]string, 0, len(f.groups))
	for name := range f.groups {
		chains = append(chains, name)
	}
	return chains, nil
}

// --- inspection helpers for tests ---

// HasGroup reports whether the named group exists.
func (f *FakeProvider) HasGroup(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, exists := f.groups[name]
	return exists
}

// GroupRuleCount returns the number of redirect rules in the named group.
func (f *FakeProvider) GroupRuleCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.groups[name])
}

// GroupCount returns the number of rule groups.
func (f *FakeProvider) GroupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.groups)
}

// HasDispatch reports whether a dispatch rule exists for ingressPort to group.
func (f *FakeProvider) HasDispatch(ingressPort uint16, group string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dispatches[dispatchKey{ingressPort, group}]
}

// DispatchCount returns the number of dispatch rules.
func (f *FakeProvider) DispatchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dispatches)
}

// HasReturnMasquerade reports whether a return masquerade rule exists.
func (f *FakeProvider) HasReturnMasquerade(protocol Protocol, targetIP string, targetPort uint16) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.masqRules[masqKey{protocol, targetIP, targetPort}]
}

// MasqueradeCount returns the number of return masquerade rules.
func (f *FakeProvider) MasqueradeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.masqRules)
}

// BaseHookCalls returns how many times EnsureBaseHooks succeeded.
func (f *FakeProvider) BaseHookCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hookCalls
}

// BaseHooksPresent reports whether the base hooks have been created.
func (f *FakeProvider) BaseHooksPresent() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.baseHooks
}
