//go:build !integration

package session

import (
	"errors"
	"sync"
	"testing"

	"github.com/easzlab/ezfwd/pkg/nat"
	"github.com/easzlab/ezfwd/pkg/portpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestRegistry(t *testing.T, start, end uint16) (*Registry, *nat.FakeProvider) {
	t.Helper()

	pool, err := portpool.NewPool(start, end)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	fake := nat.NewFakeProvider(zap.NewNop())
	registry := NewRegistry(pool, fake, zap.NewNop())

	if err := registry.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	return registry, fake
}

func TestRegistry_OpenInstallsAllRules(t *testing.T) {
	registry, fake := newTestRegistry(t, 10000, 10010)

	s, err := registry.Open("10.0.0.5", 51820)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if s.ID == "" {
		t.Error("expected non-empty session id")
	}
	if s.IngressPort < 10000 || s.IngressPort > 10010 {
		t.Errorf("ingress port %d outside pool range", s.IngressPort)
	}
	if s.TargetIP != "10.0.0.5" || s.TargetPort != 51820 {
		t.Errorf("unexpected target %s:%d", s.TargetIP, s.TargetPort)
	}

	group := groupNameForID(s.ID)
	if !fake.HasGroup(group) {
		t.Error("expected rule group to exist")
	}
	if got := fake.GroupRuleCount(group); got != 2 {
		t.Errorf("expected 2 redirect rules (udp+tcp), got %d", got)
	}
	if !fake.HasDispatch(s.IngressPort, group) {
		t.Error("expected dispatch rule for ingress port")
	}
	if !fake.HasReturnMasquerade(nat.ProtocolUDP, "10.0.0.5", 51820) {
		t.Error("expected UDP return masquerade rule")
	}
	if !fake.HasReturnMasquerade(nat.ProtocolTCP, "10.0.0.5", 51820) {
		t.Error("expected TCP return masquerade rule")
	}
}

// Scenario A: a two-port pool serves exactly two sessions.
func TestRegistry_PoolExhaustion(t *testing.T) {
	registry, _ := newTestRegistry(t, 10000, 10001)

	first, err := registry.Open("10.0.0.5", 80)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	second, err := registry.Open("10.0.0.6", 80)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}

	if first.IngressPort == second.IngressPort {
		t.Errorf("both sessions got port %d", first.IngressPort)
	}
	for _, port := range []uint16{first.IngressPort, second.IngressPort} {
		if port != 10000 && port != 10001 {
			t.Errorf("port %d outside configured pool", port)
		}
	}

	if _, err := registry.Open("10.0.0.7", 80); !errors.Is(err, portpool.ErrExhausted) {
		t.Fatalf("expected ErrExhausted for third open, got %v", err)
	}
}

// Scenario B: failure at the third install step rolls everything back.
func TestRegistry_OpenRollsBackOnInstallFailure(t *testing.T) {
	registry, fake := newTestRegistry(t, 10000, 10001)
	fake.SetFailure(nat.OpAddRedirect, errors.New("rule rejected"))

	_, err := registry.Open("10.0.0.5", 51820)

	var provErr *ProvisioningError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProvisioningError, got %v", err)
	}

	if got := registry.List(); len(got) != 0 {
		t.Errorf("expected no visible sessions after rollback, got %d", len(got))
	}
	if fake.GroupCount() != 0 {
		t.Errorf("expected no rule groups after rollback, got %d", fake.GroupCount())
	}
	if registry.FreePorts() != 2 {
		t.Errorf("expected allocated port back in free set, free=%d", registry.FreePorts())
	}

	// The pool recovers fully: both ports are usable again.
	fake.SetFailure(nat.OpAddRedirect, nil)
	if _, err := registry.Open("10.0.0.5", 51820); err != nil {
		t.Fatalf("Open after recovery failed: %v", err)
	}
	if _, err := registry.Open("10.0.0.6", 51820); err != nil {
		t.Fatalf("second Open after recovery failed: %v", err)
	}
}

func TestRegistry_OpenRollsBackLateStepFailure(t *testing.T) {
	registry, fake := newTestRegistry(t, 10000, 10001)
	fake.SetFailure(nat.OpAddReturnMasq, errors.New("masquerade rejected"))

	_, err := registry.Open("10.0.0.5", 51820)
	var provErr *ProvisioningError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProvisioningError, got %v", err)
	}

	if fake.GroupCount() != 0 {
		t.Errorf("expected group removed by rollback, got %d groups", fake.GroupCount())
	}
	if fake.DispatchCount() != 0 {
		t.Errorf("expected dispatch rules removed by rollback, got %d", fake.DispatchCount())
	}
	if fake.MasqueradeCount() != 0 {
		t.Errorf("expected no masquerade rules after rollback, got %d", fake.MasqueradeCount())
	}
}

// A failed open must not strip return-masquerade rules that an active
// session to the same target endpoint still depends on.
func TestRegistry_OpenRollbackKeepsSharedReturnMasquerade(t *testing.T) {
	registry, fake := newTestRegistry(t, 10000, 10001)

	first, err := registry.Open("10.0.0.5", 51820)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// The second open's UDP masquerade add succeeds, the TCP one fails,
	// so its rollback starts with one masquerade step applied.
	fake.SetFailureAfter(nat.OpAddReturnMasq, 1, errors.New("masquerade rejected"))

	_, err = registry.Open("10.0.0.5", 51820)
	var provErr *ProvisioningError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProvisioningError, got %v", err)
	}

	if !fake.HasReturnMasquerade(nat.ProtocolUDP, "10.0.0.5", 51820) {
		t.Error("expected UDP return masquerade rule to survive rollback")
	}
	if !fake.HasReturnMasquerade(nat.ProtocolTCP, "10.0.0.5", 51820) {
		t.Error("expected TCP return masquerade rule to survive rollback")
	}
	if list := registry.List(); len(list) != 1 || list[0].ID != first.ID {
		t.Errorf("expected only the first session to remain, got %v", list)
	}
}

// Scenario C: validation failures allocate nothing.
func TestRegistry_OpenValidation(t *testing.T) {
	registry, fake := newTestRegistry(t, 10000, 10001)

	cases := []struct {
		name       string
		targetIP   string
		targetPort int
	}{
		{"malformed ip", "not-an-ip", 1},
		{"empty ip", "", 80},
		{"port zero", "10.0.0.5", 0},
		{"port too large", "10.0.0.5", 70000},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := registry.Open(tc.targetIP, tc.targetPort)

			var valErr *ValidationError
			if !errors.As(err, &valErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if registry.FreePorts() != 2 {
				t.Errorf("expected no port allocated, free=%d", registry.FreePorts())
			}
			if fake.GroupCount() != 0 {
				t.Errorf("expected no provider rules, got %d groups", fake.GroupCount())
			}
		})
	}
}

// Scenario D: close removes the session, releases the port, and a
// second close reports NotFound.
func TestRegistry_CloseLifecycle(t *testing.T) {
	registry, fake := newTestRegistry(t, 10000, 10001)

	s, err := registry.Open("10.0.0.5", 51820)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := registry.Close(s.ID); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if got := registry.List(); len(got) != 0 {
		t.Errorf("expected empty session list after close, got %d", len(got))
	}
	if registry.FreePorts() != 2 {
		t.Errorf("expected port released, free=%d", registry.FreePorts())
	}
	if fake.GroupCount() != 0 || fake.DispatchCount() != 0 || fake.MasqueradeCount() != 0 {
		t.Error("expected all provider rules removed after close")
	}

	if err := registry.Close(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second close, got %v", err)
	}
}

// Return-masquerade rules are keyed by target endpoint, so closing one
// of two sessions forwarding to the same endpoint must leave them in
// place until the last session is gone.
func TestRegistry_CloseKeepsSharedReturnMasquerade(t *testing.T) {
	registry, fake := newTestRegistry(t, 10000, 10001)

	first, err := registry.Open("10.0.0.5", 51820)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	second, err := registry.Open("10.0.0.5", 51820)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}

	if err := registry.Close(first.ID); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if !fake.HasReturnMasquerade(nat.ProtocolUDP, "10.0.0.5", 51820) {
		t.Error("expected UDP return masquerade rule to survive first close")
	}
	if !fake.HasReturnMasquerade(nat.ProtocolTCP, "10.0.0.5", 51820) {
		t.Error("expected TCP return masquerade rule to survive first close")
	}
	if list := registry.List(); len(list) != 1 || list[0].ID != second.ID {
		t.Errorf("expected only the second session to remain, got %v", list)
	}
	if !fake.HasDispatch(second.IngressPort, groupNameForID(second.ID)) {
		t.Error("expected second session's dispatch rule to remain")
	}

	if err := registry.Close(second.ID); err != nil {
		t.Fatalf("Close of last session failed: %v", err)
	}
	if got := fake.MasqueradeCount(); got != 0 {
		t.Errorf("expected masquerade rules removed with last session, got %d", got)
	}
}

func TestRegistry_CloseUnknownID(t *testing.T) {
	registry, _ := newTestRegistry(t, 10000, 10001)

	if err := registry.Close("no-such-session"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// P5: teardown failures never block resource release.
func TestRegistry_CloseReleasesResourcesDespiteProviderFailure(t *testing.T) {
	registry, fake := newTestRegistry(t, 10000, 10001)

	s, err := registry.Open("10.0.0.5", 51820)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	fake.SetFailure(nat.OpRemoveDispatch, errors.New("netlink timeout"))
	fake.SetFailure(nat.OpFlushGroup, errors.New("netlink timeout"))
	fake.SetFailure(nat.OpRemoveReturnMasq, errors.New("netlink timeout"))

	err = registry.Close(s.ID)

	var tdErr *TeardownError
	if !errors.As(err, &tdErr) {
		t.Fatalf("expected TeardownError, got %v", err)
	}

	if got := registry.List(); len(got) != 0 {
		t.Errorf("expected session removed despite teardown errors, got %d", len(got))
	}
	if registry.FreePorts() != 2 {
		t.Errorf("expected port released despite teardown errors, free=%d", registry.FreePorts())
	}
	if err := registry.Close(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after failed-teardown close, got %v", err)
	}
}

// The clean "session closed" entry is only emitted when teardown
// succeeded; a failed teardown logs a warning with the error instead.
func TestRegistry_CloseLogsTeardownOutcome(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	pool, err := portpool.NewPool(10000, 10001)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	fake := nat.NewFakeProvider(zap.NewNop())
	registry := NewRegistry(pool, fake, zap.New(core))
	if err := registry.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	s, err := registry.Open("10.0.0.5", 51820)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	fake.SetFailure(nat.OpFlushGroup, errors.New("netlink timeout"))

	var tdErr *TeardownError
	if err := registry.Close(s.ID); !errors.As(err, &tdErr) {
		t.Fatalf("expected TeardownError, got %v", err)
	}

	if got := logs.FilterMessage("session closed").Len(); got != 0 {
		t.Errorf("expected no clean close entry after failed teardown, got %d", got)
	}
	warnings := logs.FilterMessage("session closed with teardown errors")
	if warnings.Len() != 1 {
		t.Fatalf("expected 1 teardown warning, got %d", warnings.Len())
	}
	if level := warnings.All()[0].Level; level != zap.WarnLevel {
		t.Errorf("expected teardown outcome at warn level, got %v", level)
	}

	fake.SetFailure(nat.OpFlushGroup, nil)
	s, err = registry.Open("10.0.0.6", 51820)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	if err := registry.Close(s.ID); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if got := logs.FilterMessage("session closed").Len(); got != 1 {
		t.Errorf("expected 1 clean close entry, got %d", got)
	}
}

// P4: bootstrap is idempotent.
func TestRegistry_BootstrapIdempotent(t *testing.T) {
	registry, fake := newTestRegistry(t, 10000, 10001)

	for i := 0; i < 5; i++ {
		if err := registry.Bootstrap(); err != nil {
			t.Fatalf("Bootstrap call %d failed: %v", i+1, err)
		}
	}
	if !fake.BaseHooksPresent() {
		t.Error("expected base hooks present")
	}
}

func TestRegistry_BootstrapProviderUnavailable(t *testing.T) {
	pool, err := portpool.NewPool(10000, 10001)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	fake := nat.NewFakeProvider(zap.NewNop())
	fake.SetFailure(nat.OpEnsureBaseHooks, errors.New("no netfilter"))

	registry := NewRegistry(pool, fake, zap.NewNop())
	if err := registry.Bootstrap(); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestRegistry_ProviderReachable(t *testing.T) {
	registry, fake := newTestRegistry(t, 10000, 10001)

	if !registry.ProviderReachable() {
		t.Error("expected provider to be reachable")
	}

	fake.SetFailure(nat.OpListTables, errors.New("netlink unreachable"))
	if registry.ProviderReachable() {
		t.Error("expected provider to be unreachable after injection")
	}
}

// P1/P2/P3 under concurrency: ports stay disjoint and conserved, and
// List never observes a partially installed session.
func TestRegistry_ConcurrentOpenClose(t *testing.T) {
	registry, fake := newTestRegistry(t, 10000, 10019)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				s, err := registry.Open("10.0.0.5", 51820)
				if errors.Is(err, portpool.ErrExhausted) {
					continue
				}
				if err != nil {
					t.Errorf("Open failed: %v", err)
					return
				}

				// An opened session is fully installed by the time it
				// becomes visible.
				if !fake.HasGroup(groupNameForID(s.ID)) {
					t.Errorf("opened session %s has no rule group", s.ID)
				}

				if err := registry.Close(s.ID); err != nil {
					t.Errorf("Close failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if registry.ActiveCount() != 0 {
		t.Errorf("expected 0 active sessions, got %d", registry.ActiveCount())
	}
	if registry.FreePorts() != 20 {
		t.Errorf("expected all 20 ports free, got %d", registry.FreePorts())
	}
	if fake.GroupCount() != 0 {
		t.Errorf("expected no leftover rule groups, got %d", fake.GroupCount())
	}
}

func TestRegistry_ListOrderedSnapshots(t *testing.T) {
	registry, _ := newTestRegistry(t, 10000, 10004)

	for i := 0; i < 3; i++ {
		if _, err := registry.Open("10.0.0.5", 80+i); err != nil {
			t.Fatalf("Open %d failed: %v", i, err)
		}
	}

	list := registry.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].IngressPort >= list[i].IngressPort {
			t.Errorf("list not ordered by ingress port: %v", list)
		}
	}
}

func TestGroupNameForID(t *testing.T) {
	id := "a3f9c2d1-4b7e-4a2c-9d1e-8f6b5a4c3d2e"
	name := groupNameForID(id)

	if len(name) > 28 {
		t.Errorf("group name %q exceeds netfilter chain name limit", name)
	}
	if name != groupNameForID(id) {
		t.Error("group name derivation is not deterministic")
	}
	if name == groupNameForID("b3f9c2d1-4b7e-4a2c-9d1e-8f6b5a4c3d2e") {
		t.Error("distinct ids produced identical group names")
	}
}
