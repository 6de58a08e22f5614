package healthcheck

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeProber lets tests control probe outcomes.
type fakeProber struct {
	mu        sync.Mutex
	reachable bool
}

func (f *fakeProber) ProviderReachable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reachable
}

func newTestMonitor(onChange func(bool)) (*Monitor, *fakeProber) {
	prober := &fakeProber{reachable: true}
	monitor := NewMonitor(prober, Options{FailCount: 3, RiseCount: 2}, onChange, zap.NewNop())
	return monitor, prober
}

func TestMonitor_StartsHealthy(t *testing.T) {
	monitor, _ := newTestMonitor(nil)
	if !monitor.Healthy() {
		t.Error("expected monitor to start healthy")
	}
}

func TestMonitor_FailThreshold(t *testing.T) {
	monitor, _ := newTestMonitor(nil)

	// Two failures stay under the threshold.
	monitor.handleProbeResult(false)
	monitor.handleProbeResult(false)
	if !monitor.Healthy() {
		t.Fatal("expected still healthy below fail threshold")
	}

	monitor.handleProbeResult(false)
	if monitor.Healthy() {
		t.Fatal("expected unhealthy after reaching fail threshold")
	}
}

func TestMonitor_RiseThreshold(t *testing.T) {
	monitor, _ := newTestMonitor(nil)

	for i := 0; i < 3; i++ {
		monitor.handleProbeResult(false)
	}
	if monitor.Healthy() {
		t.Fatal("expected unhealthy")
	}

	monitor.handleProbeResult(true)
	if monitor.Healthy() {
		t.Fatal("expected still unhealthy below rise threshold")
	}

	monitor.handleProbeResult(true)
	if !monitor.Healthy() {
		t.Fatal("expected healthy after reaching rise threshold")
	}
}

func TestMonitor_SingleFlapDamped(t *testing.T) {
	monitor, _ := newTestMonitor(nil)

	monitor.handleProbeResult(false)
	monitor.handleProbeResult(true)
	monitor.handleProbeResult(false)
	if !monitor.Healthy() {
		t.Error("expected isolated probe failures not to flip health")
	}
}

func TestMonitor_ProbeLoop(t *testing.T) {
	prober := &fakeProber{}
	monitor := NewMonitor(prober, Options{
		Interval:  5 * time.Millisecond,
		FailCount: 1,
		RiseCount: 1,
	}, nil, zap.NewNop())

	monitor.Start(context.Background())
	defer monitor.Stop()

	deadline := time.After(2 * time.Second)
	for monitor.Healthy() {
		select {
		case <-deadline:
			t.Fatal("monitor never observed the unreachable provider")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestMonitor_OnChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var transitions []bool
	monitor, _ := newTestMonitor(func(healthy bool) {
		mu.Lock()
		transitions = append(transitions, healthy)
		mu.Unlock()
	})

	for i := 0; i < 3; i++ {
		monitor.handleProbeResult(false)
	}
	for i := 0; i < 2; i++ {
		monitor.handleProbeResult(true)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 2 || transitions[0] != false || transitions[1] != true {
		t.Errorf("expected transitions [false true], got %v", transitions)
	}
}
