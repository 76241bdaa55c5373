package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mwaldrop/reverie/internal/syncer"
)

type fakeDrainer struct {
	mu    sync.Mutex
	calls int
	block chan struct{} // when non-nil, Drain waits on it
}

func (d *fakeDrainer) Drain(ctx context.Context) (*syncer.DrainResult, error) {
	d.mu.Lock()
	d.calls++
	block := d.block
	d.mu.Unlock()
	if block != nil {
		<-block
	}
	return &syncer.DrainResult{}, nil
}

func (d *fakeDrainer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

// TestExplicitRequestDrains tests that RequestSync fires a drain.
func TestExplicitRequestDrains(t *testing.T) {
	d := &fakeDrainer{}
	trig := New(d, Config{Debounce: time.Hour, Interval: -1})
	trig.Start(context.Background())
	defer trig.Stop()

	trig.RequestSync()
	waitFor(t, 2*time.Second, func() bool { return d.count() == 1 })
}

// TestOnlineNotificationDrains tests the reconnect trigger source.
func TestOnlineNotificationDrains(t *testing.T) {
	d := &fakeDrainer{}
	trig := New(d, Config{Debounce: time.Hour, Interval: -1})
	trig.Start(context.Background())
	defer trig.Stop()

	trig.NotifyOnline()
	waitFor(t, 2*time.Second, func() bool { return d.count() == 1 })
}

// TestBurstCoalesces tests that a burst of requests while one drain runs
// collapses into at most one follow-up cycle.
func TestBurstCoalesces(t *testing.T) {
	block := make(chan struct{})
	d := &fakeDrainer{block: block}
	trig := New(d, Config{Debounce: time.Hour, Interval: -1})
	trig.Start(context.Background())
	defer trig.Stop()

	trig.RequestSync()
	waitFor(t, 2*time.Second, func() bool { return d.count() == 1 })

	// Five more requests land while the drain is blocked.
	for i := 0; i < 5; i++ {
		trig.RequestSync()
	}
	d.mu.Lock()
	d.block = nil
	d.mu.Unlock()
	close(block)

	waitFor(t, 2*time.Second, func() bool { return d.count() >= 2 })
	time.Sleep(50 * time.Millisecond)
	if got := d.count(); got > 2 {
		t.Errorf("Expected the burst to coalesce into one follow-up drain, got %d total", got)
	}
}

// TestMutationDebounce tests that local edits drain after the debounce
// window, not per edit.
func TestMutationDebounce(t *testing.T) {
	d := &fakeDrainer{}
	trig := New(d, Config{Debounce: 20 * time.Millisecond, Interval: -1})
	trig.Start(context.Background())
	defer trig.Stop()

	for i := 0; i < 10; i++ {
		trig.NotifyMutation()
	}
	waitFor(t, 2*time.Second, func() bool { return d.count() >= 1 })

	time.Sleep(60 * time.Millisecond)
	if got := d.count(); got > 2 {
		t.Errorf("Expected edits to batch into one or two drains, got %d", got)
	}
}

// TestNoDrainWithoutWork tests that the debounce tick alone never drains.
func TestNoDrainWithoutWork(t *testing.T) {
	d := &fakeDrainer{}
	trig := New(d, Config{Debounce: 10 * time.Millisecond, Interval: -1})
	trig.Start(context.Background())
	defer trig.Stop()

	time.Sleep(80 * time.Millisecond)
	if got := d.count(); got != 0 {
		t.Errorf("Expected no drains without mutations, got %d", got)
	}
}

// TestIntervalDrains tests the periodic safety net.
func TestIntervalDrains(t *testing.T) {
	d := &fakeDrainer{}
	trig := New(d, Config{Debounce: time.Hour, Interval: 15 * time.Millisecond})
	trig.Start(context.Background())
	defer trig.Stop()

	waitFor(t, 2*time.Second, func() bool { return d.count() >= 2 })
}

// TestStopIsIdempotent tests that Stop can be called twice.
func TestStopIsIdempotent(t *testing.T) {
	d := &fakeDrainer{}
	trig := New(d, Config{Debounce: time.Hour, Interval: -1})
	trig.Start(context.Background())

	trig.Stop()
	trig.Stop()
}
