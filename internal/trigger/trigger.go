// Package trigger decides when drain cycles run. It listens to local
// mutations, connectivity changes, a periodic timer and explicit requests,
// and coalesces them all into at most one running drain at a time.
package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/mwaldrop/reverie/internal/logging"
	"github.com/mwaldrop/reverie/internal/models"
	"github.com/mwaldrop/reverie/internal/store"
	"github.com/mwaldrop/reverie/internal/syncer"
)

const (
	// DefaultDebounce batches a burst of local edits into one drain.
	DefaultDebounce = 2 * time.Second
	// DefaultInterval is the periodic safety-net drain.
	DefaultInterval = 5 * time.Minute
)

// Drainer runs one drain cycle. Implemented by syncer.Processor.
type Drainer interface {
	Drain(ctx context.Context) (*syncer.DrainResult, error)
}

// Config tunes the trigger.
type Config struct {
	// Debounce delays the drain after a local mutation so a burst of edits
	// costs one cycle. Zero means DefaultDebounce.
	Debounce time.Duration
	// Interval between periodic drains. Zero means DefaultInterval; a
	// negative value disables the timer.
	Interval time.Duration
}

// Trigger owns the drain schedule. Requests arriving while a drain runs
// set a run-again flag instead of stacking cycles, so the queue is drained
// to empty without ever running two cycles concurrently.
type Trigger struct {
	drainer  Drainer
	debounce time.Duration
	interval time.Duration

	wake chan struct{} // coalesced drain requests, capacity 1

	mu        sync.Mutex
	mutations int // edits seen since the last drain fired

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	watched []*store.Subscription
}

// New creates a Trigger around a drainer.
func New(drainer Drainer, config Config) *Trigger {
	debounce := config.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	interval := config.Interval
	if interval == 0 {
		interval = DefaultInterval
	}
	return &Trigger{
		drainer:  drainer,
		debounce: debounce,
		interval: interval,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// WatchStore subscribes to every entity type and feeds committed local
// mutations into the debounce window. Call before Start.
func (t *Trigger) WatchStore(st *store.Store) {
	for _, entityType := range models.AllEntityTypes {
		sub := st.Subscribe(entityType, nil)
		t.watched = append(t.watched, sub)
		go func(sub *store.Subscription) {
			for range sub.C {
				t.NotifyMutation()
			}
		}(sub)
	}
}

// NotifyMutation records a committed local edit. The drain fires after the
// debounce window closes.
func (t *Trigger) NotifyMutation() {
	t.mu.Lock()
	t.mutations++
	t.mu.Unlock()
}

// NotifyOnline requests an immediate drain after connectivity returns.
func (t *Trigger) NotifyOnline() {
	t.request()
}

// RequestSync requests an explicit, immediate drain.
func (t *Trigger) RequestSync() {
	t.request()
}

func (t *Trigger) request() {
	select {
	case t.wake <- struct{}{}:
	default:
		// A request is already queued; it covers this one too.
	}
}

// Start runs the trigger loop until Stop is called or ctx is cancelled.
func (t *Trigger) Start(ctx context.Context) {
	go t.loop(ctx)
}

// Stop shuts the loop down and cancels store watches. Safe to call twice.
func (t *Trigger) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
		for _, sub := range t.watched {
			sub.Cancel()
		}
	})
	<-t.done
}

func (t *Trigger) loop(ctx context.Context) {
	defer close(t.done)

	debounce := time.NewTicker(t.debounce)
	defer debounce.Stop()

	var intervalC <-chan time.Time
	if t.interval > 0 {
		interval := time.NewTicker(t.interval)
		defer interval.Stop()
		intervalC = interval.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return

		case <-t.wake:
			t.drain(ctx)

		case <-intervalC:
			t.drain(ctx)

		case <-debounce.C:
			t.mu.Lock()
			pending := t.mutations
			t.mu.Unlock()
			if pending > 0 {
				t.drain(ctx)
			}
		}
	}
}

// drain runs cycles until no further request arrived mid-cycle.
func (t *Trigger) drain(ctx context.Context) {
	for {
		t.mu.Lock()
		t.mutations = 0
		t.mu.Unlock()

		if _, err := t.drainer.Drain(ctx); err != nil {
			// Halted or failed cycles wait for the next trigger rather
			// than hot-looping against a broken remote.
			logging.Warn("Drain cycle ended with error", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}

		// A request that arrived mid-cycle means new work; go again.
		select {
		case <-t.wake:
			continue
		default:
		}

		t.mu.Lock()
		again := t.mutations > 0
		t.mu.Unlock()
		if !again {
			return
		}
	}
}
