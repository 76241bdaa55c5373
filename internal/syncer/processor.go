package syncer

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/mwaldrop/reverie/internal/errors"
	"github.com/mwaldrop/reverie/internal/logging"
	"github.com/mwaldrop/reverie/internal/models"
	"github.com/mwaldrop/reverie/internal/queue"
	"github.com/mwaldrop/reverie/internal/remote"
	"github.com/mwaldrop/reverie/internal/store"
)

const (
	// DefaultWorkers is the drain concurrency when none is configured.
	DefaultWorkers = 4
	// MaxWorkers caps drain concurrency; the remote is a consumer drive
	// API, not a bulk store.
	MaxWorkers = 8
)

// Config tunes the processor.
type Config struct {
	// Workers is the number of concurrent upload workers per drain cycle.
	Workers int
}

// Event is one observable processor occurrence, consumed by the trigger,
// the daemon status endpoint and the WebSocket hub.
type Event struct {
	Type       string            `json:"type"`
	EntityType models.EntityType `json:"entity_type,omitempty"`
	EntityID   string            `json:"entity_id,omitempty"`
	Outcome    string            `json:"outcome,omitempty"`
	Error      string            `json:"error,omitempty"`
	Timestamp  int64             `json:"timestamp"`
}

// Event types carried on the Events channel.
const (
	EventTypeStarted   = "sync.started"
	EventTypeProgress  = "sync.progress"
	EventTypeCompleted = "sync.completed"
	EventTypeFailed    = "sync.failed"
)

// DrainResult summarizes one drain cycle.
type DrainResult struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Processed int           `json:"processed"`
	Synced    int           `json:"synced"`
	Retried   int           `json:"retried"`
	Dropped   int           `json:"dropped"`
	Skipped   int           `json:"skipped"`
	Released  int           `json:"released"`
	Halted    bool          `json:"halted"`
}

// Status is a snapshot of the processor for callers that poll instead of
// subscribing to events. Failures never surface as panics or synchronous
// throws from write paths; they land here and on the Events channel.
type Status struct {
	State      CycleState   `json:"state"`
	LastResult *DrainResult `json:"last_result,omitempty"`
	LastError  string       `json:"last_error,omitempty"`
}

// Processor drains the mutation queue against the remote adapter. One
// drain cycle runs at a time; within a cycle, items are pushed by a
// bounded worker pool so one slow upload cannot block the rest.
type Processor struct {
	store   *store.Store
	queue   *queue.MutationQueue
	adapter remote.Adapter
	workers int

	mu      sync.Mutex
	state   CycleState
	lastRes *DrainResult
	lastErr error

	events chan Event
}

// New creates a Processor. The store handle, queue and adapter are
// injected; the processor owns no storage of its own.
func New(st *store.Store, q *queue.MutationQueue, adapter remote.Adapter, config Config) *Processor {
	workers := config.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if workers > MaxWorkers {
		workers = MaxWorkers
	}
	return &Processor{
		store:   st,
		queue:   q,
		adapter: adapter,
		workers: workers,
		state:   CycleIdle,
		events:  make(chan Event, 64),
	}
}

// Events returns the processor's event stream. Events are dropped, not
// blocked on, when the consumer falls behind.
func (p *Processor) Events() <-chan Event {
	return p.events
}

// Status returns the current processor snapshot.
func (p *Processor) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Status{State: p.state, LastResult: p.lastRes}
	if p.lastErr != nil {
		s.LastError = p.lastErr.Error()
	}
	return s
}

// ErrDrainInProgress is returned when a drain is requested while one is
// already running. The trigger coalesces requests so this is rare.
var ErrDrainInProgress = apperrors.New(apperrors.ErrInternal, "a drain cycle is already running")

// Drain runs one drain cycle: claim every pending item, push each to the
// remote, and settle the outcome per item. It returns when the queue
// snapshot is settled or the cycle is halted.
//
// An auth-class failure halts the cycle immediately: remaining items are
// released back to the queue untouched, because retrying against a dead
// credential burns the retry budget for nothing. Cancellation via ctx is
// honored between items; an item already being pushed settles normally.
func (p *Processor) Drain(ctx context.Context) (*DrainResult, error) {
	p.mu.Lock()
	if p.state == CycleDraining {
		p.mu.Unlock()
		return nil, ErrDrainInProgress
	}
	p.state = NextCycleState(p.state, EventDrainStarted)
	p.mu.Unlock()

	result := &DrainResult{StartedAt: time.Now()}
	err := p.drain(ctx, result)
	result.Duration = time.Since(result.StartedAt)

	finish := EventDrainFinished
	if result.Halted {
		finish = EventAuthHalted
	} else if ctx.Err() != nil {
		finish = EventCancelled
	}

	p.mu.Lock()
	p.state = NextCycleState(p.state, finish)
	p.lastRes = result
	p.lastErr = err
	p.mu.Unlock()

	if err != nil {
		p.emit(Event{Type: EventTypeFailed, Error: err.Error()})
	} else {
		p.emit(Event{Type: EventTypeCompleted})
	}
	return result, err
}

func (p *Processor) drain(ctx context.Context, result *DrainResult) error {
	items, err := p.queue.Drain()
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	p.emit(Event{Type: EventTypeStarted})
	logging.Info("Drain cycle started", map[string]interface{}{
		"items":   len(items),
		"workers": p.workers,
	})

	drainCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	itemCh := make(chan *models.QueueItem, len(items))
	for _, item := range items {
		itemCh <- item
	}
	close(itemCh)

	var (
		wg      sync.WaitGroup
		haltMu  sync.Mutex
		haltErr error
	)
	halt := func(err error) {
		haltMu.Lock()
		if haltErr == nil {
			haltErr = err
		}
		haltMu.Unlock()
		cancel()
	}

	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range itemCh {
				if drainCtx.Err() != nil {
					// Item boundary: stop taking work, give the item back.
					if err := p.queue.Release(item.SequenceID); err != nil {
						logging.ErrorWithCode("Failed to release queue item",
							string(apperrors.ErrQueueIntegrity), err, map[string]interface{}{
								"sequence_id": item.SequenceID,
							})
					}
					p.count(result, outcomeReleased)
					continue
				}

				outcome := p.processItem(drainCtx, item)
				p.count(result, outcome)
				if outcome == outcomeAuthHalt {
					halt(apperrors.New(apperrors.ErrSyncAuthExpired,
						"drain halted: remote credential expired or revoked"))
				}
			}
		}()
	}
	wg.Wait()

	haltMu.Lock()
	defer haltMu.Unlock()
	if haltErr != nil {
		result.Halted = true
		return haltErr
	}
	return nil
}

type itemOutcome int

const (
	outcomeSynced itemOutcome = iota
	outcomeRetried
	outcomeDropped
	outcomeSkipped
	outcomeReleased
	outcomeAuthHalt
)

func (o itemOutcome) String() string {
	switch o {
	case outcomeSynced:
		return "synced"
	case outcomeRetried:
		return "retried"
	case outcomeDropped:
		return "dropped"
	case outcomeSkipped:
		return "skipped"
	case outcomeReleased:
		return "released"
	default:
		return "auth_halt"
	}
}

func (p *Processor) count(result *DrainResult, outcome itemOutcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	result.Processed++
	switch outcome {
	case outcomeSynced:
		result.Synced++
	case outcomeRetried:
		result.Retried++
	case outcomeDropped:
		result.Dropped++
	case outcomeSkipped:
		result.Skipped++
	case outcomeReleased:
		result.Released++
	}
}

// processItem pushes one queue item through its lifecycle:
// uploading -> committing -> done, or retrying / dropped on failure.
func (p *Processor) processItem(ctx context.Context, item *models.QueueItem) itemOutcome {
	itemState := ItemUploading

	var err error
	if item.Operation == models.OperationDelete {
		err = p.pushDelete(ctx, item, &itemState)
	} else {
		err = p.pushUpsert(ctx, item, &itemState)
	}
	if err == nil {
		p.emit(Event{
			Type:       EventTypeProgress,
			EntityType: item.EntityType,
			EntityID:   item.EntityID,
			Outcome:    outcomeSynced.String(),
		})
		return outcomeSynced
	}
	return p.settleFailure(ctx, item, itemState, err)
}

// pushUpsert uploads the current local state of the record. The payload is
// read from the store at push time, never from the queue item, so a
// coalesced series of edits uploads its final state.
func (p *Processor) pushUpsert(ctx context.Context, item *models.QueueItem, itemState *ItemState) error {
	rec, err := p.store.Get(item.EntityType, item.EntityID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			// Record vanished locally; the item is stale.
			return p.completeStale(item)
		}
		return err
	}
	if rec.Deleted {
		// A delete coalesced in behind this item; the delete item owns it.
		return p.completeStale(item)
	}

	observed := rec.UpdatedAt
	if err := p.store.MarkSyncing(item.EntityType, item.EntityID, observed); err != nil {
		return err
	}

	payload, err := models.EncodeRemote(rec)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSyncCorruptPayload, "record payload does not serialize", err)
	}

	ref := rec.RemoteRef
	if ref != "" {
		err = p.adapter.Update(ctx, ref, payload)
		if apperrors.Is(err, apperrors.ErrNotFound) {
			// Remote object vanished (wiped remotely); recreate it.
			ref = ""
			err = nil
		}
		if err != nil {
			return err
		}
	}
	if ref == "" {
		ref, err = p.adapter.FindOrCreate(ctx, item.EntityType, item.EntityID, payload)
		if err != nil {
			return err
		}
	}

	*itemState = NextItemState(*itemState, ItemEventUploaded)
	if err := p.store.MarkSynced(item.EntityType, item.EntityID, ref, observed); err != nil {
		return err
	}
	if err := p.queue.Complete(item.SequenceID); err != nil {
		return err
	}
	*itemState = NextItemState(*itemState, ItemEventCommitted)
	return nil
}

// pushDelete removes the remote object, then hard-deletes the local row.
// A remote object that never existed deletes successfully, so a coalesced
// create-then-delete settles without a trace.
func (p *Processor) pushDelete(ctx context.Context, item *models.QueueItem, itemState *ItemState) error {
	if err := p.adapter.Delete(ctx, item.EntityType, item.EntityID); err != nil {
		return err
	}
	*itemState = NextItemState(*itemState, ItemEventUploaded)
	if err := p.store.CommitDelete(item.EntityType, item.EntityID); err != nil {
		return err
	}
	if err := p.queue.Complete(item.SequenceID); err != nil {
		return err
	}
	*itemState = NextItemState(*itemState, ItemEventCommitted)
	return nil
}

// completeStale removes a queue item that no longer maps to work.
func (p *Processor) completeStale(item *models.QueueItem) error {
	if err := p.queue.Complete(item.SequenceID); err != nil {
		return err
	}
	return errStaleItem
}

var errStaleItem = apperrors.New(apperrors.ErrNotFound, "queue item no longer maps to local work")

// settleFailure routes one failed item by error class.
func (p *Processor) settleFailure(ctx context.Context, item *models.QueueItem, itemState ItemState, err error) itemOutcome {
	fields := map[string]interface{}{
		"entity_type": item.EntityType,
		"entity_id":   item.EntityID,
		"operation":   item.Operation,
		"error":       err.Error(),
	}

	switch {
	case err == errStaleItem:
		return outcomeSkipped

	case ctx.Err() != nil && !apperrors.IsAuth(err):
		// The cycle was cancelled out from under this item. Give it back
		// without burning a retry.
		if rerr := p.queue.Release(item.SequenceID); rerr != nil {
			logging.ErrorWithCode("Failed to release cancelled item",
				string(apperrors.ErrQueueIntegrity), rerr, fields)
		}
		return outcomeReleased

	case apperrors.IsAuth(err):
		// Never consumes retry budget: the credential is dead, not the item.
		if rerr := p.queue.Release(item.SequenceID); rerr != nil {
			logging.ErrorWithCode("Failed to release item on auth halt",
				string(apperrors.ErrQueueIntegrity), rerr, fields)
		}
		logging.ErrorWithCode("Sync halted on auth failure",
			string(apperrors.ErrSyncAuthExpired), err, fields)
		return outcomeAuthHalt

	case apperrors.IsCorrupt(err):
		// An unserializable or remotely-rejected payload never heals by
		// retrying. Drop the item, flag the record, keep draining.
		itemState = NextItemState(itemState, ItemEventCorrupt)
		fields["item_state"] = string(itemState)
		if cerr := p.queue.Complete(item.SequenceID); cerr != nil {
			logging.ErrorWithCode("Failed to drop corrupt item",
				string(apperrors.ErrQueueIntegrity), cerr, fields)
		}
		if merr := p.store.MarkError(item.EntityType, item.EntityID); merr != nil {
			logging.ErrorWithCode("Failed to flag record after corrupt payload",
				string(apperrors.ErrDatabase), merr, fields)
		}
		logging.ErrorWithCode("Queue item dropped: corrupt payload",
			string(apperrors.ErrSyncCorruptPayload), err, fields)
		p.emit(Event{
			Type:       EventTypeProgress,
			EntityType: item.EntityType,
			EntityID:   item.EntityID,
			Outcome:    outcomeDropped.String(),
			Error:      err.Error(),
		})
		return outcomeDropped

	default:
		// Transient (network, timeout, rate limit, 5xx) or unclassified.
		requeued, ferr := p.queue.Fail(item.SequenceID)
		if ferr != nil {
			logging.ErrorWithCode("Failed to record item failure",
				string(apperrors.ErrQueueIntegrity), ferr, fields)
			return outcomeDropped
		}
		if requeued {
			itemState = NextItemState(itemState, ItemEventTransient)
			fields["item_state"] = string(itemState)
			logging.Warn("Queue item failed, will retry next drain", fields)
			p.emit(Event{
				Type:       EventTypeProgress,
				EntityType: item.EntityType,
				EntityID:   item.EntityID,
				Outcome:    outcomeRetried.String(),
				Error:      err.Error(),
			})
			return outcomeRetried
		}
		itemState = NextItemState(itemState, ItemEventExhausted)
		fields["item_state"] = string(itemState)
		logging.Warn("Queue item dropped after retry exhaustion", fields)
		if merr := p.store.MarkError(item.EntityType, item.EntityID); merr != nil {
			logging.ErrorWithCode("Failed to flag record after retry exhaustion",
				string(apperrors.ErrDatabase), merr, fields)
		}
		p.emit(Event{
			Type:       EventTypeFailed,
			EntityType: item.EntityType,
			EntityID:   item.EntityID,
			Outcome:    outcomeDropped.String(),
			Error:      err.Error(),
		})
		return outcomeDropped
	}
}

// emit publishes an event without ever blocking a drain on a slow consumer.
func (p *Processor) emit(ev Event) {
	ev.Timestamp = models.NowMillis()
	select {
	case p.events <- ev:
	default:
	}
}
