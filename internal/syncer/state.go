// Package syncer provides the sync processor: it drains the mutation
// queue against the remote adapter with bounded concurrency.
package syncer

// The drain lifecycle is an explicit state machine, exposed as a plain
// transition function so it can be tested without any scheduler or UI
// harness. The daemon and the WebSocket layer merely subscribe to state
// changes.

// CycleState is the state of the processor as a whole.
type CycleState string

const (
	CycleIdle     CycleState = "idle"
	CycleDraining CycleState = "draining"
)

// CycleEvent drives cycle transitions.
type CycleEvent string

const (
	EventDrainStarted  CycleEvent = "drain_started"
	EventDrainFinished CycleEvent = "drain_finished"
	EventAuthHalted    CycleEvent = "auth_halted"
	EventCancelled     CycleEvent = "cancelled"
)

// cycleTransitions is the full transition table. Unknown pairs keep the
// current state.
var cycleTransitions = map[CycleState]map[CycleEvent]CycleState{
	CycleIdle: {
		EventDrainStarted: CycleDraining,
	},
	CycleDraining: {
		EventDrainFinished: CycleIdle,
		EventAuthHalted:    CycleIdle,
		EventCancelled:     CycleIdle,
	},
}

// NextCycleState returns the state after event. Invalid transitions are
// ignored and return the current state unchanged.
func NextCycleState(state CycleState, event CycleEvent) CycleState {
	if next, ok := cycleTransitions[state][event]; ok {
		return next
	}
	return state
}

// ItemState is the per-item state within a drain cycle.
type ItemState string

const (
	ItemUploading  ItemState = "uploading"
	ItemCommitting ItemState = "committing"
	ItemDone       ItemState = "done"
	ItemRetrying   ItemState = "retrying"
	ItemDropped    ItemState = "dropped"
)

// ItemEvent drives per-item transitions.
type ItemEvent string

const (
	ItemEventUploaded  ItemEvent = "uploaded"
	ItemEventCommitted ItemEvent = "committed"
	ItemEventTransient ItemEvent = "transient_failure"
	ItemEventExhausted ItemEvent = "retries_exhausted"
	ItemEventCorrupt   ItemEvent = "corrupt_payload"
)

var itemTransitions = map[ItemState]map[ItemEvent]ItemState{
	ItemUploading: {
		ItemEventUploaded:  ItemCommitting,
		ItemEventTransient: ItemRetrying,
		ItemEventExhausted: ItemDropped,
		ItemEventCorrupt:   ItemDropped,
	},
	ItemCommitting: {
		ItemEventCommitted: ItemDone,
		ItemEventTransient: ItemRetrying,
		ItemEventExhausted: ItemDropped,
	},
}

// NextItemState returns the per-item state after event. Invalid
// transitions are ignored.
func NextItemState(state ItemState, event ItemEvent) ItemState {
	if next, ok := itemTransitions[state][event]; ok {
		return next
	}
	return state
}
