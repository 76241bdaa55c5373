package syncer

import "testing"

// TestCycleTransitions tests the drain-cycle transition table, including
// that invalid events leave the state unchanged.
func TestCycleTransitions(t *testing.T) {
	tests := []struct {
		state CycleState
		event CycleEvent
		want  CycleState
	}{
		{CycleIdle, EventDrainStarted, CycleDraining},
		{CycleIdle, EventDrainFinished, CycleIdle},
		{CycleIdle, EventAuthHalted, CycleIdle},
		{CycleDraining, EventDrainFinished, CycleIdle},
		{CycleDraining, EventAuthHalted, CycleIdle},
		{CycleDraining, EventCancelled, CycleIdle},
		{CycleDraining, EventDrainStarted, CycleDraining},
	}

	for _, tt := range tests {
		if got := NextCycleState(tt.state, tt.event); got != tt.want {
			t.Errorf("NextCycleState(%s, %s) = %s, want %s", tt.state, tt.event, got, tt.want)
		}
	}
}

// TestItemTransitions tests the per-item transition table.
func TestItemTransitions(t *testing.T) {
	tests := []struct {
		state ItemState
		event ItemEvent
		want  ItemState
	}{
		{ItemUploading, ItemEventUploaded, ItemCommitting},
		{ItemUploading, ItemEventTransient, ItemRetrying},
		{ItemUploading, ItemEventExhausted, ItemDropped},
		{ItemUploading, ItemEventCorrupt, ItemDropped},
		{ItemCommitting, ItemEventCommitted, ItemDone},
		{ItemCommitting, ItemEventTransient, ItemRetrying},
		{ItemDone, ItemEventTransient, ItemDone},
		{ItemDropped, ItemEventUploaded, ItemDropped},
	}

	for _, tt := range tests {
		if got := NextItemState(tt.state, tt.event); got != tt.want {
			t.Errorf("NextItemState(%s, %s) = %s, want %s", tt.state, tt.event, got, tt.want)
		}
	}
}
