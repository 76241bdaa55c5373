// Package conflict provides last-write-wins conflict resolution for
// multi-device synchronization.
//
// The policy is intentionally simple for a single-user personal dataset:
// whole-record replacement, no field-level merge. This is a documented
// limitation, not a bug.
package conflict

import (
	"github.com/mwaldrop/reverie/internal/models"
)

// Winner identifies which side a resolution picked.
type Winner int

const (
	WinnerLocal Winner = iota
	WinnerRemote
)

// String returns the resolution label used in conflict logs.
func (w Winner) String() string {
	if w == WinnerRemote {
		return "remote_wins"
	}
	return "local_wins"
}

// Version is one side of a conflict: a timestamp and the payload it carries.
type Version struct {
	UpdatedAt int64 // epoch ms
	Payload   []byte
}

// Result is the outcome of a resolution.
type Result struct {
	Winner  Winner
	Version Version
}

// Resolve compares local and remote versions of one record and picks a
// winner. The side with the strictly greater UpdatedAt wins; on an exact
// tie, local wins — the device performing the comparison is authoritative
// for its own unresolved edits.
//
// Resolve is a pure function: it never touches storage and has no side
// effects, so both the sync processor and the hydration service share it.
func Resolve(local, remote Version) Result {
	if remote.UpdatedAt > local.UpdatedAt {
		return Result{Winner: WinnerRemote, Version: remote}
	}
	return Result{Winner: WinnerLocal, Version: local}
}

// LogEntry builds the informational conflict-log row for a resolution.
func LogEntry(entityType models.EntityType, entityID string, local, remote Version, res Result) *models.ConflictLog {
	return &models.ConflictLog{
		EntityType:      entityType,
		EntityID:        entityID,
		LocalTimestamp:  local.UpdatedAt,
		RemoteTimestamp: remote.UpdatedAt,
		Resolution:      res.Winner.String(),
	}
}
