// Package models provides data model definitions for the Reverie sync engine.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	if value == nil {
		*u = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*u = UUID(v)
	case string:
		*u = UUID(v)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// EntityType identifies a syncable domain entity kind.
type EntityType string

const (
	EntityCapture     EntityType = "capture"
	EntityCheckIn     EntityType = "checkin"
	EntityChatSession EntityType = "chat_session"
	EntityMemoryDoc   EntityType = "memory_doc"
)

// AllEntityTypes lists every entity type the engine syncs, in hydration order.
var AllEntityTypes = []EntityType{
	EntityCapture,
	EntityCheckIn,
	EntityChatSession,
	EntityMemoryDoc,
}

// DayAggregated reports whether the entity type is stored as one remote
// object per day instead of one object per entity. Day-aggregated records
// use a YYYY-MM-DD date string as their ID.
func (e EntityType) DayAggregated() bool {
	return e == EntityCheckIn
}

// Valid reports whether the entity type is one the engine knows about.
func (e EntityType) Valid() bool {
	switch e {
	case EntityCapture, EntityCheckIn, EntityChatSession, EntityMemoryDoc:
		return true
	}
	return false
}

// SyncStatus represents a record's position in the sync lifecycle.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusError   SyncStatus = "error"
)

// Record is a syncable domain entity: a capture, check-in, chat transcript,
// or memory document. Domain fields live in Payload; the engine only reads
// the sync metadata around it.
type Record struct {
	ID         UUID            `db:"id" json:"id"`
	EntityType EntityType      `db:"entity_type" json:"entity_type"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	SyncStatus SyncStatus      `db:"sync_status" json:"sync_status"`
	RemoteRef  string          `db:"remote_ref" json:"remote_ref,omitempty"`
	Deleted    bool            `db:"deleted" json:"deleted"`
	CreatedAt  int64           `db:"created_at" json:"created_at"` // epoch ms
	UpdatedAt  int64           `db:"updated_at" json:"updated_at"` // epoch ms
}

// TableName returns the table name for Record.
func (Record) TableName() string {
	return "records"
}

// CreatedAtTime returns CreatedAt as time.Time.
func (r *Record) CreatedAtTime() time.Time {
	return time.UnixMilli(r.CreatedAt)
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (r *Record) UpdatedAtTime() time.Time {
	return time.UnixMilli(r.UpdatedAt)
}

// Touch bumps UpdatedAt and resets the record to pending. UpdatedAt is
// monotonically non-decreasing per record even if the wall clock steps
// backwards between two fast edits.
func (r *Record) Touch() {
	now := NowMillis()
	if now <= r.UpdatedAt {
		now = r.UpdatedAt + 1
	}
	r.UpdatedAt = now
	r.SyncStatus = SyncStatusPending
}

// NowMillis returns the current time in epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
