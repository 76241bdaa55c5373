// Package models provides data model definitions for the Reverie sync engine.
package models

import "time"

// Operation represents the kind of remote mutation a queue item carries.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether the operation is one the queue accepts.
func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// QueueItem represents one outstanding intent to propagate a record's state
// to the remote store. At most one effective item exists per
// (entity_type, entity_id); duplicate enqueues coalesce.
type QueueItem struct {
	SequenceID int64      `db:"sequence_id" json:"sequence_id"`
	EntityType EntityType `db:"entity_type" json:"entity_type"`
	EntityID   string     `db:"entity_id" json:"entity_id"`
	Operation  Operation  `db:"operation" json:"operation"`
	EnqueuedAt int64      `db:"enqueued_at" json:"enqueued_at"` // epoch ms
	RetryCount int        `db:"retry_count" json:"retry_count"`
}

// TableName returns the table name for QueueItem.
func (QueueItem) TableName() string {
	return "mutation_queue"
}

// EnqueuedAtTime returns EnqueuedAt as time.Time.
func (q *QueueItem) EnqueuedAtTime() time.Time {
	return time.UnixMilli(q.EnqueuedAt)
}
