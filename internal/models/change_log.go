// Package models provides data model definitions for the Reverie sync engine.
package models

import "time"

// ChangeLog tracks committed local mutations for sync statistics and the
// no-lost-update audit trail.
type ChangeLog struct {
	ID         UUID       `db:"id" json:"id"`
	EntityType EntityType `db:"entity_type" json:"entity_type"`
	EntityID   string     `db:"entity_id" json:"entity_id"`
	Operation  Operation  `db:"operation" json:"operation"`
	Timestamp  int64      `db:"timestamp" json:"timestamp"` // epoch ms
}

// TableName returns the table name for ChangeLog.
func (ChangeLog) TableName() string {
	return "change_log"
}

// Time returns the Timestamp as time.Time.
func (c *ChangeLog) Time() time.Time {
	return time.UnixMilli(c.Timestamp)
}
