// Package queue provides the durable mutation queue: an ordered,
// deduplicated backlog of pending remote operations that survives process
// restart.
package queue

import (
	"database/sql"

	"github.com/mwaldrop/reverie/internal/db"
	apperrors "github.com/mwaldrop/reverie/internal/errors"
	"github.com/mwaldrop/reverie/internal/logging"
	"github.com/mwaldrop/reverie/internal/models"
)

// RetryCeiling is the number of retries an item gets after its first
// attempt. Once exceeded, the item is dropped and the error surfaced.
const RetryCeiling = 3

// MutationQueue is a single-writer queue persisted in SQLite. Enqueue,
// Drain, Complete and Fail are atomic with respect to each other.
//
// Invariant: at most one effective (not in-flight) item exists per
// (entity_type, entity_id). Duplicate enqueues coalesce instead of
// stacking, so a fast series of edits costs one remote round trip.
type MutationQueue struct {
	db *db.DB
}

// New creates a MutationQueue over an opened database.
func New(database *db.DB) *MutationQueue {
	return &MutationQueue{db: database}
}

// Recover resets items left in-flight by a crashed process back to pending.
// Must be called once at startup before the first drain.
func (q *MutationQueue) Recover() error {
	tx, err := q.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	// An in-flight item whose entity gained a fresh pending item before the
	// crash is superseded; resurrecting it would both duplicate work and
	// violate the one-effective-item invariant.
	if _, err := tx.Exec(`
		DELETE FROM mutation_queue WHERE in_flight = 1 AND EXISTS (
			SELECT 1 FROM mutation_queue p
			WHERE p.entity_type = mutation_queue.entity_type
			  AND p.entity_id = mutation_queue.entity_id
			  AND p.in_flight = 0
		)`); err != nil {
		return apperrors.Wrap(apperrors.ErrQueueIntegrity, "failed to drop superseded in-flight items", err)
	}

	res, err := tx.Exec("UPDATE mutation_queue SET in_flight = 0 WHERE in_flight = 1")
	if err != nil {
		return apperrors.Wrap(apperrors.ErrQueueIntegrity, "failed to recover in-flight items", err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to commit recovery", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		logging.Warn("Recovered in-flight queue items from previous run",
			map[string]interface{}{"count": n})
	}
	return nil
}

// Enqueue records an outstanding remote operation in its own transaction.
// Callers inside a store transaction use EnqueueTx instead.
func (q *MutationQueue) Enqueue(entityType models.EntityType, entityID string, op models.Operation) error {
	tx, err := q.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := q.EnqueueTx(tx, entityType, entityID, op); err != nil {
		return err
	}
	return tx.Commit()
}

// EnqueueTx enqueues inside an existing transaction, so a local mutation
// and its queue item commit atomically.
//
// Coalescing rules for an existing pending item on the same entity:
//   - delete always wins over a pending create or update
//   - a pending create absorbs a later update (the remote object does not
//     exist yet, and the payload is read from the store at push time)
//   - anything after a pending delete becomes an update (the record was
//     resurrected locally; the processor falls back to find-or-create when
//     the record carries no remote ref)
func (q *MutationQueue) EnqueueTx(tx *sql.Tx, entityType models.EntityType, entityID string, op models.Operation) error {
	if !op.Valid() {
		return apperrors.New(apperrors.ErrInvalid, "unknown queue operation")
	}

	var seq int64
	var existing models.Operation
	err := tx.QueryRow(
		"SELECT sequence_id, operation FROM mutation_queue WHERE entity_type = ? AND entity_id = ? AND in_flight = 0",
		entityType, entityID,
	).Scan(&seq, &existing)

	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(
			"INSERT INTO mutation_queue (entity_type, entity_id, operation, enqueued_at, retry_count) VALUES (?, ?, ?, ?, 0)",
			entityType, entityID, op, models.NowMillis(),
		)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to enqueue", err)
		}
		return nil

	case err != nil:
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to look up pending item", err)
	}

	merged := coalesce(existing, op)
	if merged == existing {
		return nil
	}
	_, err = tx.Exec(
		"UPDATE mutation_queue SET operation = ? WHERE sequence_id = ?",
		merged, seq,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to coalesce queue item", err)
	}
	return nil
}

// coalesce merges a new operation into an existing pending one.
func coalesce(existing, next models.Operation) models.Operation {
	switch {
	case next == models.OperationDelete:
		return models.OperationDelete
	case existing == models.OperationCreate:
		return models.OperationCreate
	case existing == models.OperationDelete:
		return models.OperationUpdate
	default:
		return next
	}
}

// Drain atomically claims every pending item, FIFO by sequence id, and
// marks them in-flight. Mutations enqueued while a claimed item is being
// processed create fresh items, so the latest local state always reaches
// the remote eventually.
func (q *MutationQueue) Drain() ([]*models.QueueItem, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		"SELECT sequence_id, entity_type, entity_id, operation, enqueued_at, retry_count FROM mutation_queue WHERE in_flight = 0 ORDER BY sequence_id ASC",
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read queue", err)
	}

	var items []*models.QueueItem
	for rows.Next() {
		var item models.QueueItem
		if err := rows.Scan(
			&item.SequenceID, &item.EntityType, &item.EntityID,
			&item.Operation, &item.EnqueuedAt, &item.RetryCount,
		); err != nil {
			rows.Close()
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan queue item", err)
		}
		items = append(items, &item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read queue", err)
	}

	for _, item := range items {
		if _, err := tx.Exec(
			"UPDATE mutation_queue SET in_flight = 1 WHERE sequence_id = ?",
			item.SequenceID,
		); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to claim queue item", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to commit drain", err)
	}
	return items, nil
}

// Complete removes a confirmed item from the queue.
func (q *MutationQueue) Complete(sequenceID int64) error {
	_, err := q.db.Exec("DELETE FROM mutation_queue WHERE sequence_id = ?", sequenceID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to complete queue item", err)
	}
	return nil
}

// Fail records a transient failure. The item is re-enqueued with an
// incremented retry count, unless the count exceeds RetryCeiling, in which
// case the item is dropped and requeued=false is returned so the caller can
// surface an error event.
//
// If a fresh item for the same entity was enqueued while this one was in
// flight, this one is superseded and silently dropped: the fresh item
// carries the later intent.
func (q *MutationQueue) Fail(sequenceID int64) (requeued bool, err error) {
	tx, err := q.db.Begin()
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	var item models.QueueItem
	err = tx.QueryRow(
		"SELECT sequence_id, entity_type, entity_id, operation, retry_count FROM mutation_queue WHERE sequence_id = ?",
		sequenceID,
	).Scan(&item.SequenceID, &item.EntityType, &item.EntityID, &item.Operation, &item.RetryCount)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to look up queue item", err)
	}

	item.RetryCount++

	if item.RetryCount > RetryCeiling {
		if _, err := tx.Exec("DELETE FROM mutation_queue WHERE sequence_id = ?", sequenceID); err != nil {
			return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to drop exhausted item", err)
		}
		if err := tx.Commit(); err != nil {
			return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to commit", err)
		}
		logging.Warn("Queue item dropped after retry ceiling",
			map[string]interface{}{
				"entity_type": item.EntityType,
				"entity_id":   item.EntityID,
				"operation":   item.Operation,
				"retries":     RetryCeiling,
			})
		return false, nil
	}

	// Superseded by a fresh pending item for the same entity?
	var superseded int
	err = tx.QueryRow(
		"SELECT COUNT(*) FROM mutation_queue WHERE entity_type = ? AND entity_id = ? AND in_flight = 0",
		item.EntityType, item.EntityID,
	).Scan(&superseded)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to check supersession", err)
	}
	if superseded > 0 {
		if _, err := tx.Exec("DELETE FROM mutation_queue WHERE sequence_id = ?", sequenceID); err != nil {
			return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to drop superseded item", err)
		}
		if err := tx.Commit(); err != nil {
			return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to commit", err)
		}
		return true, nil
	}

	_, err = tx.Exec(
		"UPDATE mutation_queue SET in_flight = 0, retry_count = ? WHERE sequence_id = ?",
		item.RetryCount, sequenceID,
	)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to re-enqueue item", err)
	}
	if err := tx.Commit(); err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to commit", err)
	}
	return true, nil
}

// Release returns an unprocessed in-flight item to the queue without
// counting a retry. Used when a drain cycle is cancelled between items.
// A superseding pending item for the same entity wins; the released item
// is dropped.
func (q *MutationQueue) Release(sequenceID int64) error {
	tx, err := q.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	var entityType, entityID string
	err = tx.QueryRow(
		"SELECT entity_type, entity_id FROM mutation_queue WHERE sequence_id = ?",
		sequenceID,
	).Scan(&entityType, &entityID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to look up queue item", err)
	}

	var superseded int
	err = tx.QueryRow(
		"SELECT COUNT(*) FROM mutation_queue WHERE entity_type = ? AND entity_id = ? AND in_flight = 0",
		entityType, entityID,
	).Scan(&superseded)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to check supersession", err)
	}

	if superseded > 0 {
		_, err = tx.Exec("DELETE FROM mutation_queue WHERE sequence_id = ?", sequenceID)
	} else {
		_, err = tx.Exec("UPDATE mutation_queue SET in_flight = 0 WHERE sequence_id = ?", sequenceID)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to release queue item", err)
	}
	return tx.Commit()
}

// Len returns the number of items currently in the queue, in-flight
// included.
func (q *MutationQueue) Len() (int, error) {
	var count int
	if err := q.db.QueryRow("SELECT COUNT(*) FROM mutation_queue").Scan(&count); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to count queue", err)
	}
	return count, nil
}
