// Package store provides the authoritative on-device record store.
//
// All local-first writes land here first and are durable before any network
// step occurs. Every mutating call records a change-log row, enqueues the
// matching remote operation in the same transaction (when a queue is
// attached), and notifies live subscribers synchronously after commit.
package store

import (
	"database/sql"
	"fmt"

	"github.com/mwaldrop/reverie/internal/db"
	apperrors "github.com/mwaldrop/reverie/internal/errors"
	"github.com/mwaldrop/reverie/internal/models"
	"github.com/mwaldrop/reverie/internal/uuid"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = apperrors.New(apperrors.ErrNotFound, "record not found")

// Enqueuer enqueues a remote operation inside an existing store transaction.
// Implemented by queue.MutationQueue; injected so the store stays free of a
// package cycle and so tests can run the store without a queue.
type Enqueuer interface {
	EnqueueTx(tx *sql.Tx, entityType models.EntityType, entityID string, op models.Operation) error
}

// Store is the Local Store: durable, queryable storage for syncable records
// with change notification for subscribers. A Store handle is injected into
// the sync processor and hydration service; there is no global instance.
type Store struct {
	db    *db.DB
	locks *keyedLocks
	subs  *subscriberSet
	queue Enqueuer // optional
}

// New creates a Store over an opened database.
func New(database *db.DB) *Store {
	return &Store{
		db:    database,
		locks: newKeyedLocks(),
		subs:  newSubscriberSet(),
	}
}

// AttachQueue wires the mutation queue so that every local mutation and its
// queue item commit atomically. Must be called before the first write.
func (s *Store) AttachQueue(q Enqueuer) {
	s.queue = q
}

// Get retrieves a record by entity type and id.
func (s *Store) Get(entityType models.EntityType, id string) (*models.Record, error) {
	return s.get(s.db.DB, entityType, id)
}

type querier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

func (s *Store) get(q querier, entityType models.EntityType, id string) (*models.Record, error) {
	query := `
	SELECT id, entity_type, payload, sync_status, remote_ref, deleted, created_at, updated_at
	FROM records WHERE entity_type = ? AND id = ?
	`
	var rec models.Record
	var payload []byte
	var remoteRef sql.NullString
	err := q.QueryRow(query, entityType, id).Scan(
		&rec.ID, &rec.EntityType, &payload, &rec.SyncStatus,
		&remoteRef, &rec.Deleted, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to get record", err)
	}
	rec.Payload = payload
	if remoteRef.Valid {
		rec.RemoteRef = remoteRef.String
	}
	return &rec, nil
}

// Upsert writes a record. It bumps UpdatedAt, resets sync status to pending,
// and enqueues a create (new record) or update (existing record) operation
// atomically with the write.
func (s *Store) Upsert(entityType models.EntityType, rec *models.Record) error {
	if !entityType.Valid() {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown entity type %q", entityType))
	}
	rec.EntityType = entityType

	unlock := s.locks.lock(lockKey(entityType, string(rec.ID)))
	defer unlock()

	var committed *models.Record
	err := s.inTx(func(tx *sql.Tx) error {
		existing, err := s.get(tx, entityType, string(rec.ID))
		if err != nil && err != ErrNotFound {
			return err
		}

		op := models.OperationUpdate
		if existing == nil {
			op = models.OperationCreate
			if rec.CreatedAt == 0 {
				rec.CreatedAt = models.NowMillis()
			}
			rec.UpdatedAt = rec.CreatedAt
			rec.SyncStatus = models.SyncStatusPending
		} else {
			rec.CreatedAt = existing.CreatedAt
			rec.RemoteRef = existing.RemoteRef
			rec.UpdatedAt = existing.UpdatedAt
			rec.Touch()
		}

		if err := s.write(tx, rec); err != nil {
			return err
		}
		if err := s.logChange(tx, entityType, string(rec.ID), op); err != nil {
			return err
		}
		if s.queue != nil {
			if err := s.queue.EnqueueTx(tx, entityType, string(rec.ID), op); err != nil {
				return err
			}
		}
		committed = rec
		return nil
	})
	if err != nil {
		return err
	}

	s.subs.notify(committed)
	return nil
}

// Modify applies fn to the current record state under the per-record lock,
// inside a single transaction. Two concurrent edits to the same record are
// serialized; neither silently overwrites the other.
func (s *Store) Modify(entityType models.EntityType, id string, fn func(*models.Record) error) error {
	unlock := s.locks.lock(lockKey(entityType, id))
	defer unlock()

	var committed *models.Record
	err := s.inTx(func(tx *sql.Tx) error {
		rec, err := s.get(tx, entityType, id)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		rec.Touch()
		if err := s.write(tx, rec); err != nil {
			return err
		}
		if err := s.logChange(tx, entityType, id, models.OperationUpdate); err != nil {
			return err
		}
		if s.queue != nil {
			if err := s.queue.EnqueueTx(tx, entityType, id, models.OperationUpdate); err != nil {
				return err
			}
		}
		committed = rec
		return nil
	})
	if err != nil {
		return err
	}

	s.subs.notify(committed)
	return nil
}

// MarkDeleted soft-deletes a record locally and enqueues the remote delete.
// The row is removed only after the remote delete is acknowledged
// (CommitDelete); until then the record stays queryable with Deleted set.
func (s *Store) MarkDeleted(entityType models.EntityType, id string) error {
	unlock := s.locks.lock(lockKey(entityType, id))
	defer unlock()

	var committed *models.Record
	err := s.inTx(func(tx *sql.Tx) error {
		rec, err := s.get(tx, entityType, id)
		if err != nil {
			return err
		}
		rec.Deleted = true
		rec.Touch()
		if err := s.write(tx, rec); err != nil {
			return err
		}
		if err := s.logChange(tx, entityType, id, models.OperationDelete); err != nil {
			return err
		}
		if s.queue != nil {
			if err := s.queue.EnqueueTx(tx, entityType, id, models.OperationDelete); err != nil {
				return err
			}
		}
		committed = rec
		return nil
	})
	if err != nil {
		return err
	}

	s.subs.notify(committed)
	return nil
}

// CommitDelete removes a record after the remote delete was acknowledged.
// This is the only path that hard-deletes a record.
func (s *Store) CommitDelete(entityType models.EntityType, id string) error {
	unlock := s.locks.lock(lockKey(entityType, id))
	defer unlock()

	var committed *models.Record
	err := s.inTx(func(tx *sql.Tx) error {
		rec, err := s.get(tx, entityType, id)
		if err == ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM records WHERE entity_type = ? AND id = ?", entityType, id); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete record", err)
		}
		rec.Deleted = true
		committed = rec
		return nil
	})
	if err != nil {
		return err
	}

	if committed != nil {
		s.subs.notify(committed)
	}
	return nil
}

// MarkSyncing flips a record to syncing, but only if it has not been edited
// since observedUpdatedAt. A record edited mid-sync stays pending.
func (s *Store) MarkSyncing(entityType models.EntityType, id string, observedUpdatedAt int64) error {
	return s.setStatusIfUnchanged(entityType, id, models.SyncStatusSyncing, observedUpdatedAt)
}

// MarkSynced records a successful push: stores the remote object ref and
// flips the record to synced, unless the record was edited mid-sync (in
// which case only the ref is stored and the record stays pending for the
// next drain).
func (s *Store) MarkSynced(entityType models.EntityType, id, remoteRef string, observedUpdatedAt int64) error {
	unlock := s.locks.lock(lockKey(entityType, id))
	defer unlock()

	return s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"UPDATE records SET remote_ref = ? WHERE entity_type = ? AND id = ?",
			remoteRef, entityType, id,
		); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to store remote ref", err)
		}
		_, err := tx.Exec(
			"UPDATE records SET sync_status = ? WHERE entity_type = ? AND id = ? AND updated_at = ?",
			models.SyncStatusSynced, entityType, id, observedUpdatedAt,
		)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to mark record synced", err)
		}
		return nil
	})
}

// MarkError flags a record whose sync permanently failed.
func (s *Store) MarkError(entityType models.EntityType, id string) error {
	return s.setStatusIfUnchanged(entityType, id, models.SyncStatusError, -1)
}

func (s *Store) setStatusIfUnchanged(entityType models.EntityType, id string, status models.SyncStatus, observedUpdatedAt int64) error {
	unlock := s.locks.lock(lockKey(entityType, id))
	defer unlock()

	query := "UPDATE records SET sync_status = ? WHERE entity_type = ? AND id = ?"
	args := []interface{}{status, entityType, id}
	if observedUpdatedAt >= 0 {
		query += " AND updated_at = ?"
		args = append(args, observedUpdatedAt)
	}
	if _, err := s.db.Exec(query, args...); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to update sync status", err)
	}
	return nil
}

// ApplyRemote writes a record that arrived from the remote store during
// hydration or a download. The write bypasses the mutation queue and lands
// already synced; subscribers are still notified.
func (s *Store) ApplyRemote(rec *models.Record) error {
	unlock := s.locks.lock(lockKey(rec.EntityType, string(rec.ID)))
	defer unlock()

	rec.SyncStatus = models.SyncStatusSynced
	if rec.CreatedAt == 0 {
		rec.CreatedAt = rec.UpdatedAt
	}

	err := s.inTx(func(tx *sql.Tx) error {
		return s.write(tx, rec)
	})
	if err != nil {
		return err
	}

	s.subs.notify(rec)
	return nil
}

// List returns all records of one entity type, newest first.
func (s *Store) List(entityType models.EntityType) ([]*models.Record, error) {
	query := `
	SELECT id, entity_type, payload, sync_status, remote_ref, deleted, created_at, updated_at
	FROM records WHERE entity_type = ? AND deleted = 0
	ORDER BY updated_at DESC
	`
	rows, err := s.db.Query(query, entityType)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list records", err)
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		var rec models.Record
		var payload []byte
		var remoteRef sql.NullString
		if err := rows.Scan(
			&rec.ID, &rec.EntityType, &payload, &rec.SyncStatus,
			&remoteRef, &rec.Deleted, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan record", err)
		}
		rec.Payload = payload
		if remoteRef.Valid {
			rec.RemoteRef = remoteRef.String
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// PendingSyncCount returns the number of records not yet synced, for UI
// sync-status indicators.
func (s *Store) PendingSyncCount() (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM records WHERE sync_status IN (?, ?)",
		models.SyncStatusPending, models.SyncStatusSyncing,
	).Scan(&count)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to count pending records", err)
	}
	return count, nil
}

// write upserts the record row inside tx.
func (s *Store) write(tx *sql.Tx, rec *models.Record) error {
	query := `
	INSERT INTO records (id, entity_type, payload, sync_status, remote_ref, deleted, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (entity_type, id) DO UPDATE SET
		payload = excluded.payload,
		sync_status = excluded.sync_status,
		remote_ref = excluded.remote_ref,
		deleted = excluded.deleted,
		updated_at = excluded.updated_at
	`
	var remoteRef interface{}
	if rec.RemoteRef != "" {
		remoteRef = rec.RemoteRef
	}
	_, err := tx.Exec(query,
		rec.ID, rec.EntityType, string(rec.Payload), rec.SyncStatus,
		remoteRef, rec.Deleted, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to write record", err)
	}
	return nil
}

// logChange records a committed mutation in the change log.
func (s *Store) logChange(tx *sql.Tx, entityType models.EntityType, id string, op models.Operation) error {
	_, err := tx.Exec(
		"INSERT INTO change_log (id, entity_type, entity_id, operation, timestamp) VALUES (?, ?, ?, ?, ?)",
		uuid.New(), entityType, id, op, models.NowMillis(),
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to write change log", err)
	}
	return nil
}

// LogConflict records a resolved conflict for user awareness.
func (s *Store) LogConflict(entry *models.ConflictLog) error {
	if entry.ID == "" {
		entry.ID = models.UUID(uuid.New())
	}
	if entry.DetectedAt == 0 {
		entry.DetectedAt = models.NowMillis()
	}
	_, err := s.db.Exec(
		"INSERT INTO conflict_log (id, entity_type, entity_id, local_timestamp, remote_timestamp, resolution, detected_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		entry.ID, entry.EntityType, entry.EntityID,
		entry.LocalTimestamp, entry.RemoteTimestamp, entry.Resolution, entry.DetectedAt,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to write conflict log", err)
	}
	return nil
}

// ListConflicts returns the most recent resolved conflicts, newest first.
func (s *Store) ListConflicts(limit int) ([]*models.ConflictLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		"SELECT id, entity_type, entity_id, local_timestamp, remote_timestamp, resolution, detected_at FROM conflict_log ORDER BY detected_at DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list conflicts", err)
	}
	defer rows.Close()

	var entries []*models.ConflictLog
	for rows.Next() {
		var e models.ConflictLog
		if err := rows.Scan(
			&e.ID, &e.EntityType, &e.EntityID,
			&e.LocalTimestamp, &e.RemoteTimestamp, &e.Resolution, &e.DetectedAt,
		); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan conflict", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// GetState reads a sync_state value. Missing keys return "".
func (s *Store) GetState(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM sync_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrDatabase, "failed to read sync state", err)
	}
	return value, nil
}

// SetState writes a sync_state value.
func (s *Store) SetState(key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO sync_state (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to write sync state", err)
	}
	return nil
}

// inTx runs fn inside a transaction.
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to commit transaction", err)
	}
	return nil
}

func lockKey(entityType models.EntityType, id string) string {
	return string(entityType) + "/" + id
}
