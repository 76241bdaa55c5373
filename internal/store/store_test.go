package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/mwaldrop/reverie/internal/db"
	"github.com/mwaldrop/reverie/internal/models"
	"github.com/mwaldrop/reverie/internal/queue"
)

func testStore(t *testing.T) (*Store, *queue.MutationQueue) {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := db.NewMigrator(database.DB).Up(); err != nil {
		t.Fatalf("migration failed: %v", err)
	}

	st := New(database)
	q := queue.New(database)
	st.AttachQueue(q)
	return st, q
}

// TestUpsertAndGet tests the basic write/read cycle.
func TestUpsertAndGet(t *testing.T) {
	st, q := testStore(t)

	rec := &models.Record{ID: "a", Payload: json.RawMessage(`{"text":"hello"}`)}
	if err := st.Upsert(models.EntityCapture, rec); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := st.Get(models.EntityCapture, "a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.SyncStatus != models.SyncStatusPending {
		t.Errorf("Expected pending status, got %s", got.SyncStatus)
	}
	if got.CreatedAt == 0 || got.UpdatedAt == 0 {
		t.Error("Expected timestamps to be set")
	}
	if string(got.Payload) != `{"text":"hello"}` {
		t.Errorf("Unexpected payload: %s", got.Payload)
	}

	// The queue item committed with the write.
	items, err := q.Drain()
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(items) != 1 || items[0].Operation != models.OperationCreate {
		t.Fatalf("Expected one create item, got %+v", items)
	}
}

// TestUpsertExistingEnqueuesUpdate tests that a second write becomes an
// update and advances UpdatedAt.
func TestUpsertExistingEnqueuesUpdate(t *testing.T) {
	st, q := testStore(t)

	rec := &models.Record{ID: "a", Payload: json.RawMessage(`{"v":1}`)}
	if err := st.Upsert(models.EntityCapture, rec); err != nil {
		t.Fatalf("first Upsert failed: %v", err)
	}
	first, _ := st.Get(models.EntityCapture, "a")

	if err := st.Upsert(models.EntityCapture, &models.Record{
		ID: "a", Payload: json.RawMessage(`{"v":2}`),
	}); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}
	second, _ := st.Get(models.EntityCapture, "a")

	if second.UpdatedAt <= first.UpdatedAt {
		t.Errorf("Expected UpdatedAt to advance: %d then %d", first.UpdatedAt, second.UpdatedAt)
	}
	if second.CreatedAt != first.CreatedAt {
		t.Error("Expected CreatedAt to be preserved")
	}

	items, _ := q.Drain()
	if len(items) != 1 {
		t.Fatalf("Expected coalesced single item, got %d", len(items))
	}
	if items[0].Operation != models.OperationCreate {
		t.Errorf("Expected create (absorbs the update), got %s", items[0].Operation)
	}
}

// TestModifyConcurrentNoLostUpdates tests that concurrent read-modify-write
// cycles on one record serialize instead of overwriting each other.
func TestModifyConcurrentNoLostUpdates(t *testing.T) {
	st, _ := testStore(t)

	if err := st.Upsert(models.EntityCheckIn, &models.Record{
		ID: "2026-08-28", Payload: json.RawMessage(`{"count":0}`),
	}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := st.Modify(models.EntityCheckIn, "2026-08-28", func(rec *models.Record) error {
				var doc struct {
					Count int `json:"count"`
				}
				if err := json.Unmarshal(rec.Payload, &doc); err != nil {
					return err
				}
				doc.Count++
				rec.Payload = json.RawMessage(fmt.Sprintf(`{"count":%d}`, doc.Count))
				return nil
			})
			if err != nil {
				t.Errorf("Modify failed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := st.Get(models.EntityCheckIn, "2026-08-28")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	var doc struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(got.Payload, &doc); err != nil {
		t.Fatalf("payload unmarshal failed: %v", err)
	}
	if doc.Count != writers {
		t.Errorf("Lost updates: expected count %d, got %d", writers, doc.Count)
	}
}

// TestMarkSyncedStoresRef tests the happy-path status flip.
func TestMarkSyncedStoresRef(t *testing.T) {
	st, _ := testStore(t)

	if err := st.Upsert(models.EntityCapture, &models.Record{
		ID: "a", Payload: json.RawMessage(`{}`),
	}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	rec, _ := st.Get(models.EntityCapture, "a")

	if err := st.MarkSynced(models.EntityCapture, "a", "ref-1", rec.UpdatedAt); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	got, _ := st.Get(models.EntityCapture, "a")
	if got.SyncStatus != models.SyncStatusSynced {
		t.Errorf("Expected synced, got %s", got.SyncStatus)
	}
	if got.RemoteRef != "ref-1" {
		t.Errorf("Expected remote ref, got %q", got.RemoteRef)
	}
}

// TestMarkSyncedAfterMidSyncEdit tests that a record edited while its
// upload was in flight stays pending, but still learns its remote ref.
func TestMarkSyncedAfterMidSyncEdit(t *testing.T) {
	st, _ := testStore(t)

	if err := st.Upsert(models.EntityCapture, &models.Record{
		ID: "a", Payload: json.RawMessage(`{"v":1}`),
	}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	rec, _ := st.Get(models.EntityCapture, "a")
	observed := rec.UpdatedAt

	// Edit lands mid-upload.
	if err := st.Upsert(models.EntityCapture, &models.Record{
		ID: "a", Payload: json.RawMessage(`{"v":2}`),
	}); err != nil {
		t.Fatalf("mid-sync Upsert failed: %v", err)
	}

	if err := st.MarkSynced(models.EntityCapture, "a", "ref-1", observed); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	got, _ := st.Get(models.EntityCapture, "a")
	if got.SyncStatus != models.SyncStatusPending {
		t.Errorf("Expected record to stay pending, got %s", got.SyncStatus)
	}
	if got.RemoteRef != "ref-1" {
		t.Errorf("Expected remote ref to be stored anyway, got %q", got.RemoteRef)
	}
	if string(got.Payload) != `{"v":2}` {
		t.Errorf("Expected latest payload to survive, got %s", got.Payload)
	}
}

// TestDeleteLifecycle tests soft delete followed by remote-acknowledged
// hard delete.
func TestDeleteLifecycle(t *testing.T) {
	st, q := testStore(t)

	if err := st.Upsert(models.EntityCapture, &models.Record{
		ID: "a", Payload: json.RawMessage(`{}`),
	}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if err := st.MarkDeleted(models.EntityCapture, "a"); err != nil {
		t.Fatalf("MarkDeleted failed: %v", err)
	}

	got, err := st.Get(models.EntityCapture, "a")
	if err != nil {
		t.Fatalf("Get after soft delete failed: %v", err)
	}
	if !got.Deleted {
		t.Error("Expected record to be soft-deleted")
	}

	// Soft-deleted records leave listings immediately.
	records, _ := st.List(models.EntityCapture)
	if len(records) != 0 {
		t.Errorf("Expected empty list, got %d records", len(records))
	}

	items, _ := q.Drain()
	if len(items) != 1 || items[0].Operation != models.OperationDelete {
		t.Fatalf("Expected one delete item, got %+v", items)
	}

	if err := st.CommitDelete(models.EntityCapture, "a"); err != nil {
		t.Fatalf("CommitDelete failed: %v", err)
	}
	if _, err := st.Get(models.EntityCapture, "a"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound after hard delete, got %v", err)
	}
}

// TestApplyRemoteBypassesQueue tests hydration writes.
func TestApplyRemoteBypassesQueue(t *testing.T) {
	st, q := testStore(t)

	rec := &models.Record{
		ID:         "a",
		EntityType: models.EntityMemoryDoc,
		Payload:    json.RawMessage(`{"title":"remote"}`),
		RemoteRef:  "ref-9",
		CreatedAt:  100,
		UpdatedAt:  200,
	}
	if err := st.ApplyRemote(rec); err != nil {
		t.Fatalf("ApplyRemote failed: %v", err)
	}

	got, err := st.Get(models.EntityMemoryDoc, "a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.SyncStatus != models.SyncStatusSynced {
		t.Errorf("Expected synced, got %s", got.SyncStatus)
	}
	if got.UpdatedAt != 200 {
		t.Errorf("Expected remote timestamp preserved, got %d", got.UpdatedAt)
	}

	items, _ := q.Drain()
	if len(items) != 0 {
		t.Errorf("Expected no queue items from a remote apply, got %d", len(items))
	}
}

// TestSubscribeReceivesCommits tests change notification.
func TestSubscribeReceivesCommits(t *testing.T) {
	st, _ := testStore(t)

	sub := st.Subscribe(models.EntityCapture, nil)
	defer sub.Cancel()

	if err := st.Upsert(models.EntityCapture, &models.Record{
		ID: "a", Payload: json.RawMessage(`{}`),
	}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	select {
	case rec := <-sub.C:
		if rec.ID != "a" {
			t.Errorf("Expected record a, got %s", rec.ID)
		}
	default:
		t.Fatal("Expected a notification after commit")
	}
}

// TestSubscribeFilter tests filtered subscriptions.
func TestSubscribeFilter(t *testing.T) {
	st, _ := testStore(t)

	sub := st.Subscribe(models.EntityCapture, func(rec *models.Record) bool {
		return rec.ID == "wanted"
	})
	defer sub.Cancel()

	st.Upsert(models.EntityCapture, &models.Record{ID: "other", Payload: json.RawMessage(`{}`)})
	st.Upsert(models.EntityCapture, &models.Record{ID: "wanted", Payload: json.RawMessage(`{}`)})

	select {
	case rec := <-sub.C:
		if rec.ID != "wanted" {
			t.Errorf("Filter leaked record %s", rec.ID)
		}
	default:
		t.Fatal("Expected the matching record")
	}
}

// TestPendingSyncCount tests the UI status counter.
func TestPendingSyncCount(t *testing.T) {
	st, _ := testStore(t)

	st.Upsert(models.EntityCapture, &models.Record{ID: "a", Payload: json.RawMessage(`{}`)})
	st.Upsert(models.EntityCapture, &models.Record{ID: "b", Payload: json.RawMessage(`{}`)})

	count, err := st.PendingSyncCount()
	if err != nil {
		t.Fatalf("PendingSyncCount failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 pending, got %d", count)
	}

	rec, _ := st.Get(models.EntityCapture, "a")
	st.MarkSynced(models.EntityCapture, "a", "ref", rec.UpdatedAt)

	count, _ = st.PendingSyncCount()
	if count != 1 {
		t.Errorf("Expected 1 pending after sync, got %d", count)
	}
}

// TestSyncState tests the key/value sync state store.
func TestSyncState(t *testing.T) {
	st, _ := testStore(t)

	v, err := st.GetState("missing")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if v != "" {
		t.Errorf("Expected empty value for missing key, got %q", v)
	}

	if err := st.SetState("hydrated_at", "123"); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	if err := st.SetState("hydrated_at", "456"); err != nil {
		t.Fatalf("SetState overwrite failed: %v", err)
	}

	v, _ = st.GetState("hydrated_at")
	if v != "456" {
		t.Errorf("Expected 456, got %q", v)
	}
}

// TestLogAndListConflicts tests conflict log persistence.
func TestLogAndListConflicts(t *testing.T) {
	st, _ := testStore(t)

	if err := st.LogConflict(&models.ConflictLog{
		EntityType:      models.EntityCapture,
		EntityID:        "a",
		LocalTimestamp:  100,
		RemoteTimestamp: 200,
		Resolution:      "remote_wins",
	}); err != nil {
		t.Fatalf("LogConflict failed: %v", err)
	}

	entries, err := st.ListConflicts(10)
	if err != nil {
		t.Fatalf("ListConflicts failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	if entries[0].Resolution != "remote_wins" {
		t.Errorf("Unexpected resolution %q", entries[0].Resolution)
	}
	if entries[0].DetectedAt == 0 {
		t.Error("Expected DetectedAt to be filled in")
	}
}
