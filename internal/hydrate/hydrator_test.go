package hydrate

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/mwaldrop/reverie/internal/db"
	apperrors "github.com/mwaldrop/reverie/internal/errors"
	"github.com/mwaldrop/reverie/internal/models"
	"github.com/mwaldrop/reverie/internal/remote"
	"github.com/mwaldrop/reverie/internal/store"
)

// fakeRemote serves a fixed set of remote objects per entity type.
type fakeRemote struct {
	objects map[models.EntityType][]*remote.Object
	listErr error
}

func (f *fakeRemote) FindOrCreate(ctx context.Context, entityType models.EntityType, entityID string, payload []byte) (string, error) {
	return "", apperrors.New(apperrors.ErrInternal, "not used in hydration")
}

func (f *fakeRemote) Update(ctx context.Context, ref string, payload []byte) error {
	return apperrors.New(apperrors.ErrInternal, "not used in hydration")
}

func (f *fakeRemote) Read(ctx context.Context, ref string) (*remote.Object, error) {
	return nil, apperrors.New(apperrors.ErrNotFound, "not used in hydration")
}

func (f *fakeRemote) Delete(ctx context.Context, entityType models.EntityType, entityID string) error {
	return apperrors.New(apperrors.ErrInternal, "not used in hydration")
}

func (f *fakeRemote) List(entityType models.EntityType) remote.Listing {
	return &fakeListing{objs: f.objects[entityType], err: f.listErr}
}

type fakeListing struct {
	objs []*remote.Object
	err  error
	i    int
}

func (l *fakeListing) Next(ctx context.Context) (*remote.Object, error) {
	if l.err != nil {
		return nil, l.err
	}
	if l.i >= len(l.objs) {
		return nil, remote.ErrDone
	}
	obj := l.objs[l.i]
	l.i++
	return obj, nil
}

func remoteObject(t *testing.T, entityType models.EntityType, id string, updatedAt int64, payload string) *remote.Object {
	t.Helper()
	doc, err := models.EncodeRemote(&models.Record{
		ID:         models.UUID(id),
		EntityType: entityType,
		Payload:    json.RawMessage(payload),
		CreatedAt:  updatedAt,
		UpdatedAt:  updatedAt,
	})
	if err != nil {
		t.Fatalf("EncodeRemote failed: %v", err)
	}
	return &remote.Object{
		Ref:       "ref-" + id,
		Key:       remote.ObjectKey(entityType, id),
		Payload:   doc,
		UpdatedAt: updatedAt,
	}
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.NewMigrator(database.DB).Up(); err != nil {
		t.Fatalf("migration failed: %v", err)
	}
	return store.New(database)
}

// TestHydrateEmptyDevice tests first-run hydration onto an empty store.
func TestHydrateEmptyDevice(t *testing.T) {
	st := testStore(t)
	fake := &fakeRemote{objects: map[models.EntityType][]*remote.Object{
		models.EntityCapture: {
			remoteObject(t, models.EntityCapture, "a", 100, `{"text":"one"}`),
			remoteObject(t, models.EntityCapture, "b", 200, `{"text":"two"}`),
		},
		models.EntityCheckIn: {
			remoteObject(t, models.EntityCheckIn, "2026-08-28", 300, `{"entries":[]}`),
		},
	}}

	h := New(st, fake)
	result, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Applied != 3 {
		t.Errorf("Expected 3 applied, got %+v", result)
	}

	rec, err := st.Get(models.EntityCapture, "a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.SyncStatus != models.SyncStatusSynced {
		t.Errorf("Expected synced, got %s", rec.SyncStatus)
	}
	if rec.RemoteRef != "ref-a" {
		t.Errorf("Expected remote ref, got %q", rec.RemoteRef)
	}

	hydrated, err := h.Hydrated()
	if err != nil {
		t.Fatalf("Hydrated failed: %v", err)
	}
	if !hydrated {
		t.Error("Expected hydration marker to be set")
	}
}

// TestHydrateIdempotent tests that a second run over the same remote set
// changes nothing.
func TestHydrateIdempotent(t *testing.T) {
	st := testStore(t)
	objects := map[models.EntityType][]*remote.Object{}
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("00000000-0000-4000-8000-00000000000%d", i)
		objects[models.EntityMemoryDoc] = append(objects[models.EntityMemoryDoc],
			remoteObject(t, models.EntityMemoryDoc, id, int64(100+i), `{"n":`+fmt.Sprint(i)+`}`))
	}
	fake := &fakeRemote{objects: objects}
	h := New(st, fake)

	if _, err := h.Run(context.Background()); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	first, err := st.List(models.EntityMemoryDoc)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	second, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if second.Applied != 0 {
		t.Errorf("Expected no applies on second run, got %+v", second)
	}
	if second.Unchanged != 10 {
		t.Errorf("Expected 10 unchanged, got %+v", second)
	}

	after, _ := st.List(models.EntityMemoryDoc)
	if len(after) != len(first) {
		t.Fatalf("Snapshot changed: %d vs %d records", len(first), len(after))
	}
	for i := range first {
		if first[i].UpdatedAt != after[i].UpdatedAt || string(first[i].Payload) != string(after[i].Payload) {
			t.Errorf("Record %s changed across runs", first[i].ID)
		}
	}
}

// TestHydrateResolvesConflicts tests the resolver integration: newer
// remote replaces local, newer local survives.
func TestHydrateResolvesConflicts(t *testing.T) {
	st := testStore(t)

	// Local record that is older than the remote copy.
	if err := st.ApplyRemote(&models.Record{
		ID: "stale", EntityType: models.EntityCapture,
		Payload: json.RawMessage(`{"v":"old"}`), CreatedAt: 50, UpdatedAt: 50,
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	// Local record that is newer than the remote copy.
	if err := st.ApplyRemote(&models.Record{
		ID: "fresh", EntityType: models.EntityCapture,
		Payload: json.RawMessage(`{"v":"newer-local"}`), CreatedAt: 50, UpdatedAt: 500,
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	fake := &fakeRemote{objects: map[models.EntityType][]*remote.Object{
		models.EntityCapture: {
			remoteObject(t, models.EntityCapture, "stale", 100, `{"v":"new"}`),
			remoteObject(t, models.EntityCapture, "fresh", 100, `{"v":"older-remote"}`),
		},
	}}

	h := New(st, fake)
	result, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Conflicts != 1 {
		t.Errorf("Expected 1 logged conflict, got %+v", result)
	}
	if result.LocalKept != 1 {
		t.Errorf("Expected 1 local win, got %+v", result)
	}

	stale, _ := st.Get(models.EntityCapture, "stale")
	if string(stale.Payload) != `{"v":"new"}` {
		t.Errorf("Expected remote to win for stale record, got %s", stale.Payload)
	}
	fresh, _ := st.Get(models.EntityCapture, "fresh")
	if string(fresh.Payload) != `{"v":"newer-local"}` {
		t.Errorf("Expected local to win for fresh record, got %s", fresh.Payload)
	}

	entries, _ := st.ListConflicts(10)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 conflict log entry, got %d", len(entries))
	}
	if entries[0].Resolution != "remote_wins" {
		t.Errorf("Expected remote_wins, got %s", entries[0].Resolution)
	}
}

// TestHydrateSkipsCorruptObjects tests that one bad object does not stop
// the run.
func TestHydrateSkipsCorruptObjects(t *testing.T) {
	st := testStore(t)
	fake := &fakeRemote{objects: map[models.EntityType][]*remote.Object{
		models.EntityCapture: {
			{Ref: "ref-bad", Key: "capture-bad", Payload: []byte("not json"), UpdatedAt: 10},
			remoteObject(t, models.EntityCapture, "good", 100, `{"v":1}`),
		},
	}}

	h := New(st, fake)
	result, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Corrupt != 1 {
		t.Errorf("Expected 1 corrupt skip, got %+v", result)
	}
	if result.Applied != 1 {
		t.Errorf("Expected the good object applied, got %+v", result)
	}
}

// TestHydrateAuthFailureAborts tests that a dead credential stops the run
// without setting the hydration marker.
func TestHydrateAuthFailureAborts(t *testing.T) {
	st := testStore(t)
	fake := &fakeRemote{
		objects: map[models.EntityType][]*remote.Object{},
		listErr: apperrors.New(apperrors.ErrSyncAuthExpired, "token revoked"),
	}

	h := New(st, fake)
	if _, err := h.Run(context.Background()); !apperrors.IsAuth(err) {
		t.Fatalf("Expected auth error, got %v", err)
	}

	hydrated, _ := h.Hydrated()
	if hydrated {
		t.Error("Expected no hydration marker after abort")
	}
}
