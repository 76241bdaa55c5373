// Package remote provides the adapter between queue items and the
// cloud-drive object store holding the user's synced data.
//
// The remote store is a dumb versioned blob container in an app-private
// scope of the user's own drive account: one JSON object per entity (or per
// day for day-aggregated types), named deterministically so the adapter can
// find-or-create without a separate index.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/mwaldrop/reverie/internal/models"
)

// ErrDone is returned by Listing.Next when the stream is exhausted.
var ErrDone = errors.New("remote: no more objects")

// TokenProvider supplies bearer credentials for remote calls. It is owned
// by the authentication collaborator; the engine never refreshes or stores
// credentials itself. An expired or revoked credential surfaces as an
// auth-class error (errors.ErrSyncAuthExpired).
type TokenProvider interface {
	GetValidAccessToken(ctx context.Context) (string, error)
}

// Object is one remote object as seen by the engine.
type Object struct {
	Ref       string // opaque remote handle
	Key       string // deterministic object key
	Payload   []byte // domain payload (JSON)
	UpdatedAt int64  // epoch ms, mirrored from the payload document
}

// Listing is a lazy, finite, restartable stream of remote objects.
// Pagination happens under the hood; callers see one logical sequence.
type Listing interface {
	// Next returns the next object, or ErrDone when the stream ends.
	Next(ctx context.Context) (*Object, error)
}

// Adapter maps queue items to remote object-store operations. All calls
// are time-bounded and cancellable; a call that exceeds its timeout is a
// transient failure, not a permanent one.
type Adapter interface {
	// FindOrCreate locates the object for (entityType, entityID), creating
	// it with payload if absent, and returns its ref.
	FindOrCreate(ctx context.Context, entityType models.EntityType, entityID string, payload []byte) (string, error)

	// Update overwrites the object's payload.
	Update(ctx context.Context, ref string, payload []byte) error

	// Read returns the object's payload.
	Read(ctx context.Context, ref string) (*Object, error)

	// Delete removes the object for (entityType, entityID). Deleting an
	// object that never existed remotely is a success, so a coalesced
	// create-then-delete costs nothing.
	Delete(ctx context.Context, entityType models.EntityType, entityID string) error

	// List streams every object of one entity type.
	List(entityType models.EntityType) Listing
}

// ObjectKey returns the deterministic remote key for an entity. For
// day-aggregated types the entity ID is the YYYY-MM-DD date, so the key is
// {entityType}-{date}; for everything else it is {entityType}-{entityId}.
func ObjectKey(entityType models.EntityType, entityID string) string {
	return fmt.Sprintf("%s-%s", entityType, entityID)
}
