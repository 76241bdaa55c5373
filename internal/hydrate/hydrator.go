// Package hydrate provides first-run hydration: populating an empty or
// stale device from the remote object store.
package hydrate

import (
	"context"
	"strconv"

	"github.com/mwaldrop/reverie/internal/conflict"
	apperrors "github.com/mwaldrop/reverie/internal/errors"
	"github.com/mwaldrop/reverie/internal/logging"
	"github.com/mwaldrop/reverie/internal/models"
	"github.com/mwaldrop/reverie/internal/remote"
	"github.com/mwaldrop/reverie/internal/store"
)

// stateKeyHydratedAt marks a completed hydration in sync_state (epoch ms).
const stateKeyHydratedAt = "hydrated_at"

// Result summarizes one hydration run.
type Result struct {
	Listed    int `json:"listed"`
	Applied   int `json:"applied"`
	Unchanged int `json:"unchanged"`
	LocalKept int `json:"local_kept"`
	Conflicts int `json:"conflicts"`
	Corrupt   int `json:"corrupt"`
}

// Hydrator walks every remote object and merges it into the local store.
//
// Hydration is idempotent: an object already present locally with the same
// timestamp is left untouched, so running it twice produces the same local
// snapshot. Records that exist on both sides go through the last-write-wins
// resolver; local records the remote has never seen are left alone and will
// push on the next drain.
type Hydrator struct {
	store   *store.Store
	adapter remote.Adapter
}

// New creates a Hydrator over an injected store handle and remote adapter.
func New(st *store.Store, adapter remote.Adapter) *Hydrator {
	return &Hydrator{store: st, adapter: adapter}
}

// Hydrated reports whether a hydration run has ever completed on this
// device.
func (h *Hydrator) Hydrated() (bool, error) {
	v, err := h.store.GetState(stateKeyHydratedAt)
	if err != nil {
		return false, err
	}
	return v != "", nil
}

// Run performs one full hydration pass over every entity type. A corrupt
// remote object is logged and skipped; an auth failure aborts the whole
// run, since every subsequent call would fail the same way.
func (h *Hydrator) Run(ctx context.Context) (*Result, error) {
	result := &Result{}

	for _, entityType := range models.AllEntityTypes {
		if err := ctx.Err(); err != nil {
			return result, apperrors.Wrap(apperrors.ErrHydrationFailure, "hydration cancelled", err)
		}
		if err := h.hydrateType(ctx, entityType, result); err != nil {
			return result, err
		}
	}

	if err := h.store.SetState(stateKeyHydratedAt, strconv.FormatInt(models.NowMillis(), 10)); err != nil {
		return result, err
	}

	logging.Info("Hydration completed", map[string]interface{}{
		"listed":    result.Listed,
		"applied":   result.Applied,
		"unchanged": result.Unchanged,
		"conflicts": result.Conflicts,
		"corrupt":   result.Corrupt,
	})
	return result, nil
}

func (h *Hydrator) hydrateType(ctx context.Context, entityType models.EntityType, result *Result) error {
	listing := h.adapter.List(entityType)
	for {
		obj, err := listing.Next(ctx)
		if err == remote.ErrDone {
			return nil
		}
		if err != nil {
			if apperrors.IsAuth(err) {
				return err
			}
			return apperrors.Wrap(apperrors.ErrHydrationFailure, "failed to list remote objects", err)
		}
		result.Listed++

		if err := h.apply(entityType, obj, result); err != nil {
			return err
		}
	}
}

// apply merges one remote object into the local store.
func (h *Hydrator) apply(entityType models.EntityType, obj *remote.Object, result *Result) error {
	rec, err := models.DecodeRemote(obj.Payload)
	if err != nil {
		// One bad object must not poison the rest of the dataset.
		result.Corrupt++
		logging.Warn("Skipping corrupt remote object", map[string]interface{}{
			"entity_type": entityType,
			"key":         obj.Key,
			"ref":         obj.Ref,
			"error":       err.Error(),
		})
		return nil
	}
	rec.RemoteRef = obj.Ref

	local, err := h.store.Get(entityType, string(rec.ID))
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return err
	}

	if local == nil {
		if err := h.store.ApplyRemote(rec); err != nil {
			return err
		}
		result.Applied++
		return nil
	}

	if local.UpdatedAt == rec.UpdatedAt {
		result.Unchanged++
		return nil
	}

	res := conflict.Resolve(
		conflict.Version{UpdatedAt: local.UpdatedAt, Payload: local.Payload},
		conflict.Version{UpdatedAt: rec.UpdatedAt, Payload: rec.Payload},
	)
	if res.Winner == conflict.WinnerLocal {
		// The newer local state pushes on the next drain; re-running
		// hydration takes this same branch again and stays a no-op.
		result.LocalKept++
		return nil
	}

	if err := h.store.ApplyRemote(rec); err != nil {
		return err
	}
	result.Applied++
	result.Conflicts++
	if err := h.store.LogConflict(conflict.LogEntry(
		entityType, string(rec.ID),
		conflict.Version{UpdatedAt: local.UpdatedAt, Payload: local.Payload},
		conflict.Version{UpdatedAt: rec.UpdatedAt, Payload: rec.Payload},
		res,
	)); err != nil {
		return err
	}
	return nil
}
