package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	apperrors "github.com/mwaldrop/reverie/internal/errors"
	"github.com/mwaldrop/reverie/internal/logging"
	"github.com/mwaldrop/reverie/internal/models"
	"github.com/mwaldrop/reverie/internal/uuid"
)

// server is the localhost HTTP surface consumed by the UI shell. It is
// not an internet-facing API; it binds to loopback and carries no auth of
// its own.
type server struct {
	app    *app
	hub    *wsHub
	router *mux.Router
}

func newServer(a *app, hub *wsHub) *server {
	s := &server{app: a, hub: hub, router: mux.NewRouter()}

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/sync/status", s.handleSyncStatus).Methods(http.MethodGet)
	api.HandleFunc("/sync", s.handleSyncNow).Methods(http.MethodPost)
	api.HandleFunc("/sync/online", s.handleOnline).Methods(http.MethodPost)
	api.HandleFunc("/conflicts", s.handleConflicts).Methods(http.MethodGet)
	api.HandleFunc("/records/{type}", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/records/{type}/{id}", s.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/records/{type}/{id}", s.handlePut).Methods(http.MethodPut)
	api.HandleFunc("/records/{type}/{id}", s.handleDelete).Methods(http.MethodDelete)

	s.router.HandleFunc("/ws", handleWebSocket(hub))
	return s
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := s.app.store.PendingSyncCount()
	if err != nil {
		writeError(w, err)
		return
	}
	depth, err := s.app.queue.Len()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"processor":       s.app.proc.Status(),
		"pending_records": pending,
		"queue_depth":     depth,
	})
}

// handleSyncNow requests a drain. The trigger coalesces; the request
// returns immediately and progress flows over the WebSocket.
func (s *server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	s.app.trigger.RequestSync()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

// handleOnline is the UI shell's connectivity-restored notification.
func (s *server) handleOnline(w http.ResponseWriter, r *http.Request) {
	s.app.trigger.NotifyOnline()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

func (s *server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	entries, err := s.app.store.ListConflicts(100)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*models.ConflictLog{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	entityType, ok := s.entityType(w, r)
	if !ok {
		return
	}
	records, err := s.app.store.List(entityType)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*models.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	entityType, id, ok := s.entityRef(w, r)
	if !ok {
		return
	}
	rec, err := s.app.store.Get(entityType, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handlePut(w http.ResponseWriter, r *http.Request) {
	entityType, id, ok := s.entityRef(w, r)
	if !ok {
		return
	}

	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "request body is not valid JSON", err))
		return
	}

	rec := &models.Record{ID: models.UUID(id), Payload: payload}
	if err := s.app.store.Upsert(entityType, rec); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	entityType, id, ok := s.entityRef(w, r)
	if !ok {
		return
	}
	if err := s.app.store.MarkDeleted(entityType, id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *server) entityType(w http.ResponseWriter, r *http.Request) (models.EntityType, bool) {
	entityType := models.EntityType(mux.Vars(r)["type"])
	if !entityType.Valid() {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "unknown entity type"))
		return "", false
	}
	return entityType, true
}

// entityRef validates the {type}/{id} pair. Day-aggregated types are
// addressed by date, everything else by UUID.
func (s *server) entityRef(w http.ResponseWriter, r *http.Request) (models.EntityType, string, bool) {
	entityType, ok := s.entityType(w, r)
	if !ok {
		return "", "", false
	}
	id := mux.Vars(r)["id"]
	if entityType.DayAggregated() {
		if _, err := time.Parse("2006-01-02", id); err != nil {
			writeError(w, apperrors.New(apperrors.ErrInvalid, "id must be a YYYY-MM-DD date"))
			return "", "", false
		}
	} else if !uuid.IsValid(id) {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "id must be a UUID"))
		return "", "", false
	}
	return entityType, id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("Failed to encode response", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperrors.CodeOf(err) {
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrInvalid:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(apperrors.CodeOf(err)),
	})
}
