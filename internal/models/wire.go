// Package models provides data model definitions for the Reverie sync engine.
package models

import (
	"encoding/json"
	"fmt"
)

// remoteDocument is the wire form of a record in the remote object store:
// the record's domain fields plus updated_at. Sync-engine metadata
// (sync status, remote ref) never leaves the device.
type remoteDocument struct {
	ID         UUID            `json:"id"`
	EntityType EntityType      `json:"entity_type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  int64           `json:"created_at"`
	UpdatedAt  int64           `json:"updated_at"`
}

// EncodeRemote serializes a record into its remote payload document.
func EncodeRemote(rec *Record) ([]byte, error) {
	doc := remoteDocument{
		ID:         rec.ID,
		EntityType: rec.EntityType,
		Payload:    rec.Payload,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode remote document: %w", err)
	}
	return data, nil
}

// DecodeRemote parses a remote payload document back into a record. The
// returned record carries no sync status; the caller decides it.
func DecodeRemote(data []byte) (*Record, error) {
	var doc remoteDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode remote document: %w", err)
	}
	if doc.ID == "" {
		return nil, fmt.Errorf("remote document carries no id")
	}
	if !doc.EntityType.Valid() {
		return nil, fmt.Errorf("remote document carries unknown entity type %q", doc.EntityType)
	}
	if doc.UpdatedAt <= 0 {
		return nil, fmt.Errorf("remote document carries no updated_at")
	}
	return &Record{
		ID:         doc.ID,
		EntityType: doc.EntityType,
		Payload:    doc.Payload,
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
	}, nil
}
