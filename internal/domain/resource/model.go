package resource

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/holovitals/ehrsync/internal/domain/conflict"
)

var (
	ErrNotFound        = errors.New("resource record not found")
	ErrVersionConflict = errors.New("resource record was modified concurrently")
)

// Provenance remembers which source last set a field, and when.
type Provenance struct {
	Source    conflict.Source `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
}

// Record is the locally merged copy of one vendor resource, unique per
// (connection, resource type, resource id).
type Record struct {
	ConnectionID  string                `json:"ehrConnectionId"`
	ResourceType  string                `json:"resourceType"`
	ResourceID    string                `json:"resourceId"`
	Payload       json.RawMessage       `json:"payload"`
	Provenance    map[string]Provenance `json:"provenance,omitempty"`
	LastModified  time.Time             `json:"lastModified"`
	Version       int64                 `json:"version"`
	LastSyncJobID *uuid.UUID            `json:"lastSyncJobId,omitempty"`
	CreatedAt     time.Time             `json:"createdAt"`
	UpdatedAt     time.Time             `json:"updatedAt"`
}

// Key returns the "Type/id" reference.
func (r *Record) Key() string {
	return r.ResourceType + "/" + r.ResourceID
}

func (r *Record) clone() *Record {
	cp := *r
	cp.Payload = append(json.RawMessage(nil), r.Payload...)
	cp.Provenance = make(map[string]Provenance, len(r.Provenance))
	for k, v := range r.Provenance {
		cp.Provenance[k] = v
	}
	return &cp
}

// Filter narrows record listings.
type Filter struct {
	ConnectionID string
	ResourceType string
}

func (f Filter) matches(r *Record) bool {
	if f.ConnectionID != "" && r.ConnectionID != f.ConnectionID {
		return false
	}
	if f.ResourceType != "" && r.ResourceType != f.ResourceType {
		return false
	}
	return true
}
