package conflict

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Record is an immutable log entry of one resolved field conflict.
type Record struct {
	ID                uuid.UUID       `json:"id"`
	ConnectionID      string          `json:"ehrConnectionId"`
	SyncJobID         *uuid.UUID      `json:"syncJobId,omitempty"`
	ResourceType      string          `json:"resourceType"`
	ResourceID        string          `json:"resourceId"`
	Field             string          `json:"field"`
	ExistingValue     json.RawMessage `json:"existingValue"`
	ExistingTimestamp time.Time       `json:"existingTimestamp"`
	ExistingSource    Source          `json:"existingSource"`
	IncomingValue     json.RawMessage `json:"incomingValue"`
	IncomingTimestamp time.Time       `json:"incomingTimestamp"`
	IncomingSource    Source          `json:"incomingSource"`
	Strategy          Strategy        `json:"resolutionStrategy"`
	WinningValue      json.RawMessage `json:"winningValue"`
	WinningSource     Source          `json:"winningSource"`
	NeedsReview       bool            `json:"needsReview"`
	ResolvedAt        time.Time       `json:"resolvedAt"`
}

// NewRecord captures an engine outcome.
func NewRecord(connectionID, resourceType, resourceID, field string, existing, incoming Candidate, out Outcome, at time.Time) *Record {
	winner := existing.Source
	if out.Winner == SideIncoming {
		winner = incoming.Source
	}
	return &Record{
		ID:                uuid.New(),
		ConnectionID:      connectionID,
		ResourceType:      resourceType,
		ResourceID:        resourceID,
		Field:             field,
		ExistingValue:     existing.Value,
		ExistingTimestamp: existing.Timestamp,
		ExistingSource:    existing.Source,
		IncomingValue:     incoming.Value,
		IncomingTimestamp: incoming.Timestamp,
		IncomingSource:    incoming.Source,
		Strategy:          out.Strategy,
		WinningValue:      out.Value,
		WinningSource:     winner,
		NeedsReview:       out.NeedsReview,
		ResolvedAt:        at,
	}
}

// Filter narrows conflict queries. Zero values match everything.
type Filter struct {
	ConnectionID string
	ResourceType string
	ResourceID   string
	NeedsReview  *bool
	Start        *time.Time
	End          *time.Time
}

func (f Filter) matches(r *Record) bool {
	if f.ConnectionID != "" && r.ConnectionID != f.ConnectionID {
		return false
	}
	if f.ResourceType != "" && r.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && r.ResourceID != f.ResourceID {
		return false
	}
	if f.NeedsReview != nil && r.NeedsReview != *f.NeedsReview {
		return false
	}
	if f.Start != nil && r.ResolvedAt.Before(*f.Start) {
		return false
	}
	if f.End != nil && !r.ResolvedAt.Before(*f.End) {
		return false
	}
	return true
}

// Statistics aggregates conflict records.
type Statistics struct {
	Total          int              `json:"total"`
	AutoResolved   int              `json:"autoResolved"`
	NeedsReview    int              `json:"needsReview"`
	ByStrategy     map[Strategy]int `json:"byStrategy"`
	ByResourceType map[string]int   `json:"byResourceType"`
	ByField        map[string]int   `json:"byField"`
	ByWinner       map[Source]int   `json:"byWinningSource"`
}

// Summarize computes statistics over records.
func Summarize(records []*Record) Statistics {
	s := Statistics{
		ByStrategy:     make(map[Strategy]int),
		ByResourceType: make(map[string]int),
		ByField:        make(map[string]int),
		ByWinner:       make(map[Source]int),
	}
	for _, r := range records {
		s.Total++
		if r.NeedsReview {
			s.NeedsReview++
		} else {
			s.AutoResolved++
		}
		s.ByStrategy[r.Strategy]++
		s.ByResourceType[r.ResourceType]++
		s.ByField[r.ResourceType+"."+r.Field]++
		s.ByWinner[r.WinningSource]++
	}
	return s
}
