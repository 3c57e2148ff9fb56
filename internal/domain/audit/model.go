package audit

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies audit events.
type Kind string

const (
	KindJobTransition    Kind = "JOB_TRANSITION"
	KindConflictResolved Kind = "CONFLICT_RESOLVED"
	KindBulkExport       Kind = "BULK_EXPORT"
	KindWebhookReceived  Kind = "WEBHOOK_RECEIVED"
)

// Event is one append-only audit row, keyed by connection.
type Event struct {
	ID           uuid.UUID              `json:"id"`
	Kind         Kind                   `json:"kind"`
	ConnectionID string                 `json:"ehrConnectionId"`
	SyncJobID    *uuid.UUID             `json:"syncJobId,omitempty"`
	SubjectID    string                 `json:"subjectId,omitempty"`
	From         string                 `json:"from,omitempty"`
	To           string                 `json:"to,omitempty"`
	Message      string                 `json:"message,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
	OccurredAt   time.Time              `json:"occurredAt"`
}

// Transition builds a job state-change event.
func Transition(connectionID string, jobID uuid.UUID, from, to, message string) *Event {
	id := jobID
	return &Event{
		Kind:         KindJobTransition,
		ConnectionID: connectionID,
		SyncJobID:    &id,
		SubjectID:    jobID.String(),
		From:         from,
		To:           to,
		Message:      message,
	}
}

// Filter narrows audit queries. Zero values match everything.
type Filter struct {
	ConnectionID string
	Kind         Kind
	SyncJobID    *uuid.UUID
	Start        *time.Time
	End          *time.Time
}

func (f Filter) matches(e *Event) bool {
	if f.ConnectionID != "" && e.ConnectionID != f.ConnectionID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.SyncJobID != nil && (e.SyncJobID == nil || *e.SyncJobID != *f.SyncJobID) {
		return false
	}
	if f.Start != nil && e.OccurredAt.Before(*f.Start) {
		return false
	}
	if f.End != nil && !e.OccurredAt.Before(*f.End) {
		return false
	}
	return true
}

// Summary aggregates audit events for dashboards.
type Summary struct {
	Total       int                     `json:"total"`
	ByKind      map[Kind]int            `json:"byKind"`
	ByDay       map[string]map[Kind]int `json:"byDay"`
	Transitions map[string]int          `json:"transitions"`
}

// Summarize groups events by kind, UTC day and state transition.
func Summarize(events []*Event) Summary {
	s := Summary{
		ByKind:      make(map[Kind]int),
		ByDay:       make(map[string]map[Kind]int),
		Transitions: make(map[string]int),
	}
	for _, e := range events {
		s.Total++
		s.ByKind[e.Kind]++
		day := e.OccurredAt.UTC().Format("2006-01-02")
		if s.ByDay[day] == nil {
			s.ByDay[day] = make(map[Kind]int)
		}
		s.ByDay[day][e.Kind]++
		if e.Kind == KindJobTransition {
			s.Transitions[e.From+"->"+e.To]++
		}
	}
	return s
}
