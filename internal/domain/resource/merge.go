package resource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/holovitals/ehrsync/internal/domain/audit"
	"github.com/holovitals/ehrsync/internal/domain/conflict"
	"github.com/holovitals/ehrsync/internal/ehr"
	"github.com/holovitals/ehrsync/internal/platform/metrics"
)

// Action is what a merge did to the stored record.
type Action string

const (
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionUnchanged Action = "unchanged"
)

// Update is one incoming copy of a vendor resource.
type Update struct {
	ConnectionID string
	SyncJobID    *uuid.UUID
	Source       conflict.Source
	Resource     *ehr.RawResource
}

// Result reports the outcome of a merge.
type Result struct {
	Action    Action
	Conflicts int
	Record    *Record
}

// AuditRecorder appends audit events. *audit.Service satisfies it.
type AuditRecorder interface {
	Record(ctx context.Context, evs ...*audit.Event) error
}

// envelope fields are never compared field by field.
var envelope = map[string]bool{"resourceType": true, "id": true, "meta": true}

// Merger writes incoming resources into the store, routing field-level
// disagreements through the conflict engine.
type Merger struct {
	repo      Repository
	engine    *conflict.Engine
	conflicts conflict.Repository
	audit     AuditRecorder
	logger    zerolog.Logger
	now       func() time.Time
}

func NewMerger(repo Repository, engine *conflict.Engine, conflicts conflict.Repository, auditor AuditRecorder, logger zerolog.Logger) *Merger {
	return &Merger{
		repo:      repo,
		engine:    engine,
		conflicts: conflicts,
		audit:     auditor,
		logger:    logger.With().Str("component", "merger").Logger(),
		now:       time.Now,
	}
}

// SetClock overrides the time source.
func (m *Merger) SetClock(now func() time.Time) { m.now = now }

// Apply merges u into the stored record. A concurrent writer causes one
// re-read and re-merge before giving up.
func (m *Merger) Apply(ctx context.Context, u Update) (*Result, error) {
	if u.Resource == nil {
		return nil, fmt.Errorf("merge: resource is required")
	}
	res, err := m.apply(ctx, u)
	if errors.Is(err, ErrVersionConflict) {
		res, err = m.apply(ctx, u)
	}
	if err != nil {
		return nil, err
	}
	metrics.ResourcesSynced.WithLabelValues(u.Resource.ResourceType, string(res.Action)).Inc()
	return res, nil
}

type pendingConflict struct {
	field              string
	existing, incoming conflict.Candidate
	outcome            conflict.Outcome
}

func (m *Merger) apply(ctx context.Context, u Update) (*Result, error) {
	raw := u.Resource
	now := m.now().UTC()
	ts := raw.LastModified
	if ts.IsZero() {
		ts = now
	}

	incoming, err := decodeFields(raw.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", raw.Key(), err)
	}

	existing, err := m.repo.Get(ctx, u.ConnectionID, raw.ResourceType, raw.ID)
	if errors.Is(err, ErrNotFound) {
		rec := &Record{
			ConnectionID:  u.ConnectionID,
			ResourceType:  raw.ResourceType,
			ResourceID:    raw.ID,
			Payload:       raw.Payload,
			Provenance:    make(map[string]Provenance, len(incoming)),
			LastModified:  ts,
			LastSyncJobID: u.SyncJobID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		for field := range incoming {
			if !envelope[field] {
				rec.Provenance[field] = Provenance{Source: u.Source, Timestamp: ts}
			}
		}
		if err := m.repo.Save(ctx, rec, 0); err != nil {
			return nil, err
		}
		return &Result{Action: ActionCreated, Record: rec}, nil
	}
	if err != nil {
		return nil, err
	}

	stored, err := decodeFields(existing.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode stored %s: %w", existing.Key(), err)
	}
	if existing.Provenance == nil {
		existing.Provenance = make(map[string]Provenance)
	}

	fields := make([]string, 0, len(incoming))
	for f := range incoming {
		if !envelope[f] {
			fields = append(fields, f)
		}
	}
	sort.Strings(fields)

	changed := false
	var found []pendingConflict
	incomingCand := conflict.Candidate{Timestamp: ts, Source: u.Source}
	for _, f := range fields {
		newVal := incoming[f]
		oldVal, present := stored[f]
		if !present {
			stored[f] = newVal
			existing.Provenance[f] = Provenance{Source: u.Source, Timestamp: ts}
			changed = true
			continue
		}
		if jsonEqual(oldVal, newVal) {
			continue
		}
		prov, ok := existing.Provenance[f]
		if !ok {
			prov = Provenance{Source: conflict.SourceBulkExport, Timestamp: existing.LastModified}
		}
		ex := conflict.Candidate{Value: oldVal, Timestamp: prov.Timestamp, Source: prov.Source}
		in := incomingCand
		in.Value = newVal
		out := m.engine.Resolve(ex, in)
		if out.Winner == conflict.SideIncoming {
			stored[f] = newVal
			existing.Provenance[f] = Provenance{Source: u.Source, Timestamp: ts}
			changed = true
		}
		if m.engine.InWindow(ex, in) {
			found = append(found, pendingConflict{field: f, existing: ex, incoming: in, outcome: out})
		}
	}

	if ts.After(existing.LastModified) {
		if meta, ok := incoming["meta"]; ok {
			stored["meta"] = meta
		}
		existing.LastModified = ts
		changed = true
	}

	if !changed {
		if err := m.record(ctx, u, found, now); err != nil {
			return nil, err
		}
		return &Result{Action: ActionUnchanged, Conflicts: len(found), Record: existing}, nil
	}

	payload, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}
	expected := existing.Version
	existing.Payload = payload
	existing.LastSyncJobID = u.SyncJobID
	existing.UpdatedAt = now
	if err := m.repo.Save(ctx, existing, expected); err != nil {
		return nil, err
	}
	if err := m.record(ctx, u, found, now); err != nil {
		return nil, err
	}
	return &Result{Action: ActionUpdated, Conflicts: len(found), Record: existing}, nil
}

// record appends conflict records and their audit events once the merged
// state is stored.
func (m *Merger) record(ctx context.Context, u Update, found []pendingConflict, at time.Time) error {
	if len(found) == 0 {
		return nil
	}
	raw := u.Resource
	events := make([]*audit.Event, 0, len(found))
	for _, c := range found {
		rec := conflict.NewRecord(u.ConnectionID, raw.ResourceType, raw.ID, c.field, c.existing, c.incoming, c.outcome, at)
		rec.SyncJobID = u.SyncJobID
		if err := m.conflicts.Append(ctx, rec); err != nil {
			return fmt.Errorf("append conflict record: %w", err)
		}
		metrics.ConflictsResolved.WithLabelValues(string(c.outcome.Strategy)).Inc()
		m.logger.Info().
			Str("connection_id", u.ConnectionID).
			Str("resource", raw.Key()).
			Str("field", c.field).
			Str("strategy", string(c.outcome.Strategy)).
			Str("winner", string(rec.WinningSource)).
			Msg("field conflict resolved")
		events = append(events, &audit.Event{
			Kind:         audit.KindConflictResolved,
			ConnectionID: u.ConnectionID,
			SyncJobID:    u.SyncJobID,
			SubjectID:    raw.Key(),
			Message:      c.field,
			Details: map[string]interface{}{
				"conflictId":    rec.ID.String(),
				"strategy":      string(rec.Strategy),
				"winningSource": string(rec.WinningSource),
				"needsReview":   rec.NeedsReview,
			},
		})
	}
	if m.audit == nil {
		return nil
	}
	return m.audit.Record(ctx, events...)
}

func decodeFields(payload json.RawMessage) (map[string]json.RawMessage, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func jsonEqual(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
