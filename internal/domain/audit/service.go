package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/holovitals/ehrsync/internal/platform/events"
	"github.com/holovitals/ehrsync/internal/platform/metrics"
)

// Service appends audit events and optionally fans them out to the event
// stream. The database row is the record of truth; publishing is best-effort.
type Service struct {
	repo   Repository
	pub    events.Publisher
	logger zerolog.Logger
	now    func() time.Time
}

type Option func(*Service)

// WithPublisher fans appended events out to p.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.pub = p }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		logger: logger.With().Str("component", "audit").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Record stamps and appends events in a single write.
func (s *Service) Record(ctx context.Context, evs ...*Event) error {
	if len(evs) == 0 {
		return nil
	}
	now := s.now()
	for _, e := range evs {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.OccurredAt.IsZero() {
			e.OccurredAt = now
		}
	}
	if err := s.repo.Append(ctx, evs...); err != nil {
		return fmt.Errorf("append audit events: %w", err)
	}
	s.publish(ctx, evs)
	return nil
}

func (s *Service) publish(ctx context.Context, evs []*Event) {
	if s.pub == nil {
		return
	}
	msgs := make([]events.Message, 0, len(evs))
	for _, e := range evs {
		body, err := json.Marshal(e)
		if err != nil {
			s.logger.Error().Err(err).Str("event_id", e.ID.String()).Msg("encode audit event")
			continue
		}
		msgs = append(msgs, events.Message{
			Key:     e.ConnectionID,
			Value:   body,
			Headers: map[string]string{"kind": string(e.Kind)},
			Time:    e.OccurredAt,
		})
	}
	if err := s.pub.Publish(ctx, msgs...); err != nil {
		metrics.AuditPublishFailures.Add(float64(len(msgs)))
		s.logger.Warn().Err(err).Int("events", len(msgs)).Msg("audit fan-out failed")
	}
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Event, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}

func (s *Service) Summary(ctx context.Context, f Filter) (Summary, error) {
	evs, err := s.repo.ListForStats(ctx, f)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(evs), nil
}
