// Package webhook turns vendor push notifications into sync jobs, at most
// once per delivery.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/holovitals/ehrsync/internal/domain/audit"
	"github.com/holovitals/ehrsync/internal/domain/syncjob"
	"github.com/holovitals/ehrsync/internal/ehr"
	"github.com/holovitals/ehrsync/internal/platform/metrics"
)

// ErrInvalidSignature means the delivery failed HMAC verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// jobNamespace seeds job ids derived from idempotency keys, so a redelivery
// that outlives the idempotency store still collides on the job table.
var jobNamespace = uuid.MustParse("6f1c2a4e-8d3b-5e7f-9a0c-1b2d3e4f5a6b")

// JobIDForKey returns the deterministic job id for an idempotency key.
func JobIDForKey(key string) uuid.UUID {
	return uuid.NewSHA1(jobNamespace, []byte(key))
}

// JobCreator is the part of the sync service the receiver drives.
// *syncjob.Service satisfies it.
type JobCreator interface {
	CreateJob(ctx context.Context, req syncjob.CreateRequest, origin syncjob.Origin) (*syncjob.Job, error)
	CreateFailedJob(ctx context.Context, req syncjob.CreateRequest, origin syncjob.Origin, cause error) (*syncjob.Job, error)
}

// AuditRecorder appends audit events. *audit.Service satisfies it.
type AuditRecorder interface {
	Record(ctx context.Context, evs ...*audit.Event) error
}

// Delivery is one inbound webhook request.
type Delivery struct {
	Provider     string
	ConnectionID string
	EventID      string
	Signature    string
	Body         []byte
}

// Result reports the jobs a delivery maps to.
type Result struct {
	JobIDs    []uuid.UUID `json:"jobIds"`
	Duplicate bool        `json:"duplicate"`
}

type Receiver struct {
	jobs    JobCreator
	store   IdempotencyStore
	secrets map[ehr.Provider]string
	ttl     time.Duration
	audit   AuditRecorder
	logger  zerolog.Logger
}

type Option func(*Receiver)

// WithSecrets requires signed deliveries for the given vendors.
func WithSecrets(secrets map[ehr.Provider]string) Option {
	return func(r *Receiver) { r.secrets = secrets }
}

func WithTTL(ttl time.Duration) Option {
	return func(r *Receiver) { r.ttl = ttl }
}

func WithAudit(a AuditRecorder) Option {
	return func(r *Receiver) { r.audit = a }
}

func NewReceiver(jobs JobCreator, store IdempotencyStore, logger zerolog.Logger, opts ...Option) *Receiver {
	r := &Receiver{
		jobs:   jobs,
		store:  store,
		ttl:    DefaultIdempotencyTTL,
		logger: logger.With().Str("component", "webhook").Logger(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Receive validates a delivery and queues one HIGH priority single-resource
// pull per resource type it names. A redelivery returns the jobs the first
// delivery created. Payloads that cannot be interpreted still produce a
// FAILED job so the failure stays visible.
func (r *Receiver) Receive(ctx context.Context, d Delivery) (*Result, error) {
	const op = "receive_webhook"
	if strings.TrimSpace(d.Provider) == "" {
		metrics.WebhooksReceived.WithLabelValues("unknown", "rejected").Inc()
		return nil, ehr.ValidationError("", op, "provider is required")
	}
	provider, err := ehr.ParseProvider(d.Provider)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues("unknown", "rejected").Inc()
		return nil, err
	}
	if strings.TrimSpace(d.ConnectionID) == "" {
		metrics.WebhooksReceived.WithLabelValues(string(provider), "rejected").Inc()
		return nil, ehr.ValidationError(provider, op, "connection id is required")
	}
	if secret := r.secrets[provider]; secret != "" && !VerifySignature(d.Body, secret, d.Signature) {
		metrics.WebhooksReceived.WithLabelValues(string(provider), "unauthorized").Inc()
		return nil, ErrInvalidSignature
	}

	log := r.logger.With().Str("provider", string(provider)).Str("connection_id", d.ConnectionID).Logger()
	eventID := d.EventID
	n, parseErr := parseNotification(d.Body)
	if eventID == "" && n != nil {
		eventID = n.EventID
	}
	if eventID == "" {
		eventID = "sha256:" + bodyDigest(d.Body)
	}
	baseKey := fmt.Sprintf("%s:%s:%s", provider, d.ConnectionID, eventID)

	if parseErr != nil {
		cause := ehr.ValidationError(provider, op, "unusable notification: %v", parseErr)
		res, err := r.once(ctx, baseKey, func(id uuid.UUID) error {
			_, err := r.jobs.CreateFailedJob(ctx, syncjob.CreateRequest{
				JobID:        &id,
				Type:         syncjob.TypeSingleResource,
				Direction:    syncjob.DirectionPull,
				Provider:     provider,
				ConnectionID: d.ConnectionID,
			}, syncjob.OriginWebhook, cause)
			return err
		})
		if err != nil {
			return nil, err
		}
		log.Warn().Err(parseErr).Str("event_id", eventID).Msg("webhook payload could not be interpreted")
		r.finish(ctx, provider, d.ConnectionID, eventID, "failed", res)
		return res, nil
	}

	order, groups := groupByType(n.Refs)
	result := &Result{Duplicate: true}
	high := syncjob.PriorityHigh
	for _, rt := range order {
		key := baseKey
		if len(order) > 1 {
			key += ":" + rt
		}
		ids := groups[rt]
		res, err := r.once(ctx, key, func(id uuid.UUID) error {
			_, err := r.jobs.CreateJob(ctx, syncjob.CreateRequest{
				JobID:        &id,
				Type:         syncjob.TypeSingleResource,
				Direction:    syncjob.DirectionPull,
				Priority:     &high,
				Provider:     provider,
				ConnectionID: d.ConnectionID,
				ResourceType: rt,
				ResourceIDs:  ids,
			}, syncjob.OriginWebhook)
			return err
		})
		if err != nil {
			return nil, err
		}
		result.JobIDs = append(result.JobIDs, res.JobIDs...)
		result.Duplicate = result.Duplicate && res.Duplicate
	}

	outcome := "accepted"
	if result.Duplicate {
		outcome = "duplicate"
	}
	log.Info().Str("event_id", eventID).Int("jobs", len(result.JobIDs)).Bool("duplicate", result.Duplicate).Msg("webhook received")
	r.finish(ctx, provider, d.ConnectionID, eventID, outcome, result)
	return result, nil
}

// once runs create with the key's job id unless key already produced a job.
func (r *Receiver) once(ctx context.Context, key string, create func(id uuid.UUID) error) (*Result, error) {
	id := JobIDForKey(key)
	bound, reserved, err := r.store.Reserve(ctx, key, id, r.ttl)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return &Result{JobIDs: []uuid.UUID{bound}, Duplicate: true}, nil
	}
	if err := create(id); err != nil {
		if errors.Is(err, syncjob.ErrDuplicateJob) {
			return &Result{JobIDs: []uuid.UUID{id}, Duplicate: true}, nil
		}
		if rerr := r.store.Release(ctx, key); rerr != nil {
			r.logger.Error().Err(rerr).Str("key", key).Msg("failed to release webhook key")
		}
		return nil, fmt.Errorf("create job for webhook: %w", err)
	}
	return &Result{JobIDs: []uuid.UUID{id}}, nil
}

func (r *Receiver) finish(ctx context.Context, provider ehr.Provider, connectionID, eventID, outcome string, res *Result) {
	metrics.WebhooksReceived.WithLabelValues(string(provider), outcome).Inc()
	if r.audit == nil {
		return
	}
	ids := make([]string, len(res.JobIDs))
	for i, id := range res.JobIDs {
		ids[i] = id.String()
	}
	ev := &audit.Event{
		Kind:         audit.KindWebhookReceived,
		ConnectionID: connectionID,
		SubjectID:    eventID,
		Message:      outcome,
		Details: map[string]interface{}{
			"provider":  string(provider),
			"jobIds":    ids,
			"duplicate": res.Duplicate,
		},
	}
	if len(res.JobIDs) == 1 {
		id := res.JobIDs[0]
		ev.SyncJobID = &id
	}
	if err := r.audit.Record(ctx, ev); err != nil {
		r.logger.Error().Err(err).Msg("failed to audit webhook")
	}
}
