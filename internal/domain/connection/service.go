package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/holovitals/ehrsync/internal/ehr"
	"github.com/holovitals/ehrsync/internal/platform/auth"
)

// ConnectorSource builds connectors for a vendor endpoint. *ehr.Factory
// satisfies it.
type ConnectorSource interface {
	Connector(t ehr.Target) (ehr.Connector, error)
	BaseURL(t ehr.Target) (string, error)
}

type Service struct {
	repo       Repository
	connectors ConnectorSource
	pending    *pendingStore
	pendingTTL time.Duration
	logger     zerolog.Logger
	now        func() time.Time
}

type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPendingTTL sets how long an issued OAuth state stays valid.
func WithPendingTTL(d time.Duration) Option {
	return func(s *Service) { s.pendingTTL = d }
}

func NewService(repo Repository, connectors ConnectorSource, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		connectors: connectors,
		pending:    newPendingStore(),
		pendingTTL: DefaultPendingTTL,
		logger:     logger.With().Str("component", "connection").Logger(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// BeginAuthorization issues a PKCE verifier and state and returns the vendor
// redirect URL.
func (s *Service) BeginAuthorization(ctx context.Context, userID string, provider ehr.Provider, tenantID, launch string) (*AuthorizationRequest, error) {
	if userID == "" {
		return nil, ehr.ValidationError(provider, "authorize", "user is required")
	}
	connector, err := s.connectors.Connector(ehr.Target{Provider: provider, TenantID: tenantID})
	if err != nil {
		return nil, err
	}
	verifier, err := auth.NewPKCEVerifier()
	if err != nil {
		return nil, fmt.Errorf("generate pkce verifier: %w", err)
	}
	state, err := auth.NewState()
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	u, err := connector.BuildAuthorizationURL(ehr.AuthorizationParams{
		State:         state,
		CodeChallenge: auth.PKCEChallenge(verifier),
		TenantID:      tenantID,
		Launch:        launch,
	})
	if err != nil {
		return nil, err
	}
	expires := s.now().Add(s.pendingTTL)
	s.pending.put(state, pendingAuth{
		userID:       userID,
		provider:     provider,
		tenantID:     tenantID,
		codeVerifier: verifier,
		expiresAt:    expires,
	})
	return &AuthorizationRequest{
		Provider:         provider,
		AuthorizationURL: u,
		State:            state,
		CodeVerifier:     verifier,
		ExpiresAt:        expires,
	}, nil
}

// Connect completes the OAuth exchange and persists an ACTIVE connection.
// When req.State matches an issued authorization, its verifier and tenant
// are used.
func (s *Service) Connect(ctx context.Context, req ConnectRequest) (*Connection, error) {
	const op = "connect"
	if req.UserID == "" {
		return nil, ehr.ValidationError(req.Provider, op, "user is required")
	}
	if req.Code == "" {
		return nil, ehr.ValidationError(req.Provider, op, "authorization code is required")
	}
	now := s.now().UTC()
	if req.State != "" {
		p, ok := s.pending.take(req.State, now)
		if !ok {
			return nil, ehr.ValidationError(req.Provider, op, "unknown or expired authorization state")
		}
		if p.userID != req.UserID || (req.Provider != "" && p.provider != req.Provider) {
			return nil, ehr.ValidationError(req.Provider, op, "authorization state does not belong to this request")
		}
		req.Provider = p.provider
		if req.CodeVerifier == "" {
			req.CodeVerifier = p.codeVerifier
		}
		if req.TenantID == "" {
			req.TenantID = p.tenantID
		}
	}
	if _, err := ehr.ParseProvider(string(req.Provider)); err != nil {
		return nil, err
	}

	freq := DefaultSyncFrequency
	if req.SyncFrequency != "" {
		d, err := time.ParseDuration(req.SyncFrequency)
		if err != nil || d < time.Minute {
			return nil, ehr.ValidationError(req.Provider, op, "invalid syncFrequency %q", req.SyncFrequency)
		}
		freq = d
	}

	target := ehr.Target{Provider: req.Provider, TenantID: req.TenantID}
	baseURL, err := s.connectors.BaseURL(target)
	if err != nil {
		return nil, err
	}
	target.BaseURL = baseURL
	connector, err := s.connectors.Connector(target)
	if err != nil {
		return nil, err
	}
	token, err := connector.ExchangeCodeForToken(ctx, req.Code, req.CodeVerifier)
	if err != nil {
		return nil, err
	}

	c := &Connection{
		ID:                   uuid.New(),
		UserID:               req.UserID,
		Provider:             req.Provider,
		TenantID:             req.TenantID,
		BaseURL:              baseURL,
		PatientID:            token.PatientID,
		Token:                *token,
		Status:               StatusActive,
		SyncFrequencySeconds: int64(freq / time.Second),
		NextSyncAt:           &now,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("connection_id", c.ID.String()).
		Str("provider", string(c.Provider)).
		Str("user_id", c.UserID).
		Msg("ehr connection created")
	return c, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Connection, error) {
	return s.repo.GetByID(ctx, id)
}

// GetByRef resolves a connection id as carried on jobs and webhooks.
func (s *Service) GetByRef(ctx context.Context, ref string) (*Connection, error) {
	id, err := uuid.Parse(ref)
	if err != nil {
		return nil, ErrNotFound
	}
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByUser(ctx context.Context, userID string) ([]*Connection, error) {
	return s.repo.ListByUser(ctx, userID)
}

// Disconnect deactivates a connection and drops its tokens. Historical rows
// are kept.
func (s *Service) Disconnect(ctx context.Context, id uuid.UUID) (*Connection, error) {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Status = StatusInactive
	c.Token = ehr.TokenSet{}
	c.NextSyncAt = nil
	c.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Info().Str("connection_id", c.ID.String()).Msg("ehr connection disconnected")
	return c, nil
}

// RefreshToken renews the access token through the connector and persists
// it. A failed refresh marks the connection ERROR.
func (s *Service) RefreshToken(ctx context.Context, c *Connection, connector ehr.Connector) (*Connection, error) {
	refresher, ok := connector.(ehr.TokenRefresher)
	if !ok {
		return nil, ehr.AuthenticationError(c.Provider, "refresh_token", "connector cannot refresh tokens")
	}
	token, err := refresher.RefreshToken(ctx, &c.Token)
	if err != nil {
		c.Status = StatusError
		c.LastError = err.Error()
		c.UpdatedAt = s.now().UTC()
		if uerr := s.repo.Update(ctx, c); uerr != nil {
			s.logger.Error().Err(uerr).Str("connection_id", c.ID.String()).Msg("failed to mark connection errored")
		}
		return nil, err
	}
	c.Token = *token
	if token.PatientID != "" {
		c.PatientID = token.PatientID
	}
	c.LastError = ""
	c.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, c); err != nil {
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}
	s.logger.Debug().Str("connection_id", c.ID.String()).Msg("access token refreshed")
	return c, nil
}

// MarkSynced records a successful sync at and schedules the next one.
func (s *Service) MarkSynced(ctx context.Context, ref string, at time.Time) error {
	c, err := s.GetByRef(ctx, ref)
	if err != nil {
		return err
	}
	at = at.UTC()
	next := at.Add(c.SyncFrequency())
	c.LastSyncAt = &at
	if c.Status == StatusActive {
		c.NextSyncAt = &next
	}
	c.LastError = ""
	c.UpdatedAt = s.now().UTC()
	return s.repo.Update(ctx, c)
}

// ScheduleNext pushes next_sync_at forward without recording a sync. The
// scheduler calls it once it has queued work for the connection.
func (s *Service) ScheduleNext(ctx context.Context, c *Connection) error {
	next := s.now().UTC().Add(c.SyncFrequency())
	c.NextSyncAt = &next
	c.UpdatedAt = s.now().UTC()
	return s.repo.Update(ctx, c)
}

// ListDue returns ACTIVE connections whose next sync is due.
func (s *Service) ListDue(ctx context.Context, limit int) ([]*Connection, error) {
	return s.repo.ListDue(ctx, s.now().UTC(), limit)
}

// IsNotFound reports whether err means the connection does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
