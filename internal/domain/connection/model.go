package connection

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/holovitals/ehrsync/internal/ehr"
)

var (
	ErrNotFound               = errors.New("connection not found")
	ErrActiveConnectionExists = errors.New("an active connection to this provider already exists")
)

// Status of a connection.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
	StatusError    Status = "ERROR"
)

// DefaultSyncFrequency applies when a connection is created without one.
const DefaultSyncFrequency = 24 * time.Hour

// Connection links a platform user to one EHR vendor account. At most one
// connection per (user, provider) is ACTIVE.
type Connection struct {
	ID                   uuid.UUID    `json:"id"`
	UserID               string       `json:"userId"`
	Provider             ehr.Provider `json:"provider"`
	TenantID             string       `json:"tenantId,omitempty"`
	BaseURL              string       `json:"baseUrl"`
	PatientID            string       `json:"patientId,omitempty"`
	Token                ehr.TokenSet `json:"-"`
	Status               Status       `json:"status"`
	SyncFrequencySeconds int64        `json:"syncFrequencySeconds"`
	LastSyncAt           *time.Time   `json:"lastSyncAt,omitempty"`
	NextSyncAt           *time.Time   `json:"nextSyncAt,omitempty"`
	LastError            string       `json:"lastError,omitempty"`
	CreatedAt            time.Time    `json:"createdAt"`
	UpdatedAt            time.Time    `json:"updatedAt"`
}

// TokenExpiresAt is exposed for the UI without leaking token material.
func (c *Connection) TokenExpiresAt() *time.Time { return c.Token.ExpiresAt }

// SyncFrequency returns the scheduling interval.
func (c *Connection) SyncFrequency() time.Duration {
	if c.SyncFrequencySeconds <= 0 {
		return DefaultSyncFrequency
	}
	return time.Duration(c.SyncFrequencySeconds) * time.Second
}

// Target addresses the vendor endpoint for this connection.
func (c *Connection) Target() ehr.Target {
	return ehr.Target{Provider: c.Provider, BaseURL: c.BaseURL, TenantID: c.TenantID}
}

// ConnectRequest completes OAuth onboarding.
type ConnectRequest struct {
	UserID        string       `json:"-"`
	Provider      ehr.Provider `json:"provider"`
	Code          string       `json:"code"`
	State         string       `json:"state"`
	CodeVerifier  string       `json:"codeVerifier,omitempty"`
	TenantID      string       `json:"tenantId,omitempty"`
	SyncFrequency string       `json:"syncFrequency,omitempty"`
}

// AuthorizationRequest is returned when onboarding starts.
type AuthorizationRequest struct {
	Provider         ehr.Provider `json:"provider"`
	AuthorizationURL string       `json:"authorizationUrl"`
	State            string       `json:"state"`
	CodeVerifier     string       `json:"codeVerifier,omitempty"`
	ExpiresAt        time.Time    `json:"expiresAt"`
}
