package ehr

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Provider identifies an EHR vendor.
type Provider string

const (
	ProviderEpic           Provider = "EPIC"
	ProviderCerner         Provider = "CERNER"
	ProviderAllscripts     Provider = "ALLSCRIPTS"
	ProviderAthenaHealth   Provider = "ATHENAHEALTH"
	ProviderEClinicalWorks Provider = "ECLINICALWORKS"
	ProviderNextGen        Provider = "NEXTGEN"
	ProviderMeditech       Provider = "MEDITECH"
)

// Providers lists every supported vendor.
var Providers = []Provider{
	ProviderEpic,
	ProviderCerner,
	ProviderAllscripts,
	ProviderAthenaHealth,
	ProviderEClinicalWorks,
	ProviderNextGen,
	ProviderMeditech,
}

// ParseProvider accepts any casing of a provider name.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Providers {
		if p == known {
			return p, nil
		}
	}
	return "", ValidationError("", "parse_provider", "unknown EHR provider %q", s)
}

// TokenSet is the OAuth token material returned by a vendor.
type TokenSet struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	TokenType    string     `json:"token_type"`
	Scope        string     `json:"scope,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	PatientID    string     `json:"patient,omitempty"`
}

// Expired reports whether the access token is past its expiry at now.
func (t *TokenSet) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// RawResource is a FHIR resource as received from a vendor, before any local
// merging.
type RawResource struct {
	ResourceType string          `json:"resourceType"`
	ID           string          `json:"id"`
	LastModified time.Time       `json:"lastModified"`
	Payload      json.RawMessage `json:"payload"`
}

type resourceHeader struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Meta         struct {
		LastUpdated string `json:"lastUpdated"`
	} `json:"meta"`
}

// ParseRawResource extracts the envelope fields from a FHIR JSON document.
func ParseRawResource(data []byte) (*RawResource, error) {
	var h resourceHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	if h.ResourceType == "" {
		return nil, fmt.Errorf("resource is missing resourceType")
	}
	if h.ID == "" {
		return nil, fmt.Errorf("%s resource is missing id", h.ResourceType)
	}
	r := &RawResource{
		ResourceType: h.ResourceType,
		ID:           h.ID,
		Payload:      append(json.RawMessage(nil), data...),
	}
	if h.Meta.LastUpdated != "" {
		ts, err := time.Parse(time.RFC3339Nano, h.Meta.LastUpdated)
		if err != nil {
			return nil, fmt.Errorf("%s/%s: invalid meta.lastUpdated %q: %w", h.ResourceType, h.ID, h.Meta.LastUpdated, err)
		}
		r.LastModified = ts.UTC()
	}
	return r, nil
}

// Key returns the "Type/id" reference for the resource.
func (r *RawResource) Key() string {
	return r.ResourceType + "/" + r.ID
}

// ExportType is the scope of a bulk export.
type ExportType string

const (
	ExportPatient ExportType = "PATIENT"
	ExportGroup   ExportType = "GROUP"
	ExportSystem  ExportType = "SYSTEM"
)

// ExportStatus is the vendor-side state of a bulk export.
type ExportStatus string

const (
	ExportInitiated  ExportStatus = "INITIATED"
	ExportInProgress ExportStatus = "IN_PROGRESS"
	ExportCompleted  ExportStatus = "COMPLETED"
	ExportFailed     ExportStatus = "FAILED"
)

// Terminal reports whether no further polling is needed.
func (s ExportStatus) Terminal() bool {
	return s == ExportCompleted || s == ExportFailed
}

// ExportFile is one entry of a completed bulk export manifest.
type ExportFile struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Count int    `json:"count,omitempty"`
}

// BulkExportJob tracks an asynchronous vendor export.
type BulkExportJob struct {
	ID            uuid.UUID    `json:"id"`
	ConnectionID  string       `json:"connection_id"`
	SyncJobID     *uuid.UUID   `json:"sync_job_id,omitempty"`
	Provider      Provider     `json:"provider"`
	ExportType    ExportType   `json:"export_type"`
	Status        ExportStatus `json:"status"`
	PollURL       string       `json:"poll_url"`
	Progress      string       `json:"progress,omitempty"`
	OutputFiles   []ExportFile `json:"output_files,omitempty"`
	ResourceCount int          `json:"resource_count"`
	TotalBytes    int64        `json:"total_bytes"`
	ErrorMessage  string       `json:"error_message,omitempty"`
	StartedAt     time.Time    `json:"started_at"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// AuthorizationParams carries the per-connection values needed to build an
// authorization redirect.
type AuthorizationParams struct {
	State         string
	CodeChallenge string
	TenantID      string
	Launch        string
	ExtraScopes   []string
}

// BulkExportParams selects what a vendor should export.
type BulkExportParams struct {
	Type          ExportType
	PatientID     string
	GroupID       string
	ResourceTypes []string
	Since         *time.Time
}

// Target identifies a concrete vendor endpoint a connector talks to.
type Target struct {
	Provider Provider
	BaseURL  string
	TenantID string
}
