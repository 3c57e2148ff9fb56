// Package syncjob is the sync orchestration service: job lifecycle, the
// priority queue, retry policy, the worker pool and the scheduler.
package syncjob

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/holovitals/ehrsync/internal/ehr"
)

var (
	ErrJobNotFound       = errors.New("sync job not found")
	ErrDuplicateJob      = errors.New("sync job already exists")
	ErrStaleTransition   = errors.New("sync job status changed concurrently")
	ErrIllegalTransition = errors.New("illegal sync job transition")
)

type JobType string

const (
	TypeFullSync        JobType = "FULL_SYNC"
	TypeIncrementalSync JobType = "INCREMENTAL_SYNC"
	TypeSingleResource  JobType = "SINGLE_RESOURCE"
)

func (t JobType) valid() bool {
	switch t {
	case TypeFullSync, TypeIncrementalSync, TypeSingleResource:
		return true
	}
	return false
}

type Direction string

const (
	DirectionPull          Direction = "PULL"
	DirectionPush          Direction = "PUSH"
	DirectionBidirectional Direction = "BIDIRECTIONAL"
)

func (d Direction) valid() bool {
	switch d {
	case DirectionPull, DirectionPush, DirectionBidirectional:
		return true
	}
	return false
}

func (d Direction) pulls() bool  { return d == DirectionPull || d == DirectionBidirectional }
func (d Direction) pushes() bool { return d == DirectionPush || d == DirectionBidirectional }

// Priority ranks queued jobs. Higher values are dequeued first.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var priorityNames = map[Priority]string{
	PriorityLow:    "LOW",
	PriorityNormal: "NORMAL",
	PriorityHigh:   "HIGH",
	PriorityUrgent: "URGENT",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// ParsePriority accepts any casing of a priority name.
func ParsePriority(s string) (Priority, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for p, name := range priorityNames {
		if name == up {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Statuses lists every job status.
var Statuses = []Status{StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}

// transitions holds the legal edges of the job state machine.
var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:  {StatusQueued},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Origin records who created a job.
type Origin string

const (
	OriginAPI       Origin = "api"
	OriginWebhook   Origin = "webhook"
	OriginScheduler Origin = "scheduler"
)

// Job is one unit of sync work against a single connection.
type Job struct {
	ID           uuid.UUID              `json:"id"`
	Seq          int64                  `json:"-"`
	Type         JobType                `json:"type"`
	Direction    Direction              `json:"direction"`
	Priority     Priority               `json:"priority"`
	Status       Status                 `json:"status"`
	Origin       Origin                 `json:"origin"`
	Provider     ehr.Provider           `json:"ehrProvider"`
	ConnectionID string                 `json:"ehrConnectionId"`
	PatientID    string                 `json:"patientId,omitempty"`
	ResourceType string                 `json:"resourceType,omitempty"`
	ResourceIDs  []string               `json:"resourceIds,omitempty"`
	Filters      map[string]interface{} `json:"filters,omitempty"`
	Options      map[string]interface{} `json:"options,omitempty"`

	RetryCount       int        `json:"retryCount"`
	MaxAttempts      int        `json:"maxAttempts"`
	ManualRetryCount int        `json:"manualRetryCount"`
	RateLimitHits    int        `json:"rateLimitHits"`
	NextAttemptAt    *time.Time `json:"nextAttemptAt,omitempty"`
	ErrorKind        ehr.Kind   `json:"errorKind,omitempty"`
	ErrorMessage     string     `json:"errorMessage,omitempty"`
	CancelRequested  bool       `json:"cancelRequested"`
	ClaimedBy        string     `json:"claimedBy,omitempty"`
	BulkExportID     *uuid.UUID `json:"bulkExportId,omitempty"`

	ResourcesProcessed int `json:"resourcesProcessed"`
	ResourcesCreated   int `json:"resourcesCreated"`
	ResourcesUpdated   int `json:"resourcesUpdated"`
	ResourcesSkipped   int `json:"resourcesSkipped"`
	ResourcesFailed    int `json:"resourcesFailed"`
	ConflictsDetected  int `json:"conflictsDetected"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Duration is the wall time of the last attempt of a finished job.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

func (j *Job) clone() *Job {
	cp := *j
	cp.ResourceIDs = append([]string(nil), j.ResourceIDs...)
	cp.Filters = copyMap(j.Filters)
	cp.Options = copyMap(j.Options)
	return &cp
}

// copyMap deep-copies decoded JSON so stored jobs never alias caller maps.
func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return copyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}

// CreateRequest is the body of POST /sync/jobs.
type CreateRequest struct {
	JobID        *uuid.UUID             `json:"jobId,omitempty"`
	Type         JobType                `json:"type"`
	Direction    Direction              `json:"direction"`
	Priority     *Priority              `json:"priority,omitempty"`
	Provider     ehr.Provider           `json:"ehrProvider"`
	ConnectionID string                 `json:"ehrConnectionId"`
	PatientID    string                 `json:"patientId,omitempty"`
	ResourceType string                 `json:"resourceType,omitempty"`
	ResourceIDs  []string               `json:"resourceIds,omitempty"`
	Filters      map[string]interface{} `json:"filters,omitempty"`
	Options      map[string]interface{} `json:"options,omitempty"`
}

// Validate checks the fields every job needs.
func (r *CreateRequest) Validate() error {
	const op = "create_sync_job"
	if !r.Type.valid() {
		return ehr.ValidationError(r.Provider, op, "invalid job type %q", r.Type)
	}
	if !r.Direction.valid() {
		return ehr.ValidationError(r.Provider, op, "invalid direction %q", r.Direction)
	}
	if _, err := ehr.ParseProvider(string(r.Provider)); err != nil {
		return err
	}
	if strings.TrimSpace(r.ConnectionID) == "" {
		return ehr.ValidationError(r.Provider, op, "ehrConnectionId is required")
	}
	if r.Priority != nil {
		if _, ok := priorityNames[*r.Priority]; !ok {
			return ehr.ValidationError(r.Provider, op, "invalid priority %d", int(*r.Priority))
		}
	}
	if r.Type == TypeSingleResource {
		if r.ResourceType == "" || len(r.ResourceIDs) == 0 {
			return ehr.ValidationError(r.Provider, op, "single resource jobs need resourceType and resourceIds")
		}
	}
	if len(r.ResourceIDs) > 0 && r.ResourceType == "" {
		return ehr.ValidationError(r.Provider, op, "resourceIds require a resourceType")
	}
	return nil
}

// ListFilter narrows job listings. Zero values match everything.
type ListFilter struct {
	ConnectionID string
	Status       Status
	Start        *time.Time
	End          *time.Time
}

func (f ListFilter) matches(j *Job) bool {
	if f.ConnectionID != "" && j.ConnectionID != f.ConnectionID {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Start != nil && j.CreatedAt.Before(*f.Start) {
		return false
	}
	if f.End != nil && !j.CreatedAt.Before(*f.End) {
		return false
	}
	return true
}
