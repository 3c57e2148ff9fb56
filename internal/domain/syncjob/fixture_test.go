package syncjob

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/holovitals/ehrsync/internal/domain/audit"
	"github.com/holovitals/ehrsync/internal/domain/bulkexport"
	"github.com/holovitals/ehrsync/internal/domain/conflict"
	"github.com/holovitals/ehrsync/internal/domain/connection"
	"github.com/holovitals/ehrsync/internal/domain/resource"
	"github.com/holovitals/ehrsync/internal/ehr"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingAudit struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (r *recordingAudit) Record(_ context.Context, evs ...*audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evs...)
	return nil
}

// transitions returns the job transitions recorded for id as "FROM->TO".
func (r *recordingAudit) transitions(id uuid.UUID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Kind == audit.KindJobTransition && e.SyncJobID != nil && *e.SyncJobID == id {
			out = append(out, e.From+"->"+e.To)
		}
	}
	return out
}

type fakeConnections struct {
	mu         sync.Mutex
	conns      map[string]*connection.Connection
	refreshErr error
	refreshes  int
	synced     []string
	scheduled  []string
}

func (f *fakeConnections) GetByRef(_ context.Context, ref string) (*connection.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conns[ref]
	if !ok {
		return nil, connection.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeConnections) RefreshToken(_ context.Context, c *connection.Connection, _ ehr.Connector) (*connection.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	cp := *c
	cp.Token = ehr.TokenSet{AccessToken: "fresh-token", RefreshToken: "rt"}
	f.conns[c.ID.String()] = &cp
	return &cp, nil
}

func (f *fakeConnections) MarkSynced(_ context.Context, ref string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, ref)
	return nil
}

func (f *fakeConnections) ListDue(_ context.Context, _ int) ([]*connection.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*connection.Connection
	for _, c := range f.conns {
		if c.Status == connection.StatusActive {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeConnections) ScheduleNext(_ context.Context, c *connection.Connection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, c.ID.String())
	return nil
}

// fakeConnector scripts FetchResource and records pushes and tokens used.
type fakeConnector struct {
	mu      sync.Mutex
	fetch   func(ctx context.Context, resourceType, id string) (*ehr.RawResource, error)
	fetches int
	tokens  []string
	pushed  []string
}

func (f *fakeConnector) Provider() ehr.Provider { return ehr.ProviderEpic }

func (f *fakeConnector) BuildAuthorizationURL(ehr.AuthorizationParams) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeConnector) ExchangeCodeForToken(context.Context, string, string) (*ehr.TokenSet, error) {
	return nil, errors.New("not used")
}

func (f *fakeConnector) FetchResource(ctx context.Context, resourceType, id string, token *ehr.TokenSet) (*ehr.RawResource, error) {
	f.mu.Lock()
	f.fetches++
	f.tokens = append(f.tokens, token.AccessToken)
	fetch := f.fetch
	f.mu.Unlock()
	if fetch == nil {
		return observation(id), nil
	}
	return fetch(ctx, resourceType, id)
}

func (f *fakeConnector) InitiateBulkExport(context.Context, ehr.BulkExportParams, *ehr.TokenSet) (*ehr.BulkExportJob, error) {
	return nil, errors.New("not used")
}

func (f *fakeConnector) PollBulkExportStatus(context.Context, *ehr.BulkExportJob, *ehr.TokenSet) (*ehr.BulkExportJob, error) {
	return nil, errors.New("not used")
}

func (f *fakeConnector) DownloadBulkExportFiles(context.Context, *ehr.BulkExportJob, *ehr.TokenSet) (ehr.ResourceStream, error) {
	return nil, errors.New("not used")
}

func (f *fakeConnector) RefreshToken(context.Context, *ehr.TokenSet) (*ehr.TokenSet, error) {
	return &ehr.TokenSet{AccessToken: "fresh-token"}, nil
}

func (f *fakeConnector) PushResource(_ context.Context, r *ehr.RawResource, _ *ehr.TokenSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, r.Key())
	return nil
}

func (f *fakeConnector) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type fakeSource struct{ connector ehr.Connector }

func (s fakeSource) Connector(ehr.Target) (ehr.Connector, error) { return s.connector, nil }

// fakeExporter hands a fixed set of resources to the sink in one batch.
type fakeExporter struct {
	resources  []*ehr.RawResource
	err        error
	requests   []bulkexport.Request
	exportID   uuid.UUID
	beforeSink func(ctx context.Context)
	sinkErr    error
}

func (f *fakeExporter) Run(ctx context.Context, _ ehr.Connector, req bulkexport.Request, sink bulkexport.Sink) (*ehr.BulkExportJob, error) {
	f.requests = append(f.requests, req)
	job := &ehr.BulkExportJob{ID: f.exportID, Status: ehr.ExportCompleted}
	if f.err != nil {
		return job, f.err
	}
	if f.beforeSink != nil {
		f.beforeSink(ctx)
	}
	if err := sink(ctx, f.resources); err != nil {
		f.sinkErr = err
		return job, err
	}
	job.ResourceCount = len(f.resources)
	return job, nil
}

func observation(id string) *ehr.RawResource {
	payload, _ := json.Marshal(map[string]interface{}{
		"resourceType": "Observation",
		"id":           id,
		"status":       "final",
	})
	return &ehr.RawResource{ResourceType: "Observation", ID: id, LastModified: t0, Payload: payload}
}

type fixture struct {
	svc       *Service
	repo      Repository
	conns     *fakeConnections
	connector *fakeConnector
	exporter  *fakeExporter
	resources resource.Repository
	audit     *recordingAudit
	clock     *testClock
	connID    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := &connection.Connection{
		ID:        uuid.New(),
		UserID:    "user-1",
		Provider:  ehr.ProviderEpic,
		BaseURL:   "https://fhir.epic.test/api/FHIR/R4",
		PatientID: "pat-1",
		Token:     ehr.TokenSet{AccessToken: "token-1", RefreshToken: "rt"},
		Status:    connection.StatusActive,
	}
	f := &fixture{
		repo:      NewMemoryRepo(),
		conns:     &fakeConnections{conns: map[string]*connection.Connection{conn.ID.String(): conn}},
		connector: &fakeConnector{},
		exporter:  &fakeExporter{exportID: uuid.New()},
		resources: resource.NewMemoryRepo(),
		audit:     &recordingAudit{},
		clock:     &testClock{now: t0},
		connID:    conn.ID.String(),
	}
	merger := resource.NewMerger(f.resources, conflict.NewEngine(0, 24*time.Hour), conflict.NewMemoryRepo(), f.audit, zerolog.Nop())
	merger.SetClock(f.clock.Now)
	f.svc = NewService(f.repo, Deps{
		Connections: f.conns,
		Connectors:  fakeSource{connector: f.connector},
		Merger:      merger,
		Resources:   f.resources,
		Exporter:    f.exporter,
		Audit:       f.audit,
	}, zerolog.Nop(),
		WithClock(f.clock.Now),
		WithRetryPolicy(RetryPolicy{BaseDelay: 5 * time.Second, MaxDelay: time.Minute, Jitter: func() float64 { return 0.5 }}),
	)
	return f
}

func (f *fixture) singleResource(ids ...string) CreateRequest {
	return CreateRequest{
		Type:         TypeSingleResource,
		Direction:    DirectionPull,
		Provider:     ehr.ProviderEpic,
		ConnectionID: f.connID,
		ResourceType: "Observation",
		ResourceIDs:  ids,
	}
}

func (f *fixture) create(t *testing.T, req CreateRequest) *Job {
	t.Helper()
	j, err := f.svc.CreateJob(context.Background(), req, OriginAPI)
	if err != nil {
		t.Fatalf("CreateJob() error: %v", err)
	}
	return j
}

// runUntilSettled runs jobs, advancing the clock past any backoff, until the
// queue is empty.
func (f *fixture) runUntilSettled(t *testing.T) {
	t.Helper()
	for i := 0; i < 20; i++ {
		ran, err := f.svc.RunNext(context.Background(), "w-0")
		if err != nil {
			t.Fatalf("RunNext() error: %v", err)
		}
		if !ran {
			n, _ := f.repo.CountQueued(context.Background())
			if n == 0 {
				return
			}
		}
		f.clock.Advance(time.Hour)
	}
	t.Fatal("queue did not settle")
}

func (f *fixture) job(t *testing.T, id uuid.UUID) *Job {
	t.Helper()
	j, err := f.repo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	return j
}

func priorityOf(p Priority) *Priority { return &p }
