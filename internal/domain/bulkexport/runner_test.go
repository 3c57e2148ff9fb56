package bulkexport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/holovitals/ehrsync/internal/domain/audit"
	"github.com/holovitals/ehrsync/internal/domain/conflict"
	"github.com/holovitals/ehrsync/internal/domain/resource"
	"github.com/holovitals/ehrsync/internal/ehr"
	"github.com/holovitals/ehrsync/internal/platform/objectstore"
)

// scriptedConnector answers polls from a fixed status script.
type scriptedConnector struct {
	statuses  []ehr.ExportStatus
	polls     int
	resources []*ehr.RawResource
	pollErr   error
}

func (c *scriptedConnector) Provider() ehr.Provider { return ehr.ProviderEpic }

func (c *scriptedConnector) BuildAuthorizationURL(ehr.AuthorizationParams) (string, error) {
	return "", nil
}

func (c *scriptedConnector) ExchangeCodeForToken(context.Context, string, string) (*ehr.TokenSet, error) {
	return nil, errors.New("not implemented")
}

func (c *scriptedConnector) FetchResource(context.Context, string, string, *ehr.TokenSet) (*ehr.RawResource, error) {
	return nil, errors.New("not implemented")
}

func (c *scriptedConnector) InitiateBulkExport(_ context.Context, p ehr.BulkExportParams, _ *ehr.TokenSet) (*ehr.BulkExportJob, error) {
	return &ehr.BulkExportJob{
		ID:         uuid.New(),
		Provider:   ehr.ProviderEpic,
		ExportType: p.Type,
		Status:     ehr.ExportInitiated,
		PollURL:    "https://fhir.example/status/1",
	}, nil
}

func (c *scriptedConnector) PollBulkExportStatus(_ context.Context, job *ehr.BulkExportJob, _ *ehr.TokenSet) (*ehr.BulkExportJob, error) {
	if c.pollErr != nil {
		return nil, c.pollErr
	}
	out := *job
	status := ehr.ExportInProgress
	if c.polls < len(c.statuses) {
		status = c.statuses[c.polls]
	}
	c.polls++
	out.Status = status
	if status == ehr.ExportCompleted {
		out.OutputFiles = []ehr.ExportFile{{Type: "Observation", URL: "https://fhir.example/out/1.ndjson", Count: len(c.resources)}}
		out.ResourceCount = len(c.resources)
	}
	if status == ehr.ExportFailed {
		out.ErrorMessage = "export aborted"
	}
	return &out, nil
}

func (c *scriptedConnector) DownloadBulkExportFiles(_ context.Context, job *ehr.BulkExportJob, _ *ehr.TokenSet) (ehr.ResourceStream, error) {
	if job.Status != ehr.ExportCompleted {
		return nil, errors.New("not completed")
	}
	return ehr.NewSliceStream(c.resources), nil
}

func observations(n int) []*ehr.RawResource {
	out := make([]*ehr.RawResource, 0, n)
	for i := 0; i < n; i++ {
		payload, _ := json.Marshal(map[string]interface{}{
			"resourceType": "Observation",
			"id":           fmt.Sprintf("obs-%d", i),
			"status":       "final",
		})
		out = append(out, &ehr.RawResource{ResourceType: "Observation", ID: fmt.Sprintf("obs-%d", i), Payload: payload})
	}
	return out
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) sleep(_ context.Context, d time.Duration) error {
	c.t = c.t.Add(d)
	return nil
}

type auditLog struct{ events []*audit.Event }

func (a *auditLog) Record(_ context.Context, evs ...*audit.Event) error {
	a.events = append(a.events, evs...)
	return nil
}

func newRunner(repo Repository, clock *fakeClock, opts ...Option) *Runner {
	opts = append([]Option{
		WithClock(clock.now),
		WithSleep(clock.sleep),
		WithPolling(time.Second, time.Minute),
	}, opts...)
	return NewRunner(repo, zerolog.Nop(), opts...)
}

func TestRunner_PatientExportPersistsEveryResource(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	repo := NewMemoryRepo()
	archive := objectstore.NewMemoryStore()
	log := &auditLog{}
	runner := newRunner(repo, clock, WithArchive(archive), WithAudit(log), WithBatchSize(2))

	connector := &scriptedConnector{
		statuses:  []ehr.ExportStatus{ehr.ExportInProgress, ehr.ExportInProgress, ehr.ExportCompleted},
		resources: observations(5),
	}
	records := resource.NewMemoryRepo()
	merger := resource.NewMerger(records, conflict.NewEngine(0, 0), conflict.NewMemoryRepo(), nil, zerolog.Nop())
	batches := 0
	sink := func(ctx context.Context, batch []*ehr.RawResource) error {
		batches++
		for _, r := range batch {
			if _, err := merger.Apply(ctx, resource.Update{ConnectionID: "conn-1", Source: conflict.SourceBulkExport, Resource: r}); err != nil {
				return err
			}
		}
		return nil
	}

	syncJob := uuid.New()
	job, err := runner.Run(ctx, connector, Request{
		ConnectionID: "conn-1",
		SyncJobID:    &syncJob,
		Params:       ehr.BulkExportParams{Type: ehr.ExportPatient, PatientID: "p1"},
	}, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.Status != ehr.ExportCompleted {
		t.Fatalf("expected COMPLETED, got %s", job.Status)
	}
	if connector.polls != 3 {
		t.Errorf("expected 3 polls, got %d", connector.polls)
	}
	if batches != 3 {
		t.Errorf("expected 3 batches of at most 2, got %d", batches)
	}

	_, total, _ := records.List(ctx, resource.Filter{ConnectionID: "conn-1"}, 100, 0)
	if total != job.ResourceCount || total != 5 {
		t.Errorf("expected %d persisted records, got %d", job.ResourceCount, total)
	}

	stored, err := repo.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != ehr.ExportCompleted || stored.ResourceCount != 5 || stored.TotalBytes == 0 {
		t.Errorf("unexpected stored export %+v", stored)
	}
	if stored.SyncJobID == nil || *stored.SyncJobID != syncJob {
		t.Errorf("export not linked to sync job")
	}

	data, _, err := archive.Get(ArchiveKey(job))
	if err != nil {
		t.Fatalf("expected archived NDJSON: %v", err)
	}
	if lines := bytes.Count(data, []byte("\n")); lines != 5 {
		t.Errorf("expected 5 archived lines, got %d", lines)
	}

	var transitions []string
	for _, e := range log.events {
		transitions = append(transitions, e.To)
	}
	want := []string{"INITIATED", "IN_PROGRESS", "COMPLETED", "DOWNLOADED"}
	if fmt.Sprint(transitions) != fmt.Sprint(want) {
		t.Errorf("expected audit trail %v, got %v", want, transitions)
	}
}

func TestRunner_TimesOut(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	repo := NewMemoryRepo()
	runner := newRunner(repo, clock)

	job, err := runner.Run(ctx, &scriptedConnector{}, Request{ConnectionID: "c", Params: ehr.BulkExportParams{Type: ehr.ExportSystem}}, func(context.Context, []*ehr.RawResource) error {
		t.Fatal("sink must not be called")
		return nil
	})
	if ehr.KindOf(err) != ehr.KindUpstream {
		t.Fatalf("expected upstream error, got %v", err)
	}
	stored, _ := repo.GetByID(ctx, job.ID)
	if stored.Status != ehr.ExportFailed || stored.ErrorMessage == "" || stored.CompletedAt == nil {
		t.Errorf("expected persisted FAILED export, got %+v", stored)
	}
}

func TestRunner_VendorFailure(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	runner := newRunner(NewMemoryRepo(), clock)
	connector := &scriptedConnector{statuses: []ehr.ExportStatus{ehr.ExportFailed}}

	job, err := runner.Run(ctx, connector, Request{ConnectionID: "c", Params: ehr.BulkExportParams{Type: ehr.ExportPatient}}, nil)
	if ehr.KindOf(err) != ehr.KindUpstream {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if job.Status != ehr.ExportFailed {
		t.Errorf("expected FAILED, got %s", job.Status)
	}
}

func TestRunner_PollErrorFailsExport(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	repo := NewMemoryRepo()
	runner := newRunner(repo, clock)
	connector := &scriptedConnector{pollErr: ehr.UpstreamError(ehr.ProviderEpic, "poll_bulk_export", "bad gateway")}

	job, err := runner.Run(ctx, connector, Request{ConnectionID: "c", Params: ehr.BulkExportParams{Type: ehr.ExportPatient}}, nil)
	if ehr.KindOf(err) != ehr.KindUpstream {
		t.Fatalf("expected upstream error, got %v", err)
	}
	stored, _ := repo.GetByID(ctx, job.ID)
	if stored.Status != ehr.ExportFailed {
		t.Errorf("expected FAILED, got %s", stored.Status)
	}
}

func TestRunner_SinkErrorStopsDownload(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	archive := objectstore.NewMemoryStore()
	runner := newRunner(NewMemoryRepo(), clock, WithBatchSize(1), WithArchive(archive))
	connector := &scriptedConnector{statuses: []ehr.ExportStatus{ehr.ExportCompleted}, resources: observations(3)}

	boom := errors.New("store unavailable")
	calls := 0
	_, err := runner.Run(ctx, connector, Request{ConnectionID: "c", Params: ehr.BulkExportParams{Type: ehr.ExportPatient}}, func(context.Context, []*ehr.RawResource) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected sink error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected download to stop after first batch, got %d calls", calls)
	}
	if keys := archive.Keys("exports/"); len(keys) != 0 {
		t.Errorf("expected no archive object after failure, got %v", keys)
	}
}

func TestRunner_StoppedSinkKeepsExportStatus(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	repo := NewMemoryRepo()
	aud := &auditLog{}
	runner := newRunner(repo, clock, WithBatchSize(1), WithAudit(aud))
	connector := &scriptedConnector{statuses: []ehr.ExportStatus{ehr.ExportCompleted}, resources: observations(3)}

	job, err := runner.Run(ctx, connector, Request{ConnectionID: "c", Params: ehr.BulkExportParams{Type: ehr.ExportPatient}}, func(context.Context, []*ehr.RawResource) error {
		return fmt.Errorf("%w: sync job cancelled", ErrStopped)
	})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("expected the stop to surface, got %v", err)
	}
	stored, _ := repo.GetByID(ctx, job.ID)
	if stored.Status != ehr.ExportCompleted || stored.ErrorMessage != "" {
		t.Errorf("expected the export to stay COMPLETED, got %s %q", stored.Status, stored.ErrorMessage)
	}
	for _, ev := range aud.events {
		if ev.To == string(ehr.ExportFailed) {
			t.Errorf("unexpected failure audit event %+v", ev)
		}
	}
}
