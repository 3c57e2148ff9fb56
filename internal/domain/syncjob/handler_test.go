package syncjob

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/holovitals/ehrsync/internal/platform/auth"
)

func doRequest(t *testing.T, fn echo.HandlerFunc, method, target, body string, params ...string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req = req.WithContext(auth.WithUser(req.Context(), "operator-1", []string{auth.RoleSyncOperator}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	var names, values []string
	for i := 0; i+1 < len(params); i += 2 {
		names = append(names, params[i])
		values = append(values, params[i+1])
	}
	c.SetParamNames(names...)
	c.SetParamValues(values...)
	if err := fn(c); err != nil {
		he, ok := err.(*echo.HTTPError)
		if !ok {
			t.Fatalf("unexpected error: %v", err)
		}
		rec.Code = he.Code
	}
	return rec
}

func TestHandler_CreateAndGet(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	body := `{"type":"SINGLE_RESOURCE","direction":"PULL","priority":"URGENT","ehrProvider":"EPIC","ehrConnectionId":"` + f.connID + `","resourceType":"Observation","resourceIds":["a"]}`

	rec := doRequest(t, h.Create, http.MethodPost, "/sync/jobs", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		JobID string `json:"jobId"`
		Job   Job    `json:"job"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.JobID == "" || created.Job.Priority != PriorityUrgent || created.Job.Status != StatusQueued {
		t.Errorf("unexpected response %s", rec.Body.String())
	}

	rec = doRequest(t, h.Get, http.MethodGet, "/sync/jobs/"+created.JobID, "", "jobId", created.JobID)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_CreateValidation(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	tests := []struct {
		name string
		body string
	}{
		{"unknown type", `{"type":"PARTIAL","direction":"PULL","ehrProvider":"EPIC","ehrConnectionId":"c1"}`},
		{"unknown priority", `{"type":"FULL_SYNC","direction":"PULL","priority":"ASAP","ehrProvider":"EPIC","ehrConnectionId":"c1"}`},
		{"missing ids", `{"type":"SINGLE_RESOURCE","direction":"PULL","ehrProvider":"EPIC","ehrConnectionId":"c1"}`},
		{"malformed", `{"type":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, h.Create, http.MethodPost, "/sync/jobs", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestHandler_GetNotFound(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	rec := doRequest(t, h.Get, http.MethodGet, "/sync/jobs/x", "", "jobId", "00000000-0000-0000-0000-000000000001")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	rec = doRequest(t, h.Get, http.MethodGet, "/sync/jobs/x", "", "jobId", "not-a-uuid")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_CancelAndRetry(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	id := f.create(t, f.singleResource("a")).ID.String()

	rec := doRequest(t, h.Retry, http.MethodPost, "/sync/jobs/"+id+"/retry", "", "jobId", id)
	if rec.Code != http.StatusConflict {
		t.Errorf("retrying a queued job: expected 409, got %d", rec.Code)
	}
	rec = doRequest(t, h.Cancel, http.MethodDelete, "/sync/jobs/"+id, "", "jobId", id)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var j Job
	if err := json.Unmarshal(rec.Body.Bytes(), &j); err != nil {
		t.Fatal(err)
	}
	if j.Status != StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", j.Status)
	}
	rec = doRequest(t, h.Cancel, http.MethodDelete, "/sync/jobs/"+id, "", "jobId", id)
	if rec.Code != http.StatusConflict {
		t.Errorf("cancelling twice: expected 409, got %d", rec.Code)
	}
}

func TestHandler_ListAndStatistics(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	f.create(t, f.singleResource("a"))
	f.create(t, f.singleResource("b"))

	rec := doRequest(t, h.List, http.MethodGet, "/sync/jobs?ehrConnectionId="+f.connID+"&status=QUEUED&limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var page struct {
		Data  []Job `json:"data"`
		Total int   `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if page.Total != 2 || len(page.Data) != 1 {
		t.Errorf("expected 1 of 2 jobs, got %d of %d", len(page.Data), page.Total)
	}

	rec = doRequest(t, h.List, http.MethodGet, "/sync/jobs?status=PAUSED", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %d", rec.Code)
	}

	rec = doRequest(t, h.Statistics, http.MethodGet, "/sync/statistics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats Statistics
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.TotalJobs != 2 || stats.ByStatus[StatusQueued] != 2 {
		t.Errorf("unexpected statistics %+v", stats)
	}
}
