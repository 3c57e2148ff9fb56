package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestHandler_ListAndSummary(t *testing.T) {
	svc, _ := newTestService(nil)
	at := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	svc.Record(context.Background(),
		&Event{Kind: KindJobTransition, ConnectionID: "conn-1", From: "QUEUED", To: "RUNNING", OccurredAt: at},
		&Event{Kind: KindBulkExport, ConnectionID: "conn-1", OccurredAt: at.Add(time.Minute)},
		&Event{Kind: KindBulkExport, ConnectionID: "conn-2", OccurredAt: at},
	)
	h := NewHandler(svc)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/sync/audit?ehrConnectionId=conn-1&kind=BULK_EXPORT", nil)
	rec := httptest.NewRecorder()
	if err := h.List(e.NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}
	var page struct {
		Data  []Event `json:"data"`
		Total int     `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 1 || page.Data[0].Kind != KindBulkExport {
		t.Errorf("unexpected page %+v", page)
	}

	req = httptest.NewRequest(http.MethodGet, "/sync/audit/summary?startDate=2024-06-01&endDate=2024-06-01", nil)
	rec = httptest.NewRecorder()
	if err := h.Summary(e.NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}
	var s Summary
	json.Unmarshal(rec.Body.Bytes(), &s)
	if s.Total != 3 || s.ByKind[KindBulkExport] != 2 {
		t.Errorf("unexpected summary %+v", s)
	}
}

func TestHandler_BadSyncJobID(t *testing.T) {
	svc, _ := newTestService(nil)
	h := NewHandler(svc)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/sync/audit?syncJobId=not-a-uuid", nil)
	err := h.List(e.NewContext(req, httptest.NewRecorder()))
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}
