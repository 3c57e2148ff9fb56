package conflict

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func seededHandler(t *testing.T) *Handler {
	t.Helper()
	repo := NewMemoryRepo()
	ctx := context.Background()
	repo.Append(ctx, sampleRecord("Observation", "valueQuantity", StrategySourcePriority, t0))
	repo.Append(ctx, sampleRecord("Observation", "status", StrategyManualReview, t0.Add(time.Hour)))
	repo.Append(ctx, sampleRecord("Condition", "clinicalStatus", StrategyLastWriterWins, t0.Add(48*time.Hour)))
	return NewHandler(repo)
}

func doGet(t *testing.T, fn echo.HandlerFunc, target string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	if err := fn(e.NewContext(req, rec)); err != nil {
		he, ok := err.(*echo.HTTPError)
		if !ok {
			t.Fatalf("unexpected error: %v", err)
		}
		rec.Code = he.Code
	}
	return rec
}

func TestHandler_Statistics(t *testing.T) {
	h := seededHandler(t)
	rec := doGet(t, h.Statistics, "/sync/conflicts/statistics?resourceType=Observation&startDate=2024-05-01&endDate=2024-05-01")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var s Statistics
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatal(err)
	}
	if s.Total != 2 || s.NeedsReview != 1 || s.ByStrategy[StrategySourcePriority] != 1 {
		t.Errorf("unexpected statistics %+v", s)
	}
}

func TestHandler_Statistics_BadDate(t *testing.T) {
	h := seededHandler(t)
	rec := doGet(t, h.Statistics, "/sync/conflicts/statistics?startDate=tomorrow")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_ListReview(t *testing.T) {
	h := seededHandler(t)
	rec := doGet(t, h.ListReview, "/sync/conflicts/review")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Data  []Record `json:"data"`
		Total int      `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 1 || body.Data[0].Field != "status" {
		t.Errorf("unexpected review page %+v", body)
	}
}

func TestHandler_List(t *testing.T) {
	h := seededHandler(t)
	rec := doGet(t, h.List, "/sync/conflicts?ehrConnectionId=conn-1&limit=2")
	var body struct {
		Data    []Record `json:"data"`
		Total   int      `json:"total"`
		HasMore bool     `json:"hasMore"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 3 || len(body.Data) != 2 || !body.HasMore {
		t.Errorf("unexpected page %+v", body)
	}
}
