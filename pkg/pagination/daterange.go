package pagination

import (
	"fmt"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/holovitals/ehrsync/internal/platform/fhir"
)

// DateRange is a half-open [Start, End) interval; nil bounds are open.
type DateRange struct {
	Start *time.Time
	End   *time.Time
}

// DateRangeFromContext reads startDate and endDate. A day-precision endDate
// includes that whole day.
func DateRangeFromContext(c echo.Context) (DateRange, error) {
	var r DateRange
	if v := c.QueryParam("startDate"); v != "" {
		t, err := fhir.ParseDate(v)
		if err != nil {
			return r, fmt.Errorf("invalid startDate: %w", err)
		}
		r.Start = &t
	}
	if v := c.QueryParam("endDate"); v != "" {
		t, err := fhir.ParseDate(v)
		if err != nil {
			return r, fmt.Errorf("invalid endDate: %w", err)
		}
		switch len(v) {
		case len("2006"):
			t = t.AddDate(1, 0, 0)
		case len("2006-01"):
			t = t.AddDate(0, 1, 0)
		case len("2006-01-02"):
			t = t.AddDate(0, 0, 1)
		}
		r.End = &t
	}
	if r.Start != nil && r.End != nil && !r.End.After(*r.Start) {
		return r, fmt.Errorf("endDate must be after startDate")
	}
	return r, nil
}
