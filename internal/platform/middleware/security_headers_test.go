package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestSecurityHeaders(t *testing.T) {
	for _, hsts := range []bool{false, true} {
		e := echo.New()
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/sync/jobs", nil), rec)

		err := SecurityHeaders(hsts)(func(c echo.Context) error {
			return c.String(http.StatusOK, "ok")
		})(c)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		for _, kv := range apiHeaders {
			if got := rec.Header().Get(kv[0]); got != kv[1] {
				t.Errorf("%s: expected %q, got %q", kv[0], kv[1], got)
			}
		}
		if got := rec.Header().Get("Strict-Transport-Security") != ""; got != hsts {
			t.Errorf("hsts=%v: Strict-Transport-Security present=%v", hsts, got)
		}
	}
}
