package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Middleware records request counts and latency by route pattern.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			HTTPInFlight.Inc()
			defer HTTPInFlight.Dec()

			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			HTTPDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			HTTPRequests.WithLabelValues(method, route, strconv.Itoa(c.Response().Status)).Inc()
			return nil
		}
	}
}

// Handler serves the Prometheus exposition format. Each refresh func runs
// before the scrape to update gauges that are sampled rather than counted.
func Handler(refresh ...func()) echo.HandlerFunc {
	h := promhttp.Handler()
	return func(c echo.Context) error {
		for _, fn := range refresh {
			fn()
		}
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}
