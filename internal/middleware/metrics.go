package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"hls-proxy-go/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. Requests to skipPaths (typically the scrape
// endpoint itself) are not recorded.
func MetricsMiddleware(m *metrics.Metrics, skipPaths ...string) echo.MiddlewareFunc {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if skip[req.URL.Path] {
				return next(c)
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			err := next(c)
			elapsed := time.Since(start).Seconds()

			res := c.Response()
			statusCode := res.Status
			// An *echo.HTTPError is written later by the central error
			// handler, so the response status is not final yet.
			var he *echo.HTTPError
			if err != nil && errors.As(err, &he) {
				statusCode = he.Code
			}

			status := strconv.Itoa(statusCode)
			method := metrics.NormalizeMethod(req.Method)
			prefix := metrics.NormalizePath(req.URL.Path)

			m.RequestsTotal.WithLabelValues(method, status, prefix).Inc()
			m.RequestDuration.WithLabelValues(method, status, prefix).Observe(elapsed)
			m.ResponseBytes.WithLabelValues(prefix).Add(float64(res.Size))

			return err
		}
	}
}
