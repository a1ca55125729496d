package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"hls-proxy-go/internal/config"
)

const rateLimitExpiry = 3 * time.Minute

// RateLimiter returns a per-client-IP token bucket limiter. Rejections are
// plain text with a wildcard CORS origin so players can surface them.
// Liveness probes are never limited.
func RateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) echo.MiddlewareFunc {
	return echomw.RateLimiterWithConfig(rateLimiterConfig(cfg, logger))
}

func rateLimiterConfig(cfg config.RateLimitConfig, logger *slog.Logger) echomw.RateLimiterConfig {
	burst := cfg.Burst
	if burst == 0 {
		burst = int(math.Ceil(cfg.RequestsPerSecond))
	}

	store := echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(cfg.RequestsPerSecond),
		Burst:     burst,
		ExpiresIn: rateLimitExpiry,
	})

	return echomw.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/healthz"
		},
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		// Extractor failures are server faults, never access denials.
		ErrorHandler: func(c echo.Context, err error) error {
			logger.Error("rate limiter identifier", "err", err, "path", c.Request().URL.Path)
			c.Response().Header().Set(echo.HeaderAccessControlAllowOrigin, "*")
			return c.Blob(http.StatusInternalServerError, "text/plain", []byte("Internal Server Error"))
		},
		DenyHandler: func(c echo.Context, identifier string, _ error) error {
			logger.Warn("rate limited",
				"remote_ip", identifier,
				"path", c.Request().URL.Path,
			)
			c.Response().Header().Set(echo.HeaderAccessControlAllowOrigin, "*")
			return c.Blob(http.StatusTooManyRequests, "text/plain", []byte("Too Many Requests"))
		},
	}
}
