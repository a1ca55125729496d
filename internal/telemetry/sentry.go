// Package telemetry reports proxy failures to Sentry.
//
// A Reporter built from an empty DSN is disabled and every method is a no-op,
// as is a nil *Reporter.
package telemetry

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/labstack/echo/v4"

	"hls-proxy-go/internal/config"
)

const flushTimeout = 2 * time.Second

// scrubbedHeaders never leave the process.
var scrubbedHeaders = []string{"Authorization", "Cookie", "Proxy-Authorization", "Set-Cookie"}

// Reporter sends errors and recovered panics to Sentry.
type Reporter struct {
	hub    *sentry.Hub
	logger *slog.Logger
}

// NewReporter creates a Reporter. release identifies the running build.
func NewReporter(cfg *config.Config, release string, logger *slog.Logger) (*Reporter, error) {
	logger = logger.With("component", "telemetry")
	if cfg.Sentry.DSN == "" {
		logger.Debug("sentry disabled: no dsn configured")
		return &Reporter{logger: logger}, nil
	}
	r, err := newReporter(clientOptions(cfg.Sentry, release), logger)
	if err != nil {
		return nil, err
	}
	logger.Info("sentry enabled", "environment", cfg.Sentry.Environment)
	return r, nil
}

func newReporter(opts sentry.ClientOptions, logger *slog.Logger) (*Reporter, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("sentry client: %w", err)
	}
	return &Reporter{
		hub:    sentry.NewHub(client, sentry.NewScope()),
		logger: logger,
	}, nil
}

func clientOptions(cfg config.SentryConfig, release string) sentry.ClientOptions {
	return sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          release,
		SampleRate:       cfg.SampleRate,
		AttachStacktrace: true,
		Tags: map[string]string{
			"service": "hls-proxy",
		},
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return scrub(event)
		},
	}
}

// Enabled reports whether events are sent anywhere.
func (r *Reporter) Enabled() bool {
	return r != nil && r.hub != nil
}

// CaptureError reports err with the given tags.
func (r *Reporter) CaptureError(err error, tags map[string]string) {
	if err == nil || !r.Enabled() {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		r.hub.CaptureException(err)
	})
}

// LogPanic satisfies echo's RecoverConfig.LogErrorFunc: it logs the panic and
// reports it with the request attached. The error is returned unchanged so
// echo still answers 500.
func (r *Reporter) LogPanic(c echo.Context, err error, stack []byte) error {
	if r == nil {
		return err
	}
	r.logger.Error("recovered panic",
		"err", err,
		"path", c.Request().URL.Path,
		"stack", string(stack),
	)
	if r.Enabled() {
		hub := r.hub.Clone()
		hub.Scope().SetRequest(c.Request())
		hub.Scope().SetTag("panic", "true")
		hub.CaptureException(err)
	}
	return err
}

// Flush waits for buffered events to be delivered.
func (r *Reporter) Flush() bool {
	if !r.Enabled() {
		return true
	}
	return r.hub.Flush(flushTimeout)
}

// scrub strips credentials and caller addresses from an event.
func scrub(event *sentry.Event) *sentry.Event {
	if event == nil {
		return nil
	}
	event.User.IPAddress = ""
	if event.Request != nil {
		for _, h := range scrubbedHeaders {
			if _, ok := event.Request.Headers[h]; ok {
				event.Request.Headers[h] = "[redacted]"
			}
		}
		event.Request.Cookies = ""
	}
	return event
}
