package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// Static routes take precedence over the passthrough catch-all.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	e.Any("/api/proxy", proxy.HandleIndirect)
	e.Any("/api/proxy/*", proxy.HandleIndirect)
	e.Any("/*", proxy.Handle)
}
