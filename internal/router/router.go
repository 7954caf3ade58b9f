package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iliyamo/ticket-inventory/internal/handler"
	"github.com/iliyamo/ticket-inventory/internal/middleware"
)

// RegisterRoutes registers the unauthenticated operational endpoints:
// liveness, readiness and Prometheus metrics.
func RegisterRoutes(e *echo.Echo, ready *handler.ReadyHandler) {
	e.GET("/healthz", handler.Health)
	if ready != nil {
		e.GET("/readyz", ready.Ready)
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// RegisterInventory registers the inventory API under /v1. Every route is
// limited per client; reservations are also limited per buyer and group.
// A nil limiter disables both.
func RegisterInventory(e *echo.Echo, h *handler.InventoryHandler, limiter *middleware.Limiter) {
	g := e.Group("/v1", limiter.PerClient())

	// ---- Read path ----
	g.GET("/groups/:id/remaining", h.Remaining)
	g.GET("/groups/:id/categories/:cid/seats", h.Seats)

	// ---- Reservation lifecycle ----
	g.POST("/groups/:id/reserve", h.Reserve, limiter.PerBuyer())
	g.POST("/groups/:id/rollback", h.Rollback)
	g.POST("/groups/:id/confirm", h.Confirm)

	// ---- Administration ----
	// Network-level access control is expected in front of /v1/admin.
	g.POST("/admin/groups/:id/reset", h.Reset)
	g.DELETE("/admin/groups/:id/cache", h.Invalidate)
}
