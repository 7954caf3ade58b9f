package handler

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

// Health is a liveness endpoint used by load balancers. It returns a plain
// text "ok" as long as the process serves HTTP.
func Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// ReadyHandler reports whether the backing stores are reachable.
type ReadyHandler struct {
	Redis redis.Cmdable
	DB    *sql.DB
}

// Ready handles GET /readyz. Redis holds the ledger and MySQL seeds it, so
// both must answer a ping within a second.
func (h *ReadyHandler) Ready(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), time.Second)
	defer cancel()

	checks := echo.Map{"redis": "ok", "mysql": "ok"}
	status := http.StatusOK
	if err := h.Redis.Ping(ctx).Err(); err != nil {
		checks["redis"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := h.DB.PingContext(ctx); err != nil {
		checks["mysql"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, checks)
}
