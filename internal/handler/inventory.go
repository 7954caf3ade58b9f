package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-inventory/internal/idgen"
	"github.com/iliyamo/ticket-inventory/internal/inventory"
	"github.com/iliyamo/ticket-inventory/internal/lock"
	"github.com/iliyamo/ticket-inventory/internal/model"
	"github.com/iliyamo/ticket-inventory/internal/obs"
	"github.com/iliyamo/ticket-inventory/internal/repository"
)

// InventoryHandler exposes the reservation engine over HTTP. It holds no
// state of its own: every request maps onto one engine operation.
type InventoryHandler struct {
	Engine     *inventory.Engine
	IDs        *idgen.Generator
	TableCount int // order tables; order numbers share the user's residue
	Log        *slog.Logger
}

// NewInventoryHandler constructs an InventoryHandler. engine and ids must be
// non-nil.
func NewInventoryHandler(engine *inventory.Engine, ids *idgen.Generator, tableCount int, log *slog.Logger) *InventoryHandler {
	if engine == nil || ids == nil {
		panic("nil dependency passed to NewInventoryHandler")
	}
	if log == nil {
		log = obs.Discard()
	}
	return &InventoryHandler{Engine: engine, IDs: ids, TableCount: tableCount, Log: log}
}

type reserveRequest struct {
	UserID int64            `json:"user_id"`
	Items  []inventory.Item `json:"items"`
}

type reserveResponse struct {
	OrderNumber int64        `json:"order_number,string"`
	GroupID     int64        `json:"group_id"`
	Seats       []model.Seat `json:"seats"`
}

type seatsRequest struct {
	Seats []model.SeatRef `json:"seats"`
}

// Remaining handles GET /v1/groups/:id/remaining.
func (h *InventoryHandler) Remaining(c echo.Context) error {
	groupID, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid group id"})
	}
	counts, err := h.Engine.Remaining(c.Request().Context(), groupID)
	if err != nil {
		return h.fail(c, "remaining", groupID, err)
	}
	out := make(map[string]int64, len(counts))
	for cat, n := range counts {
		out[strconv.FormatInt(cat, 10)] = n
	}
	return c.JSON(http.StatusOK, echo.Map{"group_id": groupID, "remaining": out})
}

// Seats handles GET /v1/groups/:id/categories/:cid/seats.
func (h *InventoryHandler) Seats(c echo.Context) error {
	groupID, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid group id"})
	}
	categoryID, err := pathID(c, "cid")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid category id"})
	}
	sm, err := h.Engine.SeatMap(c.Request().Context(), groupID, categoryID)
	if err != nil {
		return h.fail(c, "seat map", groupID, err)
	}
	return c.JSON(http.StatusOK, sm)
}

// Reserve handles POST /v1/groups/:id/reserve. On success it returns 201
// with an order number aligned to the user's order table and the locked
// seats. If no order number can be minted the seats are rolled back.
func (h *InventoryHandler) Reserve(c echo.Context) error {
	groupID, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid group id"})
	}
	var body reserveRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.UserID <= 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "user_id is required"})
	}
	if len(body.Items) == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "items is required"})
	}

	ctx := c.Request().Context()
	res, err := h.Engine.Reserve(ctx, groupID, body.Items)
	if err != nil {
		return h.fail(c, "reserve", groupID, err)
	}
	order, err := h.IDs.NextShardAlignedID(body.UserID, h.TableCount)
	if err != nil {
		refs := make([]model.SeatRef, len(res.Seats))
		for i, s := range res.Seats {
			refs[i] = s.Ref()
		}
		// The seats must come back even if the client already went away.
		if rbErr := h.Engine.Rollback(context.WithoutCancel(ctx), groupID, refs); rbErr != nil {
			h.Log.Error("rollback after failed order number", "group", groupID, "err", rbErr)
		}
		return h.fail(c, "order number", groupID, err)
	}
	h.Log.Info("seats reserved", "group", groupID, "user", body.UserID, "order", order, "seats", len(res.Seats))
	return c.JSON(http.StatusCreated, reserveResponse{OrderNumber: order, GroupID: groupID, Seats: res.Seats})
}

// Rollback handles POST /v1/groups/:id/rollback.
func (h *InventoryHandler) Rollback(c echo.Context) error {
	return h.transfer(c, "rollback", h.Engine.Rollback)
}

// Confirm handles POST /v1/groups/:id/confirm.
func (h *InventoryHandler) Confirm(c echo.Context) error {
	return h.transfer(c, "confirm", h.Engine.Confirm)
}

func (h *InventoryHandler) transfer(c echo.Context, op string, run func(ctx context.Context, groupID int64, seats []model.SeatRef) error) error {
	groupID, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid group id"})
	}
	var body seatsRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if len(body.Seats) == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "seats is required"})
	}
	if err := run(c.Request().Context(), groupID, body.Seats); err != nil {
		return h.fail(c, op, groupID, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Reset handles POST /v1/admin/groups/:id/reset.
func (h *InventoryHandler) Reset(c echo.Context) error {
	groupID, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid group id"})
	}
	if err := h.Engine.Reset(c.Request().Context(), groupID); err != nil {
		return h.fail(c, "reset", groupID, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Invalidate handles DELETE /v1/admin/groups/:id/cache.
func (h *InventoryHandler) Invalidate(c echo.Context) error {
	groupID, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid group id"})
	}
	if err := h.Engine.Invalidate(c.Request().Context(), groupID); err != nil {
		return h.fail(c, "invalidate", groupID, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// fail maps an engine error onto a status code and a JSON body.
func (h *InventoryHandler) fail(c echo.Context, op string, groupID int64, err error) error {
	var rej *inventory.RejectionError
	switch {
	case errors.As(err, &rej):
		status := http.StatusConflict
		switch rej.Code {
		case inventory.CodeCategoryNotFound:
			status = http.StatusNotFound
		case inventory.CodeContended:
			status = http.StatusTooManyRequests
			c.Response().Header().Set("Retry-After", "1")
		}
		body := echo.Map{"error": rej.Code.String(), "category_id": rej.CategoryID}
		if rej.SeatID != 0 {
			body["seat_id"] = rej.SeatID
		}
		if rej.Code == inventory.CodeInsufficient {
			body["remaining"] = rej.Remaining
		}
		return c.JSON(status, body)
	case errors.Is(err, repository.ErrGroupNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "group not found"})
	case errors.Is(err, inventory.ErrInvalidRequest):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, lock.ErrTimeout):
		c.Response().Header().Set("Retry-After", "1")
		return c.JSON(http.StatusTooManyRequests, echo.Map{"error": "busy, retry later"})
	case inventory.IsTransient(err), errors.Is(err, idgen.ErrClockMovedBackwards):
		h.Log.Warn("request failed", "op", op, "group", groupID, "err", err)
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "temporarily unavailable"})
	default:
		h.Log.Error("request failed", "op", op, "group", groupID, "err", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
}

func pathID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}
