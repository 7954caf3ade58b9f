package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticket-inventory/internal/clock"
	"github.com/iliyamo/ticket-inventory/internal/idgen"
	"github.com/iliyamo/ticket-inventory/internal/inventory"
	"github.com/iliyamo/ticket-inventory/internal/lock"
	"github.com/iliyamo/ticket-inventory/internal/model"
	"github.com/iliyamo/ticket-inventory/internal/repository"
)

type memStore struct {
	mu       sync.Mutex
	group    model.InventoryGroup
	seats    map[int64][]model.Seat
	groupErr error
}

func (s *memStore) LoadInventoryGroup(_ context.Context, id int64) (model.InventoryGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groupErr != nil {
		return model.InventoryGroup{}, s.groupErr
	}
	if id != s.group.ID {
		return model.InventoryGroup{}, fmt.Errorf("%w: %d", repository.ErrGroupNotFound, id)
	}
	return s.group, nil
}

func (s *memStore) LoadRemainingCounts(_ context.Context, id int64) (map[int64]int64, error) {
	out := make(map[int64]int64)
	for _, c := range s.group.Categories {
		out[c.ID] = c.TotalCount
	}
	return out, nil
}

func (s *memStore) LoadSeats(_ context.Context, _, categoryID int64) ([]model.Seat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Seat(nil), s.seats[categoryID]...), nil
}

// newMemStore seeds group 7 with one category (id 3) of four seats in row 1.
func newMemStore() *memStore {
	seats := make([]model.Seat, 4)
	for i := range seats {
		seats[i] = model.Seat{ID: int64(31 + i), GroupID: 7, CategoryID: 3, RowCode: 1, ColCode: i + 1, PriceCents: 4500, Status: model.SeatAvailable}
	}
	return &memStore{
		group: model.InventoryGroup{
			ID:         7,
			Name:       "Matinee",
			StartsAt:   time.Now().Add(24 * time.Hour).UTC().Truncate(time.Millisecond),
			Categories: []model.Category{{ID: 3, GroupID: 7, Name: "Floor", PriceCents: 4500, TotalCount: 4}},
		},
		seats: map[int64][]model.Seat{3: seats},
	}
}

type server struct {
	e     *echo.Echo
	h     *InventoryHandler
	store *memStore
	rdb   *redis.Client
	locks *lock.RedisManager
}

func newServer(t *testing.T, store *memStore, lockWait time.Duration) *server {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	locks := lock.NewRedisManager(rdb, lock.RedisOptions{RetryInterval: time.Millisecond})
	engine, err := inventory.NewEngine(rdb, store, inventory.Options{Locks: locks, LockWait: lockWait})
	require.NoError(t, err)
	ids, err := idgen.New(idgen.Options{DatacenterID: 1, WorkerID: 1})
	require.NoError(t, err)

	h := NewInventoryHandler(engine, ids, 4, nil)
	e := echo.New()
	e.GET("/v1/groups/:id/remaining", h.Remaining)
	e.GET("/v1/groups/:id/categories/:cid/seats", h.Seats)
	e.POST("/v1/groups/:id/reserve", h.Reserve)
	e.POST("/v1/groups/:id/rollback", h.Rollback)
	e.POST("/v1/groups/:id/confirm", h.Confirm)
	e.POST("/v1/admin/groups/:id/reset", h.Reset)
	e.DELETE("/v1/admin/groups/:id/cache", h.Invalidate)
	return &server{e: e, h: h, store: store, rdb: rdb, locks: locks}
}

func (s *server) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestReserveReturnsAlignedOrderNumber(t *testing.T) {
	s := newServer(t, newMemStore(), time.Second)

	rec := s.do(http.MethodPost, "/v1/groups/7/reserve", `{"user_id": 1003, "items": [{"category_id": 3, "quantity": 2}]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	res := decode[reserveResponse](t, rec)
	assert.Equal(t, int64(1003%4), res.OrderNumber%4, "order lands in the user's table")
	require.Len(t, res.Seats, 2)
	assert.Equal(t, []int64{31, 32}, []int64{res.Seats[0].ID, res.Seats[1].ID})
	assert.Equal(t, model.SeatLocked, res.Seats[0].Status)

	rem := decode[struct {
		Remaining map[string]int64 `json:"remaining"`
	}](t, s.do(http.MethodGet, "/v1/groups/7/remaining", ""))
	assert.Equal(t, map[string]int64{"3": 2}, rem.Remaining)
}

func TestReservationLifecycle(t *testing.T) {
	s := newServer(t, newMemStore(), time.Second)

	rec := s.do(http.MethodPost, "/v1/groups/7/reserve", `{"user_id": 5, "items": [{"category_id": 3, "seat_ids": [33, 34]}]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/v1/groups/7/confirm", `{"seats": [{"category_id": 3, "seat_id": 33}]}`)
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	rec = s.do(http.MethodPost, "/v1/groups/7/rollback", `{"seats": [{"category_id": 3, "seat_id": 34}]}`)
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/v1/groups/7/rollback", `{"seats": [{"category_id": 3, "seat_id": 34}]}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "seat is no longer locked")
	assert.Equal(t, "seat_not_locked", decode[map[string]any](t, rec)["error"])

	sm := decode[inventory.SeatMap](t, s.do(http.MethodGet, "/v1/groups/7/categories/3/seats", ""))
	assert.Len(t, sm.Available, 3)
	assert.Empty(t, sm.Locked)
	require.Len(t, sm.Sold, 1)
	assert.Equal(t, int64(33), sm.Sold[0].ID)

	rec = s.do(http.MethodPost, "/v1/admin/groups/7/reset", "")
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	sm = decode[inventory.SeatMap](t, s.do(http.MethodGet, "/v1/groups/7/categories/3/seats", ""))
	assert.Len(t, sm.Available, 4)
	assert.Empty(t, sm.Sold)

	rec = s.do(http.MethodDelete, "/v1/admin/groups/7/cache", "")
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
}

func TestErrorMapping(t *testing.T) {
	s := newServer(t, newMemStore(), time.Second)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"bad group id", http.MethodGet, "/v1/groups/x/remaining", "", http.StatusBadRequest, ""},
		{"unknown group", http.MethodGet, "/v1/groups/99/remaining", "", http.StatusNotFound, ""},
		{"unknown category", http.MethodGet, "/v1/groups/7/categories/9/seats", "", http.StatusNotFound, "category_not_found"},
		{"missing user", http.MethodPost, "/v1/groups/7/reserve", `{"items": [{"category_id": 3, "quantity": 1}]}`, http.StatusBadRequest, ""},
		{"malformed body", http.MethodPost, "/v1/groups/7/reserve", `{"user_id": `, http.StatusBadRequest, ""},
		{"invalid quantity", http.MethodPost, "/v1/groups/7/reserve", `{"user_id": 1, "items": [{"category_id": 3, "quantity": 0}]}`, http.StatusBadRequest, ""},
		{"insufficient", http.MethodPost, "/v1/groups/7/reserve", `{"user_id": 1, "items": [{"category_id": 3, "quantity": 5}]}`, http.StatusConflict, "insufficient"},
		{"empty rollback", http.MethodPost, "/v1/groups/7/rollback", `{"seats": []}`, http.StatusBadRequest, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			if tc.code != "" {
				assert.Equal(t, tc.code, decode[map[string]any](t, rec)["error"])
			}
		})
	}
}

func TestSeatTakenReturnsConflict(t *testing.T) {
	s := newServer(t, newMemStore(), time.Second)
	body := `{"user_id": 1, "items": [{"category_id": 3, "seat_ids": [32]}]}`

	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/v1/groups/7/reserve", body).Code)
	rec := s.do(http.MethodPost, "/v1/groups/7/reserve", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	got := decode[map[string]any](t, rec)
	assert.Equal(t, "seat_unavailable", got["error"])
	assert.Equal(t, float64(32), got["seat_id"])
}

func TestLockTimeoutIsTooManyRequests(t *testing.T) {
	s := newServer(t, newMemStore(), 20*time.Millisecond)
	ctx := lock.ContextWithHolder(context.Background(), "admin")
	held, err := s.locks.Acquire(ctx, s.h.Engine.Catalog().LockName("7"), lock.Write, 0, time.Minute)
	require.NoError(t, err)
	defer func() { _ = s.locks.Release(ctx, held) }()

	rec := s.do(http.MethodGet, "/v1/groups/7/remaining", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, rec.Body.String())
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestStoreFailureIsServiceUnavailable(t *testing.T) {
	store := newMemStore()
	store.groupErr = errors.New("connection refused")
	s := newServer(t, store, time.Second)

	rec := s.do(http.MethodPost, "/v1/groups/7/reserve", `{"user_id": 1, "items": [{"category_id": 3, "quantity": 1}]}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
}

func TestContendedReservationIsTooManyRequests(t *testing.T) {
	s := newServer(t, newMemStore(), time.Second)
	rec := httptest.NewRecorder()
	c := s.e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
	err := s.h.fail(c, "reserve", 7, &inventory.RejectionError{Code: inventory.CodeContended, GroupID: 7, CategoryID: 3})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "contended", decode[map[string]any](t, rec)["error"])
}

func TestFailedOrderNumberReleasesSeatsAfterClientLeft(t *testing.T) {
	s := newServer(t, newMemStore(), time.Second)
	clk := clock.Fake(time.Now())
	ids, err := idgen.New(idgen.Options{DatacenterID: 1, WorkerID: 1, Clock: clk})
	require.NoError(t, err)
	_, err = ids.NextID()
	require.NoError(t, err)
	s.h.IDs = ids

	// The clock regresses and stays behind while the generator waits; the
	// client disconnects during that wait.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	behind := clk.Now().Add(-10 * time.Millisecond)
	clk.Advance(-3 * time.Millisecond)
	clk.OnSleep(func(time.Duration) {
		cancel()
		clk.Set(behind)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/groups/7/reserve",
		strings.NewReader(`{"user_id": 9, "items": [{"category_id": 3, "quantity": 2}]}`)).WithContext(ctx)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())

	rem := decode[struct {
		Remaining map[string]int64 `json:"remaining"`
	}](t, s.do(http.MethodGet, "/v1/groups/7/remaining", ""))
	assert.Equal(t, map[string]int64{"3": 4}, rem.Remaining, "seats were rolled back")
}
