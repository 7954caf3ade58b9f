// Package repository contains data access logic for the durable inventory
// store. The store is authoritative whenever the distributed cache has no
// ledger for an inventory group; once the ledger is resident, the cache is
// authoritative and the store is only read again after an invalidation.
package repository

import (
	"context"      // context for controlling query lifetime
	"database/sql" // sql provides DB abstraction
	"errors"       // errors for sentinel comparisons
	"fmt"

	"github.com/iliyamo/ticket-inventory/internal/model"
)

// InventoryRepo reads inventory groups, ticket categories and seats.
type InventoryRepo struct {
	db *sql.DB
}

// NewInventoryRepo constructs an InventoryRepo given a DB handle.
func NewInventoryRepo(db *sql.DB) *InventoryRepo {
	return &InventoryRepo{db: db}
}

// LoadInventoryGroup returns the catalog record of an inventory group with
// its ticket categories ordered by id. It returns ErrGroupNotFound if the
// group does not exist.
func (r *InventoryRepo) LoadInventoryGroup(ctx context.Context, groupID int64) (model.InventoryGroup, error) {
	const qGroup = `SELECT id, name, starts_at FROM inventory_groups WHERE id = ?`
	var g model.InventoryGroup
	err := r.db.QueryRowContext(ctx, qGroup, groupID).Scan(&g.ID, &g.Name, &g.StartsAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.InventoryGroup{}, fmt.Errorf("%w: %d", ErrGroupNotFound, groupID)
		}
		return model.InventoryGroup{}, err
	}

	const qCategories = `SELECT id, group_id, name, price_cents, total_count
		FROM ticket_categories WHERE group_id = ? ORDER BY id`
	rows, err := r.db.QueryContext(ctx, qCategories, groupID)
	if err != nil {
		return model.InventoryGroup{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var c model.Category
		if err := rows.Scan(&c.ID, &c.GroupID, &c.Name, &c.PriceCents, &c.TotalCount); err != nil {
			return model.InventoryGroup{}, err
		}
		g.Categories = append(g.Categories, c)
	}
	if err := rows.Err(); err != nil {
		return model.InventoryGroup{}, err
	}
	return g, nil
}

// LoadRemainingCounts returns the canonical remaining count per category of
// an inventory group, keyed by category id.
func (r *InventoryRepo) LoadRemainingCounts(ctx context.Context, groupID int64) (map[int64]int64, error) {
	const q = `SELECT id, remain_count FROM ticket_categories WHERE group_id = ?`
	rows, err := r.db.QueryContext(ctx, q, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]int64)
	for rows.Next() {
		var id, remain int64
		if err := rows.Scan(&id, &remain); err != nil {
			return nil, err
		}
		out[id] = remain
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadSeats returns the seats of one category ordered by row and column,
// with their durable status.
func (r *InventoryRepo) LoadSeats(ctx context.Context, groupID, categoryID int64) ([]model.Seat, error) {
	const q = `SELECT id, group_id, category_id, row_code, col_code, price_cents, status
		FROM seats WHERE group_id = ? AND category_id = ? ORDER BY row_code, col_code`
	rows, err := r.db.QueryContext(ctx, q, groupID, categoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var seats []model.Seat
	for rows.Next() {
		var s model.Seat
		var status string
		if err := rows.Scan(&s.ID, &s.GroupID, &s.CategoryID, &s.RowCode, &s.ColCode, &s.PriceCents, &status); err != nil {
			return nil, err
		}
		s.Status = model.SeatStatus(status)
		seats = append(seats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return seats, nil
}
