package model

import "time"

// InventoryGroup is a sellable session of an event (a program on a given
// date) together with its ticket categories. It is the catalog record the
// inventory engine caches; cached copies expire when the session starts.
//
// Fields:
//
//	ID         – primary key identifier.
//	Name       – display name.
//	StartsAt   – when the session begins. Business expiry of cached state.
//	Categories – ticket categories on sale for this group.
type InventoryGroup struct {
	ID         int64      `json:"id"`         // inventory_groups.id
	Name       string     `json:"name"`       // inventory_groups.name
	StartsAt   time.Time  `json:"starts_at"`  // inventory_groups.starts_at
	Categories []Category `json:"categories"` // ticket_categories
}

// Category is a ticket category (price tier) of an inventory group.
//
// Fields:
//
//	ID         – primary key identifier.
//	GroupID    – owning inventory group.
//	Name       – display name (e.g. "VIP").
//	PriceCents – face price in cents.
//	TotalCount – number of tickets issued; the remaining count after a
//	             full reset.
type Category struct {
	ID         int64  `json:"id"`          // ticket_categories.id
	GroupID    int64  `json:"group_id"`    // ticket_categories.group_id
	Name       string `json:"name"`        // ticket_categories.name
	PriceCents int64  `json:"price_cents"` // ticket_categories.price_cents
	TotalCount int64  `json:"total_count"` // ticket_categories.total_count
}

// Category returns the category with the given id.
func (g InventoryGroup) Category(id int64) (Category, bool) {
	for _, c := range g.Categories {
		if c.ID == id {
			return c, true
		}
	}
	return Category{}, false
}
