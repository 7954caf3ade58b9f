package model

// SeatStatus is the reservation state of a seat. A seat is in exactly one
// status collection at any instant.
type SeatStatus string

const (
	SeatAvailable SeatStatus = "AVAILABLE"
	SeatLocked    SeatStatus = "LOCKED"
	SeatSold      SeatStatus = "SOLD"
)

// Seat describes a sellable seat of one ticket category in an inventory
// group. Row and column codes are numeric so that adjacency within a row
// is a matter of consecutive ColCode values.
//
// Fields:
//
//	ID         – primary key identifier.
//	GroupID    – inventory group (event session) the seat is sold for.
//	CategoryID – ticket category the seat belongs to.
//	RowCode    – row number, ordered front to back.
//	ColCode    – column number within the row.
//	PriceCents – price in cents.
//	Status     – current state. Not persisted in the seat payload stored in
//	             the distributed cache, where the status is implied by the
//	             collection holding the seat.
type Seat struct {
	ID         int64      `json:"id"`          // seats.id
	GroupID    int64      `json:"group_id"`    // seats.group_id
	CategoryID int64      `json:"category_id"` // seats.category_id
	RowCode    int        `json:"row"`         // seats.row_code
	ColCode    int        `json:"col"`         // seats.col_code
	PriceCents int64      `json:"price_cents"` // seats.price_cents
	Status     SeatStatus `json:"status,omitempty"`
}

// SeatRef identifies a seat within an inventory group.
type SeatRef struct {
	CategoryID int64 `json:"category_id"`
	SeatID     int64 `json:"seat_id"`
}

// Ref returns the seat's reference.
func (s Seat) Ref() SeatRef { return SeatRef{CategoryID: s.CategoryID, SeatID: s.ID} }
