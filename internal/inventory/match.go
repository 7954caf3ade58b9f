package inventory

import (
	"cmp"
	"slices"

	"github.com/iliyamo/ticket-inventory/internal/model"
)

// MatchSeats picks n seats from available. It prefers the first run of n
// consecutive columns in one row, scanning rows front to back; when no row
// has such a run it falls back to the first n seats in (row, column)
// order. It reports false when fewer than n seats are available.
func MatchSeats(available []model.Seat, n int) ([]model.Seat, bool) {
	if n <= 0 || len(available) < n {
		return nil, false
	}
	sorted := slices.Clone(available)
	slices.SortFunc(sorted, func(a, b model.Seat) int {
		if c := cmp.Compare(a.RowCode, b.RowCode); c != 0 {
			return c
		}
		if c := cmp.Compare(a.ColCode, b.ColCode); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	start, run := 0, 1
	if n == 1 {
		return sorted[:1], true
	}
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if cur.RowCode == prev.RowCode && cur.ColCode == prev.ColCode+1 {
			run++
		} else {
			start, run = i, 1
		}
		if run == n {
			return sorted[start : start+n], true
		}
	}
	return sorted[:n], true
}
