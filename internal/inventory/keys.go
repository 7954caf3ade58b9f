package inventory

import (
	"strconv"

	"github.com/iliyamo/ticket-inventory/internal/model"
)

// Every key of one inventory group carries the hash tag {<group>} so that
// the multi-key ledger scripts run against a single cluster slot.

func remainingKey(groupID int64) string {
	return "inv:{" + strconv.FormatInt(groupID, 10) + "}:remaining"
}

func seatsKey(groupID, categoryID int64, status model.SeatStatus) string {
	var suffix string
	switch status {
	case model.SeatLocked:
		suffix = "locked"
	case model.SeatSold:
		suffix = "sold"
	default:
		suffix = "available"
	}
	return "inv:{" + strconv.FormatInt(groupID, 10) + "}:cat:" + strconv.FormatInt(categoryID, 10) + ":" + suffix
}

// groupKeys returns every ledger key of the group's categories, remaining
// hash first.
func groupKeys(groupID int64, categoryIDs []int64) []string {
	keys := make([]string, 0, 1+3*len(categoryIDs))
	keys = append(keys, remainingKey(groupID))
	for _, c := range categoryIDs {
		keys = append(keys,
			seatsKey(groupID, c, model.SeatAvailable),
			seatsKey(groupID, c, model.SeatLocked),
			seatsKey(groupID, c, model.SeatSold),
		)
	}
	return keys
}

func catalogKey(groupID int64) string { return strconv.FormatInt(groupID, 10) }

func formatID(id int64) string { return strconv.FormatInt(id, 10) }
