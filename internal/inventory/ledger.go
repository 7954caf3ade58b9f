package inventory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/ticket-inventory/internal/codec"
	"github.com/iliyamo/ticket-inventory/internal/model"
)

// categoryState is the ledger content of one category.
type categoryState struct {
	CategoryID int64
	Remaining  int64
	Available  []model.Seat
	Locked     []model.Seat
	Sold       []model.Seat
}

// seatMove is one category's part of a reserve, rollback or confirm.
type seatMove struct {
	CategoryID int64
	Quantity   int64
	SeatIDs    []int64

	// Prefer makes SeatIDs a preference order: the ledger takes the first
	// Quantity of them that are still available.
	Prefer bool
}

// scriptResult is the decoded reply of a mutating ledger script.
type scriptResult struct {
	Code       Code
	CategoryID int64
	SeatID     int64
	Remaining  int64
	Payloads   [][]byte
	After      []int64
}

// ledger is the group's remaining counts and seat collections in Redis.
// Mutations go through the scripts only.
type ledger struct {
	rdb redis.Cmdable
}

func (l ledger) resident(ctx context.Context, groupID int64) (bool, error) {
	n, err := l.rdb.Exists(ctx, remainingKey(groupID)).Result()
	return n == 1, err
}

// populate writes the group's ledger. Unless force is set, a resident
// ledger is left alone and populate reports false.
func (l ledger) populate(ctx context.Context, groupID int64, cats []categoryState, expireAt time.Time, force bool) (bool, error) {
	ids := make([]int64, len(cats))
	for i, c := range cats {
		ids[i] = c.CategoryID
	}
	keys := groupKeys(groupID, ids)

	forceArg := "0"
	if force {
		forceArg = "1"
	}
	args := []interface{}{expireAt.UnixMilli(), forceArg, len(cats)}
	for _, c := range cats {
		args = append(args, c.CategoryID, c.Remaining)
		for _, seats := range [][]model.Seat{c.Available, c.Locked, c.Sold} {
			args = append(args, len(seats))
			for _, s := range seats {
				payload, err := encodeSeat(s)
				if err != nil {
					return false, err
				}
				args = append(args, s.ID, payload)
			}
		}
	}
	n, err := populateScript.Run(ctx, l.rdb, keys, args...).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l ledger) reserve(ctx context.Context, groupID int64, moves []seatMove) (scriptResult, error) {
	keys := []string{remainingKey(groupID)}
	args := []interface{}{len(moves)}
	for _, m := range moves {
		keys = append(keys,
			seatsKey(groupID, m.CategoryID, model.SeatAvailable),
			seatsKey(groupID, m.CategoryID, model.SeatLocked))
		mode := 0
		if m.Prefer {
			mode = 1
		}
		args = append(args, m.CategoryID, m.Quantity, mode, len(m.SeatIDs))
		for _, id := range m.SeatIDs {
			args = append(args, id)
		}
	}
	return l.run(ctx, reserveScript, keys, args)
}

func (l ledger) rollback(ctx context.Context, groupID int64, moves []seatMove) (scriptResult, error) {
	return l.runTransfer(ctx, rollbackScript, groupID, moves, model.SeatAvailable, model.SeatLocked)
}

func (l ledger) confirm(ctx context.Context, groupID int64, moves []seatMove) (scriptResult, error) {
	return l.runTransfer(ctx, confirmScript, groupID, moves, model.SeatLocked, model.SeatSold)
}

func (l ledger) runTransfer(ctx context.Context, s script, groupID int64, moves []seatMove, first, second model.SeatStatus) (scriptResult, error) {
	keys := []string{remainingKey(groupID)}
	args := []interface{}{len(moves)}
	for _, m := range moves {
		keys = append(keys, seatsKey(groupID, m.CategoryID, first), seatsKey(groupID, m.CategoryID, second))
		args = append(args, m.CategoryID, len(m.SeatIDs))
		for _, id := range m.SeatIDs {
			args = append(args, id)
		}
	}
	return l.run(ctx, s, keys, args)
}

func (l ledger) run(ctx context.Context, s script, keys []string, args []interface{}) (scriptResult, error) {
	v, err := s.Run(ctx, l.rdb, keys, args...).Result()
	if err != nil {
		return scriptResult{}, fmt.Errorf("%s script (v%s): %w", s.name, s.version, err)
	}
	res, err := decodeResult(v)
	if err != nil {
		return scriptResult{}, fmt.Errorf("%s script (v%s): %w", s.name, s.version, err)
	}
	return res, nil
}

// remaining returns the per-category remaining counts.
func (l ledger) remaining(ctx context.Context, groupID int64) (map[int64]int64, error) {
	m, err := l.rdb.HGetAll(ctx, remainingKey(groupID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[int64]int64, len(m))
	for k, v := range m {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("remaining: bad category %q: %w", k, err)
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("remaining: bad count %q for category %d: %w", v, id, err)
		}
		out[id] = n
	}
	return out, nil
}

// seats returns the seats of one status collection in no particular order.
func (l ledger) seats(ctx context.Context, groupID, categoryID int64, status model.SeatStatus) ([]model.Seat, error) {
	m, err := l.rdb.HGetAll(ctx, seatsKey(groupID, categoryID, status)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.Seat, 0, len(m))
	for _, payload := range m {
		s, err := decodeSeat([]byte(payload), status)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// drop deletes the group's ledger.
func (l ledger) drop(ctx context.Context, groupID int64, categoryIDs []int64) error {
	return l.rdb.Del(ctx, groupKeys(groupID, categoryIDs)...).Err()
}

func encodeSeat(s model.Seat) ([]byte, error) {
	s.Status = ""
	return codec.Marshal(s)
}

func decodeSeat(data []byte, status model.SeatStatus) (model.Seat, error) {
	var s model.Seat
	if err := codec.Unmarshal(data, &s); err != nil {
		return model.Seat{}, fmt.Errorf("decode seat payload: %w", err)
	}
	s.Status = status
	return s, nil
}

var errUnexpectedReply = errors.New("unexpected script reply")

func decodeResult(v interface{}) (scriptResult, error) {
	arr, ok := v.([]interface{})
	if !ok || len(arr) == 0 {
		return scriptResult{}, fmt.Errorf("%w: %#v", errUnexpectedReply, v)
	}
	res := scriptResult{Code: Code(asInt64(arr[0]))}
	at := func(i int) interface{} {
		if i < len(arr) {
			return arr[i]
		}
		return nil
	}
	switch res.Code {
	case CodeOK:
		if list, ok := at(1).([]interface{}); ok {
			for _, p := range list {
				s, ok := p.(string)
				if !ok {
					return scriptResult{}, fmt.Errorf("%w: payload %#v", errUnexpectedReply, p)
				}
				res.Payloads = append(res.Payloads, []byte(s))
			}
		}
		if list, ok := at(2).([]interface{}); ok {
			for _, n := range list {
				res.After = append(res.After, asInt64(n))
			}
		}
	case CodeInsufficient:
		res.CategoryID = asInt64(at(1))
		res.Remaining = asInt64(at(2))
	case CodeCategoryNotFound, CodeContended:
		res.CategoryID = asInt64(at(1))
	case CodeSeatUnavailable, CodeSeatNotLocked:
		res.CategoryID = asInt64(at(1))
		res.SeatID = asInt64(at(2))
	case codeNotResident:
	default:
		return scriptResult{}, fmt.Errorf("%w: code %d", errUnexpectedReply, res.Code)
	}
	return res, nil
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
