package idgen

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/iliyamo/ticket-inventory/internal/clock"
	"github.com/iliyamo/ticket-inventory/internal/metrics"
	"github.com/iliyamo/ticket-inventory/internal/obs"
)

// Epoch is the zero point of the timestamp field (2020-01-01T00:00:00Z).
var Epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	workerIDBits     = 5
	datacenterIDBits = 5
	sequenceBits     = 12

	// MaxWorkerID and MaxDatacenterID are the largest node ids that fit.
	MaxWorkerID     = -1 ^ (-1 << workerIDBits)
	MaxDatacenterID = -1 ^ (-1 << datacenterIDBits)

	workerIDShift     = sequenceBits
	datacenterIDShift = sequenceBits + workerIDBits
	timestampShift    = sequenceBits + workerIDBits + datacenterIDBits

	sequenceMask = -1 ^ (-1 << sequenceBits)

	// MaxTableCount bounds tableCount for shard-aligned ids. An aligned id
	// consumes a block of sequence values, and the block must leave room
	// for the randomised starting offset.
	MaxTableCount = 1024

	// MaxBackwardDrift is the largest clock regression the generator waits
	// out. Anything larger is rejected immediately.
	MaxBackwardDrift = 5 * time.Millisecond

	spinInterval = 50 * time.Microsecond
)

var (
	// ErrClockMovedBackwards is returned when the clock regressed and did not
	// recover. Minting an id now could reuse a timestamp, so callers must
	// treat this as fatal for the request.
	ErrClockMovedBackwards = errors.New("idgen: clock moved backwards")

	// ErrInvalidNodeID is returned by New for out-of-range node ids.
	ErrInvalidNodeID = errors.New("idgen: invalid datacenter or worker id")

	// ErrInvalidTableCount is returned for tableCount outside [1, MaxTableCount].
	ErrInvalidTableCount = errors.New("idgen: invalid table count")
)

// Options configures a Generator. A negative DatacenterID or WorkerID is
// derived from the host's network identity (see DeriveNodeIDs).
type Options struct {
	DatacenterID int64
	WorkerID     int64
	Clock        clock.Clock
	Logger       *slog.Logger

	// StartSequence picks the first sequence value of each new millisecond.
	// Defaults to a random value in [1, 2].
	StartSequence func() int64
}

// Generator is a snowflake-style id generator. One instance must not be
// shared across processes; each process owns its own lastTimestamp and
// sequence, guarded by mu.
type Generator struct {
	mu            sync.Mutex
	datacenterID  int64
	workerID      int64
	lastTimestamp int64
	sequence      int64

	clock         clock.Clock
	log           *slog.Logger
	startSequence func() int64
}

// New returns a Generator for the given node.
func New(opts Options) (*Generator, error) {
	dc, worker := opts.DatacenterID, opts.WorkerID
	if dc < 0 || worker < 0 {
		derivedDC, derivedWorker := DeriveNodeIDs()
		if dc < 0 {
			dc = derivedDC
		}
		if worker < 0 {
			worker = derivedWorker
		}
	}
	if dc > MaxDatacenterID || worker > MaxWorkerID {
		return nil, fmt.Errorf("%w: datacenter=%d worker=%d (max %d/%d)",
			ErrInvalidNodeID, dc, worker, MaxDatacenterID, MaxWorkerID)
	}
	g := &Generator{
		datacenterID:  dc,
		workerID:      worker,
		lastTimestamp: -1,
		clock:         opts.Clock,
		log:           opts.Logger,
		startSequence: opts.StartSequence,
	}
	if g.clock == nil {
		g.clock = clock.Real()
	}
	if g.log == nil {
		g.log = obs.Discard()
	}
	if g.startSequence == nil {
		g.startSequence = func() int64 { return 1 + rand.Int64N(2) }
	}
	return g, nil
}

// DatacenterID returns the datacenter id embedded in every id.
func (g *Generator) DatacenterID() int64 { return g.datacenterID }

// WorkerID returns the worker id embedded in every id.
func (g *Generator) WorkerID() int64 { return g.workerID }

// NextID returns the next identifier.
func (g *Generator) NextID() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts, seq, err := g.reserve(1)
	if err != nil {
		return 0, err
	}
	return g.compose(ts, seq), nil
}

// NextShardAlignedID returns an identifier satisfying
// id mod tableCount == parentKey mod tableCount. Negative parent keys use
// the non-negative residue.
func (g *Generator) NextShardAlignedID(parentKey int64, tableCount int) (int64, error) {
	if tableCount < 1 || tableCount > MaxTableCount {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTableCount, tableCount)
	}
	t := int64(tableCount)
	gene := mod(parentKey, t)
	block := nextPowerOfTwo(t)

	g.mu.Lock()
	defer g.mu.Unlock()

	ts, base, err := g.reserve(block)
	if err != nil {
		return 0, err
	}
	raw := g.compose(ts, base)
	offset := mod(gene-mod(raw, t), t)
	return raw + offset, nil
}

// reserve claims block consecutive sequence values (block is a power of
// two) in the current millisecond and returns the timestamp and the first
// value. The caller holds mu.
func (g *Generator) reserve(block int64) (int64, int64, error) {
	now, err := g.currentMillis()
	if err != nil {
		return 0, 0, err
	}

	var seq int64
	if now == g.lastTimestamp {
		seq = alignUp(g.sequence+1, block)
		if seq+block-1 > sequenceMask {
			// Sequence space for this millisecond is exhausted.
			now = g.tilNextMillis(g.lastTimestamp)
			seq = 0
		}
	} else {
		seq = alignUp(g.startSequence(), block)
	}

	g.lastTimestamp = now
	g.sequence = seq + block - 1
	return now, seq, nil
}

// currentMillis reads the clock and handles regression: a drift of at most
// MaxBackwardDrift is waited out (twice the drift), anything else fails.
func (g *Generator) currentMillis() (int64, error) {
	now := g.millis()
	if now >= g.lastTimestamp {
		return now, nil
	}

	drift := time.Duration(g.lastTimestamp-now) * time.Millisecond
	if drift > MaxBackwardDrift {
		metrics.ClockRegressions.WithLabelValues("rejected").Inc()
		g.log.Error("clock moved backwards beyond tolerance",
			"drift", drift, "last_ms", g.lastTimestamp, "now_ms", now, "invariant", "monotonic_clock")
		return 0, fmt.Errorf("%w: refusing to mint ids for %s", ErrClockMovedBackwards, drift)
	}

	g.clock.Sleep(2 * drift)
	now = g.millis()
	if now < g.lastTimestamp {
		metrics.ClockRegressions.WithLabelValues("rejected").Inc()
		g.log.Error("clock still behind after waiting",
			"drift", drift, "last_ms", g.lastTimestamp, "now_ms", now, "invariant", "monotonic_clock")
		return 0, fmt.Errorf("%w: still %dms behind after waiting", ErrClockMovedBackwards, g.lastTimestamp-now)
	}
	metrics.ClockRegressions.WithLabelValues("recovered").Inc()
	g.log.Warn("clock moved backwards, recovered after wait", "drift", drift)
	return now, nil
}

func (g *Generator) tilNextMillis(last int64) int64 {
	now := g.millis()
	for now <= last {
		g.clock.Sleep(spinInterval)
		now = g.millis()
	}
	return now
}

func (g *Generator) millis() int64 {
	return g.clock.Now().UnixMilli() - Epoch.UnixMilli()
}

func (g *Generator) compose(ts, seq int64) int64 {
	return ts<<timestampShift |
		g.datacenterID<<datacenterIDShift |
		g.workerID<<workerIDShift |
		seq
}

// Parts is a decoded identifier.
type Parts struct {
	Time         time.Time
	DatacenterID int64
	WorkerID     int64
	Sequence     int64
}

// Parse splits id into its fields.
func Parse(id int64) Parts {
	ts := id >> timestampShift
	return Parts{
		Time:         Epoch.Add(time.Duration(ts) * time.Millisecond),
		DatacenterID: (id >> datacenterIDShift) & MaxDatacenterID,
		WorkerID:     (id >> workerIDShift) & MaxWorkerID,
		Sequence:     id & sequenceMask,
	}
}

func mod(a, m int64) int64 {
	r := a % m
	if r < 0 {
		r += m
	}
	return r
}

func alignUp(x, block int64) int64 {
	return (x + block - 1) &^ (block - 1)
}

func nextPowerOfTwo(n int64) int64 {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len64(uint64(n-1))
}
