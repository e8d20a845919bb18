package ids

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Task ids are 64-bit, time-sortable and strictly increasing within a host
// process: the upper bits carry unix milliseconds, the lower 20 bits a
// per-millisecond sequence. Ordering of ids therefore mirrors admission
// order, which the store relies on for batch ordering guarantees.

const seqBits = 20

// Generator mints task ids. Safe for concurrent use.
type Generator struct {
	mu     sync.Mutex
	lastMs int64
	seq    int64
	now    func() time.Time
}

// NewGenerator returns a Generator using the wall clock.
func NewGenerator() *Generator {
	return &Generator{now: time.Now}
}

// Next returns the next task id, strictly greater than any id previously
// returned by this Generator.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms < g.lastMs {
		// Clock went backwards; keep minting inside the last observed
		// millisecond so ids stay monotonic.
		ms = g.lastMs
	}
	if ms == g.lastMs {
		g.seq++
		if g.seq >= 1<<seqBits {
			ms++
			g.seq = 0
		}
	} else {
		g.seq = 0
	}
	g.lastMs = ms
	return ms<<seqBits | g.seq
}

// NewBatchID returns a fresh batch id shared by all instances of one
// submission.
func NewBatchID() string {
	return uuid.New().String()
}
