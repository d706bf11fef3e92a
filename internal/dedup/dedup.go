// Package dedup implements the content-fingerprint membership filter used
// to drop shreds the proxy has already forwarded in this generation.
//
// A generation is two independently-seeded bitsets addressed by two
// independent hash digests of the fingerprint window. An element is
// "present" iff both bits were already set before the write — the classic
// two-hash Bloom-filter membership test, sized for a target false-positive
// rate rather than exact membership.
package dedup

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"

	"shredproxy/internal/check"
)

// NumBits is the per-bitset size, sized for a target false-positive rate at
// the expected per-interval element count (tens of thousands of shreds per
// dedup interval). Exposed as a constant per spec §9 Open Question (2).
const NumBits = 1 << 23 // ~8M bits per bitset, 2MB total for the pair

type generation struct {
	mu        sync.Mutex
	a, b      *bitset.BitSet
	saltA     uint64
	saltB     uint64
	createdAt time.Time
}

func newGeneration(numBits uint, rng *rand.Rand) *generation {
	return &generation{
		a:         bitset.New(numBits),
		b:         bitset.New(numBits),
		saltA:     rng.Uint64(),
		saltB:     rng.Uint64(),
		createdAt: time.Now(),
	}
}

// observe performs the test-then-set under the generation's own lock, so
// the two bit flips are linearizable with respect to a concurrent query
// against this same generation. Cross-generation races (a query landing on
// the old generation while MaybeReset swaps in a new one) are resolved by
// whichever generation pointer the caller loaded — never a mix of both.
func (g *generation) observe(window []byte, numBits uint) bool {
	ia := saltedHash(g.saltA, window) % uint64(numBits)
	ib := saltedHash(g.saltB, window) % uint64(numBits)

	g.mu.Lock()
	defer g.mu.Unlock()

	wasA := g.a.Test(uint(ia))
	wasB := g.b.Test(uint(ib))
	g.a.Set(uint(ia))
	g.b.Set(uint(ib))
	return wasA && wasB
}

func saltedHash(salt uint64, window []byte) uint64 {
	d := xxhash.New()
	var saltBuf [8]byte
	for i := range saltBuf {
		saltBuf[i] = byte(salt >> (8 * i))
	}
	_, _ = d.Write(saltBuf[:])
	_, _ = d.Write(window)
	return d.Sum64()
}

// Deduper is the shared, concurrent-safe membership filter. All forward
// workers share one Deduper for read-modify-write; the metrics aggregator
// owns calling MaybeReset.
type Deduper struct {
	numBits uint
	gen     atomic.Pointer[generation]
	lastGen atomic.Int64 // unix nanos of last reset, for MaybeReset's interval check
}

// New creates a Deduper with numBits per bitset, seeded from rng.
func New(numBits uint, rng *rand.Rand) *Deduper {
	check.Assert(numBits > 0, "dedup: numBits must be positive")
	d := &Deduper{numBits: numBits}
	g := newGeneration(numBits, rng)
	d.gen.Store(g)
	d.lastGen.Store(g.createdAt.UnixNano())
	return d
}

// Observe returns true when the fingerprint window of bytes has already
// been seen in the current generation, false (and now marked seen)
// otherwise. Concurrent-safe; a query either lands entirely on the old
// generation or entirely on the new one across a concurrent MaybeReset.
func (d *Deduper) Observe(window []byte) bool {
	g := d.gen.Load()
	return g.observe(window, d.numBits)
}

// MaybeReset swaps in a fresh generation if at least interval has elapsed
// since the last reset. Safe to call concurrently with Observe: in-flight
// RMWs either see the old generation (because they already loaded the
// pointer) or the new one.
func (d *Deduper) MaybeReset(now time.Time, interval time.Duration, rng *rand.Rand) bool {
	last := time.Unix(0, d.lastGen.Load())
	if now.Sub(last) < interval {
		return false
	}
	g := newGeneration(d.numBits, rng)
	d.gen.Store(g)
	d.lastGen.Store(now.UnixNano())
	return true
}
