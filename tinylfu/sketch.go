package tinylfu

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// countMinSketch approximates per-key access frequency, capped at 15:
// depth independent rows of 4-bit counters packed
// two per byte, mirroring the classic CMS used by frequency-based
// admission policies. Increment and Decay both take the exclusive lock —
// the packed nibbles share bytes, so two concurrent increments touching
// the same byte (or an increment racing a decay) would otherwise corrupt
// a neighboring counter, not just lose an update.
type countMinSketch struct {
	mu    sync.RWMutex
	rows  [][]byte // depth rows, each width/2 bytes (two 4-bit counters/byte)
	width uint64   // counters per row, power of two
	depth int
	mask  uint64
}

const maxCounterVal = 15 // 4 bits

func newCountMinSketch(width uint64, depth int) *countMinSketch {
	width = nextPow2(width)
	if depth < 1 {
		depth = 1
	}
	rows := make([][]byte, depth)
	for i := range rows {
		rows[i] = make([]byte, width/2)
	}
	return &countMinSketch{rows: rows, width: width, depth: depth, mask: width - 1}
}

func nextPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	x++
	return x
}

// rowIndex derives the i-th row's counter index from one base hash via
// double hashing (h1 + i*h2), avoiding depth independent hash computations.
func (s *countMinSketch) rowIndex(h uint64, row int) uint64 {
	h2 := h>>32 | 1 // odd, so repeated addition visits every residue
	return (h + uint64(row)*h2) & s.mask
}

func cellGet(row []byte, idx uint64) byte {
	b := row[idx/2]
	if idx%2 == 0 {
		return b & 0x0f
	}
	return b >> 4
}

func cellIncr(row []byte, idx uint64) {
	byteIdx := idx / 2
	if idx%2 == 0 {
		if row[byteIdx]&0x0f < maxCounterVal {
			row[byteIdx]++
		}
	} else {
		if row[byteIdx]&0xf0 != 0xf0 {
			row[byteIdx] += 0x10
		}
	}
}

// Increment adds 1 to one cell per row for key's hash. Takes the exclusive
// lock: the target byte is shared with an adjacent counter, so a plain
// read-modify-write is only safe with all other increments and decays
// excluded, not merely other readers.
func (s *countMinSketch) Increment(h uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for r := 0; r < s.depth; r++ {
		cellIncr(s.rows[r], s.rowIndex(h, r))
	}
}

// Estimate returns the minimum across all rows' cells for key's hash.
// Hash collisions can only raise a cell, but every cell saturates at 15,
// so a key incremented more than 15 times is reported as 15.
func (s *countMinSketch) Estimate(h uint64) uint8 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	min := byte(maxCounterVal + 1)
	for r := 0; r < s.depth; r++ {
		v := cellGet(s.rows[r], s.rowIndex(h, r))
		if v < min {
			min = v
		}
	}
	return min
}

// Decay halves every counter (aging out stale frequency so recency
// dominates long-run counts). Exclusive: callers must not Increment
// concurrently without racing, which is why Decay takes the write lock.
func (s *countMinSketch) Decay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		for i := range row {
			row[i] = (row[i] >> 1) & 0x77
		}
	}
}

func hashOf[K comparable](k K) uint64 {
	switch v := any(k).(type) {
	case string:
		return xxhash.Sum64String(v)
	case []byte:
		return xxhash.Sum64(v)
	default:
		return xxhash.Sum64String(stringify(k))
	}
}
