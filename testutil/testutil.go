package testutil

import (
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

// RNG is a seeded, goroutine-safe source of test data.
type RNG struct {
	mu   sync.Mutex
	seed int64
	src  *rand.PCG
	rand *rand.Rand
}

// NewRNG returns an RNG seeded with seed.
func NewRNG(seed int64) *RNG {
	src := rand.NewPCG(uint64(seed), 0)                    //nolint:gosec // any bit pattern is a valid seed
	return &RNG{seed: seed, src: src, rand: rand.New(src)} //nolint:gosec // deterministic test data
}

// Reset rewinds the RNG to its seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.src.Seed(uint64(r.seed), 0) //nolint:gosec // see NewRNG
}

// Seed returns the seed the RNG was created with.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Size returns a payload size in [lo, hi).
func (r *RNG) Size(lo, hi int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo + r.rand.IntN(hi-lo)
}

// Perm returns the ids 0..n-1 in random order.
func (r *RNG) Perm(n int) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uint64, n)
	for i := range ids {
		ids[i] = uint64(i)
	}
	r.rand.Shuffle(n, func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	return ids
}

// Bytes returns n random bytes.
func (r *RNG) Bytes(n int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := make([]byte, 0, n+8)
	for len(b) < n {
		b = binary.LittleEndian.AppendUint64(b, r.rand.Uint64())
	}
	return b[:n]
}

// Zipf returns a value k in [0, n) drawn with probability proportional to
// 1/(k+1)^s, so small ids are hot. s must be greater than 1.
func (r *RNG) Zipf(n int, s float64) int {
	if n <= 1 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	z := rand.NewZipf(r.rand, s, 1, uint64(n-1)) //nolint:gosec // n > 1
	return int(z.Uint64())                       //nolint:gosec // < n
}

// Payload returns size bytes derived from id only. The first 8 bytes hold
// the id when size allows, the rest is an xorshift stream seeded by id.
func Payload(id uint64, size int) []byte {
	b := make([]byte, size)
	n := copy(b, binary.BigEndian.AppendUint64(nil, id))
	x := id*0x9E3779B97F4A7C15 + 1
	for i := n; i < size; i++ {
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		b[i] = byte(x)
	}
	return b
}

// PayloadSize returns a size in [lo, hi) derived from id only, for tests that
// need varying but reproducible payload sizes.
func PayloadSize(id uint64, lo, hi int) int {
	x := id*0xBF58476D1CE4E5B9 + 0x94D049BB133111EB
	x ^= x >> 31
	return lo + int(x%uint64(hi-lo)) //nolint:gosec // hi > lo
}
