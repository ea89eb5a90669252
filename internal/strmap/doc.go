// Package strmap implements a fixed-capacity, lock-free string interning map.
//
// Entries are packed 32-bit words: the high half is the offset of a
// null-terminated key in the shared arena (0 empty, 1 tombstone), the low half
// is a 16-bit value. Keys live in the same arena directly after the entry
// table. Probing is linear with wraparound and every mutation is a
// compare-and-swap, so Find, Insert and Remove never block.
//
// Insert reuses tombstones. Two inserts of the same key can therefore land in
// different slots of one chain; each re-scans the chain after publishing and
// withdraws its copy when it sees another one, then retries. A concurrent
// Find may observe either copy for that short window.
//
// The map never grows. Insert fails once Count reaches Capacity or the key
// heap is exhausted.
package strmap
