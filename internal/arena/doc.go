// Package arena provides a fixed-capacity, lock-free bump allocator.
//
// The heap is a single off-heap anonymous mapping. Allocation is a CAS on the
// "next free" cursor and never moves existing data. Free only succeeds for the
// most recent allocation (LIFO); FreeAll resets the cursor.
//
// Offsets are stable for the lifetime of the arena and can be persisted in
// place of pointers. ToOffset and ToPointer translate between the two.
package arena
