// Package btree implements a persistent B+tree keyed by uint64 ids.
//
// Leaves are segment trees, one file per leaf named "segmented_block<N>",
// so a leaf holds many pages of (id, payload) items. Inner nodes route by
// the smallest id of each child and live only in memory: Load rebuilds them
// bottom-up from the leaf order recorded in the "metadata" file.
//
// # Node capacity
//
// A leaf holds at most the node capacity of distinct ids and an inner node at
// most that many children. A node holding fewer than capacity/4 entries is
// merged into a neighbour holding at most capacity/2, or balanced with it
// otherwise.
//
// # Concurrency
//
// A Tree is safe for concurrent use. Single-id operations take the tree lock
// shared, descend with shared latches and latch only the target leaf
// exclusively. An operation that could split or merge nodes retries with the
// tree lock held exclusively. Scans hold the tree lock shared and latch one
// leaf at a time.
//
// # Durability
//
// Flush writes every leaf and then replaces the metadata file atomically.
// Between flushes, pages evicted under memory pressure are written in place,
// so the directory is only consistent after Flush or Close.
package btree
