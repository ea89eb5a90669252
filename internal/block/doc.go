// Package block implements a fixed-size slotted page holding (id, payload) items.
//
// Page layout (little endian):
//
//	+----------------------------------------------------------+
//	| checksum u64 | count u32 | unique u32 |                  |  header
//	+----------------------------------------------------------+
//	| payload 0 | payload 1 | ...  ->                          |  data
//	|                                                          |
//	|                       <- ... | entry 1 | entry 0         |  directory
//	+----------------------------------------------------------+
//
// Directory entries are {offset u32, size u32, id u64}. Entry i lives at
// Size()-(i+1)*MetadataSize and entries are sorted by (id, payload), so the
// smallest id sits at the end of the page. Payloads are kept packed: removal
// compacts the data region immediately.
//
// A Block is not safe for concurrent use.
package block
