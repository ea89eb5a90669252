// Package segment implements the segment tree: an ordered sequence of
// slotted pages (see internal/block) persisted in a single file.
//
// File layout:
//
//	[0, HeaderSize)   magic u32 | version u32 | blocks u64 | items u64 | uniques u64
//	                  followed by one record per page:
//	                  offset u64 | size u64 | min id u64 | max id u64
//	[HeaderSize, ...) pages at the recorded offsets
//
// Only the used prefix of the header region is written. A gap tracker hands
// out page offsets and reuses space freed by dropped pages; Flush compacts the
// file before writing.
//
// Pages are loaded eagerly (CleanLoad) or on first touch (LazyLoad). Loaded
// pages are charged against an optional MemoryLimiter. When a lazy load hits
// the limit, the least recently used half of the loaded pages is written back
// and unloaded before the load is retried.
package segment
