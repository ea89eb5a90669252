// Package catalog tracks the column types observed under JSON-pointer-like
// document paths.
//
// # Versioned Trie
//
// Trie is a radix trie keyed by path. Every Insert appends a new version to
// the path's history, numbered from a trie-wide counter, so versions are
// strictly increasing across all paths. Readers pin a version through an
// Iterator; Cleanup drops superseded versions once nothing pins them.
//
//	tr := catalog.NewTrie()
//	tr.Insert("/users", catalog.NewTypeSet(catalog.ColumnArray))
//	it := tr.Find("/users")
//	defer it.Release()
//	fmt.Println(it.Types()) // {array}
//
// Iteration visits committed paths in lexicographic order. An Iterator
// remembers the key it stands on, so it stays usable across concurrent
// inserts, erasures and cleanups.
//
// # Catalog
//
// Catalog combines a Trie with a lock-free string map that interns every
// registered path to a dense uint16 id.
package catalog
