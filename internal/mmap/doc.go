// Package mmap maps files read-only and allocates anonymous memory outside
// the Go heap.
//
//	m, err := mmap.Open(path)
//	if err != nil { ... }
//	defer m.Close()
//	_ = m.Advise(mmap.AdviseSequential)
//	data := m.Bytes()
//
// blobstore.LocalStore serves blob reads from file mappings and the
// concurrent arena places its heap in an anonymous mapping.
//
// Unix uses mmap(2) and madvise(2). Windows uses file mapping views and
// VirtualAlloc; advice is ignored there.
package mmap
