// Package testutil provides deterministic test data for blockstore.
//
// This package is intended for use in tests and benchmarks only.
//
// # Payloads
//
//	rng := testutil.NewRNG(seed)
//	ids := rng.Perm(1000)               // shuffled ids 0..999
//	data := testutil.Payload(id, 128)   // reproducible bytes for id
//	size := rng.Size(16, 4096)          // payload size in [16, 4096)
//
// Payload depends only on its arguments, so a test can recompute the
// expected bytes of any id after a reload without keeping them around.
//
// # Skewed access
//
//	id := rng.Zipf(n, 1.2) // hot ids first
package testutil
