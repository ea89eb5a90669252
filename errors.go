package blockstore

import (
	"errors"
	"fmt"

	"github.com/hupe1980/blockstore/btree"
	"github.com/hupe1980/blockstore/internal/block"
	"github.com/hupe1980/blockstore/internal/resource"
	"github.com/hupe1980/blockstore/internal/segment"
)

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("blockstore: closed")

	// ErrItemTooLarge is returned when a payload cannot fit into an empty page.
	ErrItemTooLarge = errors.New("blockstore: item too large")

	// ErrOutOfMemory is returned when the memory limit prevents a page from
	// being loaded or allocated.
	ErrOutOfMemory = errors.New("blockstore: out of memory")

	// ErrCorrupted is returned when a leaf or metadata file fails validation.
	ErrCorrupted = errors.New("blockstore: corrupted data")
)

// translateError maps package-level errors onto the sentinels of this
// package. The original error stays reachable via errors.Unwrap.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, btree.ErrClosed), errors.Is(err, segment.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	case errors.Is(err, segment.ErrItemTooLarge):
		return fmt.Errorf("%w: %w", ErrItemTooLarge, err)
	case errors.Is(err, segment.ErrOutOfMemory), errors.Is(err, resource.ErrMemoryLimitExceeded):
		return fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	case errors.Is(err, block.ErrCorruptedPage),
		errors.Is(err, segment.ErrIncompatibleFormat),
		errors.Is(err, btree.ErrCorruptedMetadata),
		errors.Is(err, btree.ErrIncompatibleFormat):
		return fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	return err
}
