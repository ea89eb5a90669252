package backup

import "errors"

var (
	// ErrNotFlushed is returned when a directory holds no flushed tree.
	ErrNotFlushed = errors.New("backup: directory holds no flushed tree")
	// ErrNoSnapshot is returned when no matching snapshot exists.
	ErrNoSnapshot = errors.New("backup: no snapshot")
	// ErrSnapshotInUse is returned when deleting the current snapshot.
	ErrSnapshotInUse = errors.New("backup: snapshot is current")
	// ErrChecksumMismatch is returned when restored content fails verification.
	ErrChecksumMismatch = errors.New("backup: checksum mismatch")
	// ErrIncompatibleFormat is returned for unreadable manifests.
	ErrIncompatibleFormat = errors.New("backup: incompatible manifest")
	// ErrUnknownCodec is returned for unsupported compression codecs.
	ErrUnknownCodec = errors.New("backup: unknown codec")
)
