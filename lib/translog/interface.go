package translog

import "fmt"

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// Operation is a single journaled operation.
type Operation struct {
	// SeqNo is the monotonically increasing sequence number assigned by the
	// caller.
	SeqNo uint64
	// Data is the opaque operation payload.
	Data []byte
}

// Location identifies a written operation in the log.
type Location struct {
	Generation uint64
	Offset     int64
	Size       int
}

// String returns a compact representation, useful in log output.
func (l Location) String() string {
	return fmt.Sprintf("gen=%d offset=%d size=%d", l.Generation, l.Offset, l.Size)
}

// Stats are point-in-time statistics about the log.
type Stats struct {
	// Operations is the number of operations written since the manager was
	// opened (recovery replay not included).
	Operations uint64
	// SizeBytes is the size of the current generation file.
	SizeBytes int64
	// Generation is the current (writable) generation.
	Generation uint64
	// EarliestGeneration is the oldest generation still retained on disk.
	EarliestGeneration uint64
	// UnsyncedBytes is the number of bytes written but not yet synced.
	UnsyncedBytes int64
}

// RecoveryRunnerFunc is invoked for every recovered operation, in log order.
// Returning an error aborts the recovery.
type RecoveryRunnerFunc func(op Operation) error

// ITranslogManager orchestrates the write-ahead log of a node.
//
// A freshly opened manager has a pending recovery: either Recover or
// SkipRecovery must be called before the first Add.
type ITranslogManager interface {
	// Add journals an operation and returns its location. The operation is
	// durable only after a subsequent sync covering the location.
	Add(op Operation) (Location, error)

	// Sync makes all written operations durable.
	Sync() error

	// SyncNeeded reports whether there are written but unsynced operations.
	SyncNeeded() bool

	// EnsureSynced makes sure the given locations are durable, syncing at
	// most once. It returns true if a sync was performed.
	EnsureSynced(locations []Location) (bool, error)

	// LastWriteLocation returns the location of the last written operation.
	LastWriteLocation() Location

	// Roll closes the current generation and starts a new one.
	Roll() error

	// ShouldRoll reports whether the current generation has grown past the
	// configured size threshold.
	ShouldRoll() bool

	// TrimUnreferenced removes generations no longer covered by the
	// retention policy and returns how many files were deleted.
	TrimUnreferenced() (int, error)

	// Recover replays all retained operations with a sequence number up to
	// and including upToSeqNo, in log order, and returns the number of
	// operations replayed.
	Recover(runner RecoveryRunnerFunc, upToSeqNo uint64) (int, error)

	// SkipRecovery marks the manager ready without replaying anything.
	SkipRecovery()

	// Stats returns current log statistics.
	Stats() Stats

	// Close syncs and closes the log.
	Close() error
}
