// Package replication implements the source side of segment replication: a
// primary streams finished segment files to a replica in bounded-size
// chunks. The SourceHandler reads the requested files from an IFileSource,
// pushes chunks through an IChunkWriter (typically backed by the RPC
// transport) with a bounded number of in-flight chunks, and completes a
// listener exactly once - with a transfer summary on success, or with the
// first error encountered.
//
// A handler serves one transfer at a time; a second concurrent SendFiles is
// rejected. A running transfer can be cancelled, which fails it with the
// cancellation reason after in-flight chunk writes drain.
package replication
