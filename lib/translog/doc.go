// Package translog implements the write-ahead transaction log of a dSearch
// node. Cluster-mutating operations are journaled here before they are
// applied, so that acknowledged changes survive a crash and can be replayed
// on startup.
//
// The log is organized in generations: append-only files that are rolled
// once they exceed a configured size, synced explicitly, and garbage
// collected once no longer referenced. Every record is framed with its
// sequence number, length and a CRC32 checksum; a torn write at the tail of
// the newest generation is tolerated during recovery, corruption anywhere
// else is reported as an error.
package translog
