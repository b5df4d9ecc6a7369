// Package actions defines the built-in coordinator actions of the cluster:
// health reporting, cluster-wide settings updates and segment file transfer.
//
// Each action consists of a request/response pair, a dispatch.Definition
// created by its dispatcher factory, and the glue that connects it to the
// RPC layer: a payload handler registered on the server and a response
// decoder registered on the forwarder.
//
// Action Semantics:
//
//   - Health (cluster/health): Returns the coordinator's snapshot summary.
//     Never blocked, so it stays answerable during recovery and read-only
//     mode.
//
//   - Settings Update (cluster/settings/update): Journals the update to the
//     write-ahead log, replicates it through the metadata shard and
//     acknowledges. Blocked while cluster-state recovery is pending. The
//     read-only block deliberately does not apply, otherwise a read-only
//     cluster could never be unlocked.
//
//   - Segment Transfer (replication/transfer): Streams segment files from
//     the local node to a replica target. Forces local execution since the
//     files live on the submitting node, not on the coordinator.
package actions
