// Package dsource feeds the node-local cluster-state source from the
// Dragonboat metadata shard. It is the only place where RAFT concepts
// (replica ids, leader elections, proposals) are translated into the
// cluster-state vocabulary used by the rest of the system.
//
// Key Components:
//
//   - InitialState: Builds the boot snapshot of a node with all configured
//     members, no elected coordinator and the not-recovered block active.
//
//   - NewRaftEventListener: A raftio.IRaftEventListener that republishes
//     leader changes of the metadata shard as new snapshots. The first
//     elected leader lifts the not-recovered block, a lost leader clears
//     the coordinator so callers park until the next election.
//
//   - MetadataStateMachine: The replicated state machine of the metadata
//     shard, holding the cluster settings. Settings updates are proposed
//     by the coordinator and applied on every member, the onApply callback
//     pushes the merged result into the local snapshot source.
//
// The snapshot versions produced here are node-local: each node advances its
// own version counter as events arrive. Cross-node agreement comes from the
// RAFT shard underneath, not from the version numbers.
package dsource
