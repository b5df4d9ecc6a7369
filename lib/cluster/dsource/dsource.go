package dsource

import (
	"fmt"

	"github.com/ValentinKolb/dSearch/lib/cluster"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/lni/dragonboat/v4/raftio"
)

var log = logger.GetLogger("cluster")

// publishAttempts bounds the publish retry loop when a leader update races
// with a concurrent settings publish.
const publishAttempts = 8

// NodeIDForReplica maps a RAFT replica id to the cluster node id.
func NodeIDForReplica(replicaID uint64) cluster.NodeID {
	return cluster.NodeID(fmt.Sprintf("node-%d", replicaID))
}

// InitialState builds the first snapshot of a node: all members known, no
// coordinator elected yet and the not-recovered block active. The block is
// lifted when the metadata shard elects its first leader.
func InitialState(localReplicaID uint64, rpcMembers map[uint64]string) cluster.State {
	members := make(map[cluster.NodeID]cluster.Node, len(rpcMembers))
	for replicaID, addr := range rpcMembers {
		id := NodeIDForReplica(replicaID)
		members[id] = cluster.Node{ID: id, Addr: addr}
	}

	return cluster.State{
		Version: 1,
		Nodes: cluster.Nodes{
			LocalID: NodeIDForReplica(localReplicaID),
			Members: members,
		},
		Blocks:   []cluster.Block{cluster.BlockStateNotRecovered},
		Settings: map[string]string{},
	}
}

// SettingsReadOnly is the setting that toggles the cluster-wide read-only
// block. Any value but "true" lifts the block.
const SettingsReadOnly = "cluster.read_only"

// SettingsApplier returns the onApply callback for the metadata state
// machine: it publishes a successor snapshot carrying the merged settings
// and keeps the read-only block in sync with the read-only setting.
func SettingsApplier(svc *cluster.Service) func(settings map[string]string) {
	return func(settings map[string]string) {
		for i := 0; i < publishAttempts; i++ {
			next := svc.State().Next()
			next.Settings = settings

			if settings[SettingsReadOnly] == "true" {
				next.AddBlock(cluster.BlockReadOnly)
			} else {
				next.RemoveBlock(cluster.BlockReadOnly)
			}

			err := svc.Publish(next)
			if err == nil {
				return
			}
			if svc.Closed() {
				return
			}
			log.Debugf("Settings publish attempt %d/%d failed: %v", i+1, publishAttempts, err)
		}
		log.Errorf("Dropped settings update after %d attempts", publishAttempts)
	}
}

// --------------------------------------------------------------------------
// RAFT Event Listener
// --------------------------------------------------------------------------

// eventListener implements raftio.IRaftEventListener. Dragonboat invokes it
// on every leadership change of any shard on the node host, the listener
// filters for the metadata shard and republishes the change as a new
// cluster-state snapshot.
type eventListener struct {
	svc     *cluster.Service
	shardID uint64
}

// NewRaftEventListener creates the bridge between Dragonboat leader updates
// and the node's snapshot source.
func NewRaftEventListener(svc *cluster.Service, shardID uint64) raftio.IRaftEventListener {
	return &eventListener{svc: svc, shardID: shardID}
}

// LeaderUpdated publishes a successor snapshot with the new coordinator. A
// LeaderID of zero means the shard currently has no leader (election in
// progress) and clears the coordinator.
func (l *eventListener) LeaderUpdated(info raftio.LeaderInfo) {
	if info.ShardID != l.shardID {
		return
	}

	if info.LeaderID == 0 {
		log.Warningf("Metadata shard %d lost its leader (term %d)", info.ShardID, info.Term)
	} else {
		log.Infof("Metadata shard %d elected leader %s (term %d)", info.ShardID, NodeIDForReplica(info.LeaderID), info.Term)
	}

	// Publishing can race with a settings update on the same node, retry
	// from the then-current snapshot on version conflicts
	for i := 0; i < publishAttempts; i++ {
		next := l.svc.State().Next()

		if info.LeaderID == 0 {
			next.Nodes.CoordinatorID = ""
		} else {
			next.Nodes.CoordinatorID = NodeIDForReplica(info.LeaderID)
			// The first election completes cluster-state recovery
			next.RemoveBlock(cluster.BlockStateNotRecovered)
		}

		err := l.svc.Publish(next)
		if err == nil {
			return
		}
		if l.svc.Closed() {
			return
		}
		log.Debugf("Leader update publish attempt %d/%d failed: %v", i+1, publishAttempts, err)
	}
	log.Errorf("Dropped leader update for shard %d after %d attempts", info.ShardID, publishAttempts)
}
