package dsource

import (
	"testing"

	"github.com/ValentinKolb/dSearch/lib/cluster"
	"github.com/lni/dragonboat/v4/raftio"
)

func testService() *cluster.Service {
	return cluster.NewService(InitialState(1, map[uint64]string{
		1: "localhost:8081",
		2: "localhost:8082",
		3: "localhost:8083",
	}))
}

// TestInitialState tests the first snapshot of a node
func TestInitialState(t *testing.T) {
	s := InitialState(2, map[uint64]string{1: "localhost:8081", 2: "localhost:8082"})

	if s.Version != 1 {
		t.Errorf("Expected version 1, got %d", s.Version)
	}
	if s.Nodes.LocalID != "node-2" {
		t.Errorf("Expected local id node-2, got %s", s.Nodes.LocalID)
	}
	if _, ok := s.Nodes.Coordinator(); ok {
		t.Error("A fresh node should not know a coordinator")
	}
	if !s.HasBlock(cluster.BlockStateNotRecovered) {
		t.Error("A fresh node should carry the not-recovered block")
	}
	if len(s.Nodes.Members) != 2 {
		t.Errorf("Expected 2 members, got %d", len(s.Nodes.Members))
	}
	if s.Nodes.Members["node-1"].Addr != "localhost:8081" {
		t.Errorf("Member node-1 has wrong address: %s", s.Nodes.Members["node-1"].Addr)
	}
}

// TestLeaderUpdated tests that an election publishes the new coordinator and
// lifts the recovery block
func TestLeaderUpdated(t *testing.T) {
	svc := testService()
	listener := NewRaftEventListener(svc, 128)

	listener.LeaderUpdated(raftio.LeaderInfo{ShardID: 128, ReplicaID: 1, Term: 2, LeaderID: 3})

	s := svc.State()
	if s.Nodes.CoordinatorID != "node-3" {
		t.Errorf("Expected coordinator node-3, got %s", s.Nodes.CoordinatorID)
	}
	if s.HasBlock(cluster.BlockStateNotRecovered) {
		t.Error("The first election should lift the not-recovered block")
	}
	if s.Version != 2 {
		t.Errorf("Expected version 2 after the update, got %d", s.Version)
	}
}

// TestLeaderLost tests that losing the leader clears the coordinator
func TestLeaderLost(t *testing.T) {
	svc := testService()
	listener := NewRaftEventListener(svc, 128)

	listener.LeaderUpdated(raftio.LeaderInfo{ShardID: 128, Term: 2, LeaderID: 1})
	listener.LeaderUpdated(raftio.LeaderInfo{ShardID: 128, Term: 3, LeaderID: 0})

	s := svc.State()
	if _, ok := s.Nodes.Coordinator(); ok {
		t.Error("Coordinator should be cleared when the shard has no leader")
	}
	// The recovery block stays lifted, only the first election matters
	if s.HasBlock(cluster.BlockStateNotRecovered) {
		t.Error("Losing the leader must not re-activate the recovery block")
	}
}

// TestLeaderUpdatedIgnoresOtherShards tests the shard filter
func TestLeaderUpdatedIgnoresOtherShards(t *testing.T) {
	svc := testService()
	listener := NewRaftEventListener(svc, 128)

	listener.LeaderUpdated(raftio.LeaderInfo{ShardID: 999, Term: 2, LeaderID: 1})

	if svc.State().Version != 1 {
		t.Error("An update for a foreign shard should not publish anything")
	}
}

// TestSettingsApplier tests settings publication and the read-only block
func TestSettingsApplier(t *testing.T) {
	svc := testService()
	apply := SettingsApplier(svc)

	apply(map[string]string{"index.refresh_interval": "5s"})
	s := svc.State()
	if s.Settings["index.refresh_interval"] != "5s" {
		t.Errorf("Settings were not published: %v", s.Settings)
	}
	if s.HasBlock(cluster.BlockReadOnly) {
		t.Error("Read-only block should not be active")
	}

	// Switching to read-only activates the block
	apply(map[string]string{SettingsReadOnly: "true"})
	if !svc.State().HasBlock(cluster.BlockReadOnly) {
		t.Error("Read-only setting should activate the block")
	}

	// Removing the setting lifts the block again
	apply(map[string]string{})
	if svc.State().HasBlock(cluster.BlockReadOnly) {
		t.Error("Clearing the setting should lift the block")
	}
}

// TestSettingsApplierOnClosedService tests that applying after shutdown does
// not spin
func TestSettingsApplierOnClosedService(t *testing.T) {
	svc := testService()
	svc.Close()

	// must return without publishing or panicking
	SettingsApplier(svc)(map[string]string{"k": "v"})
}
