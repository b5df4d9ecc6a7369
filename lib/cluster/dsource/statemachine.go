package dsource

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	sm "github.com/lni/dragonboat/v4/statemachine"
)

// --------------------------------------------------------------------------
// Commands and Queries
// --------------------------------------------------------------------------

// SettingsCommand is the replicated command of the metadata shard: a partial
// settings update merged into the cluster settings on every member.
type SettingsCommand struct {
	Settings map[string]string `json:"settings"`
}

// Serialize encodes the command for a RAFT proposal.
func (c *SettingsCommand) Serialize() ([]byte, error) {
	return json.Marshal(c)
}

// Deserialize decodes a proposed command.
func (c *SettingsCommand) Deserialize(data []byte) error {
	return json.Unmarshal(data, c)
}

// QuerySettings is the lookup query returning a copy of the current settings.
type QuerySettings struct{}

// Result codes returned in sm.Result.Value
const (
	ResultCodeFailure uint64 = iota
	ResultCodeSuccess
)

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// MetadataStateMachine is the Dragonboat state machine of the metadata shard.
// It holds the replicated cluster settings. Leadership (and with it the
// coordinator role) is owned by Dragonboat itself, the state machine only
// carries the data that must survive elections.
type MetadataStateMachine struct {
	replicaID uint64
	shardID   uint64

	mu       sync.RWMutex
	settings map[string]string
	onApply  func(settings map[string]string)
}

// CreateStateMachineFactory returns the factory used by Dragonboat to create
// the metadata state machine. The onApply callback (may be nil) is invoked
// with a copy of the merged settings after every applied update, on the
// Update goroutine.
func CreateStateMachineFactory(onApply func(settings map[string]string)) func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
	return func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
		return &MetadataStateMachine{
			replicaID: replicaID,
			shardID:   shardID,
			settings:  make(map[string]string),
			onApply:   onApply,
		}
	}
}

// Lookup returns a copy of the current settings for QuerySettings queries.
func (fsm *MetadataStateMachine) Lookup(itf interface{}) (interface{}, error) {
	if _, ok := itf.(QuerySettings); !ok {
		return nil, fmt.Errorf("invalid query type: %T", itf)
	}

	fsm.mu.RLock()
	defer fsm.mu.RUnlock()
	return copySettings(fsm.settings), nil
}

// Update merges each proposed settings command into the replicated settings.
// An empty value deletes the setting.
func (fsm *MetadataStateMachine) Update(entries []sm.Entry) ([]sm.Entry, error) {
	if len(entries) == 0 {
		return entries, nil
	}

	fsm.mu.Lock()
	for idx, e := range entries {
		if len(e.Cmd) == 0 {
			entries[idx].Result = sm.Result{Value: ResultCodeFailure, Data: []byte("empty command ignored")}
			continue
		}

		cmd := SettingsCommand{}
		if err := cmd.Deserialize(e.Cmd); err != nil {
			entries[idx].Result = sm.Result{Value: ResultCodeFailure, Data: []byte(fmt.Sprintf("failed to deserialize command: %v", err))}
			continue
		}

		for k, v := range cmd.Settings {
			if v == "" {
				delete(fsm.settings, k)
			} else {
				fsm.settings[k] = v
			}
		}
		entries[idx].Result = sm.Result{Value: ResultCodeSuccess}
	}
	applied := copySettings(fsm.settings)
	fsm.mu.Unlock()

	if fsm.onApply != nil {
		fsm.onApply(applied)
	}
	return entries, nil
}

// PrepareSnapshot captures a consistent copy of the settings. The copy is
// cheap since the settings map is small.
func (fsm *MetadataStateMachine) PrepareSnapshot() (interface{}, error) {
	fsm.mu.RLock()
	defer fsm.mu.RUnlock()
	return copySettings(fsm.settings), nil
}

// SaveSnapshot writes the prepared settings copy to the writer.
func (fsm *MetadataStateMachine) SaveSnapshot(ctx interface{}, writer io.Writer, _ sm.ISnapshotFileCollection, _ <-chan struct{}) error {
	settings, ok := ctx.(map[string]string)
	if !ok {
		return fmt.Errorf("invalid snapshot context type: %T", ctx)
	}
	return json.NewEncoder(writer).Encode(settings)
}

// RecoverFromSnapshot replaces the settings with the snapshot content.
func (fsm *MetadataStateMachine) RecoverFromSnapshot(r io.Reader, _ []sm.SnapshotFile, _ <-chan struct{}) error {
	settings := make(map[string]string)
	if err := json.NewDecoder(r).Decode(&settings); err != nil {
		return err
	}

	fsm.mu.Lock()
	fsm.settings = settings
	fsm.mu.Unlock()
	return nil
}

// Close performs any necessary cleanup.
func (fsm *MetadataStateMachine) Close() error {
	return nil
}

// copySettings returns an independent copy of the settings map
func copySettings(settings map[string]string) map[string]string {
	cp := make(map[string]string, len(settings))
	for k, v := range settings {
		cp[k] = v
	}
	return cp
}
