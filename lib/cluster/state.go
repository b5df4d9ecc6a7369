package cluster

import (
	"fmt"
	"strings"
)

// --------------------------------------------------------------------------
// Nodes
// --------------------------------------------------------------------------

// NodeID uniquely identifies a node in the cluster.
type NodeID string

// Node describes a single cluster member.
type Node struct {
	ID   NodeID `json:"id"`
	Addr string `json:"addr"` // RPC endpoint of the node
}

// Nodes is the node directory of a State snapshot: the local identity, the
// set of known members and the currently elected coordinator (if any).
type Nodes struct {
	LocalID       NodeID          `json:"local_id"`
	CoordinatorID NodeID          `json:"coordinator_id,omitempty"` // empty if no coordinator is elected
	Members       map[NodeID]Node `json:"members"`
}

// IsLocalCoordinator reports whether the local node currently holds the
// coordinator role.
func (n Nodes) IsLocalCoordinator() bool {
	return n.CoordinatorID != "" && n.CoordinatorID == n.LocalID
}

// Coordinator returns the elected coordinator node. The boolean return value
// indicates whether a coordinator is currently known.
func (n Nodes) Coordinator() (Node, bool) {
	if n.CoordinatorID == "" {
		return Node{}, false
	}
	node, ok := n.Members[n.CoordinatorID]
	return node, ok
}

// Local returns the local node's directory entry.
func (n Nodes) Local() (Node, bool) {
	node, ok := n.Members[n.LocalID]
	return node, ok
}

// --------------------------------------------------------------------------
// Blocks
// --------------------------------------------------------------------------

// Block is a cluster-wide condition that prevents certain operations from
// executing. A retryable block is expected to clear itself given enough
// wall-clock time and cluster-state progression (e.g. recovery finishing),
// a non-retryable block fails the operation immediately (e.g. read-only mode).
type Block struct {
	ID          uint64 `json:"id"`
	Description string `json:"description"`
	Retryable   bool   `json:"retryable"`
}

// Well-known blocks.
var (
	// BlockStateNotRecovered is set while a node has not yet seen an elected
	// coordinator after startup. It clears once the first election completes.
	BlockStateNotRecovered = Block{ID: 1, Description: "state not recovered / initialized", Retryable: true}

	// BlockReadOnly is set while the cluster is switched to read-only mode
	// via the cluster settings. Operations fail fast, no point in waiting.
	BlockReadOnly = Block{ID: 2, Description: "cluster read-only", Retryable: false}
)

// BlockError is returned by block checks when one or more blocks apply to an
// operation. It implements the error interface.
type BlockError struct {
	Blocks []Block
}

// NewBlockError creates a BlockError for the given blocks.
// It returns nil if no blocks are passed.
func NewBlockError(blocks ...Block) *BlockError {
	if len(blocks) == 0 {
		return nil
	}
	return &BlockError{Blocks: blocks}
}

// Retryable reports whether waiting for a state change can resolve this
// error. This is the case only if every contained block is retryable.
func (e *BlockError) Retryable() bool {
	for _, b := range e.Blocks {
		if !b.Retryable {
			return false
		}
	}
	return true
}

// Error implements the error interface.
func (e *BlockError) Error() string {
	descriptions := make([]string, 0, len(e.Blocks))
	for _, b := range e.Blocks {
		descriptions = append(descriptions, fmt.Sprintf("%d/%s", b.ID, b.Description))
	}
	return fmt.Sprintf("blocked by: [%s]", strings.Join(descriptions, ", "))
}

// --------------------------------------------------------------------------
// State
// --------------------------------------------------------------------------

// State is an immutable snapshot of the cluster at a single version. All
// consumers hold read-only references: a State must never be modified after
// it has been published, successors are derived via Next().
type State struct {
	Version  uint64            `json:"version"`
	Nodes    Nodes             `json:"nodes"`
	Blocks   []Block           `json:"blocks,omitempty"`
	Settings map[string]string `json:"settings,omitempty"`
}

// HasBlock reports whether the block with the given ID is active.
func (s State) HasBlock(block Block) bool {
	for _, b := range s.Blocks {
		if b.ID == block.ID {
			return true
		}
	}
	return false
}

// Next derives a mutable successor of this snapshot with the version advanced
// by one. The member directory, block table and settings are copied so the
// successor can be modified freely before it is published.
func (s State) Next() State {
	next := State{
		Version: s.Version + 1,
		Nodes: Nodes{
			LocalID:       s.Nodes.LocalID,
			CoordinatorID: s.Nodes.CoordinatorID,
			Members:       make(map[NodeID]Node, len(s.Nodes.Members)),
		},
		Blocks:   make([]Block, len(s.Blocks)),
		Settings: make(map[string]string, len(s.Settings)),
	}
	for id, node := range s.Nodes.Members {
		next.Nodes.Members[id] = node
	}
	copy(next.Blocks, s.Blocks)
	for k, v := range s.Settings {
		next.Settings[k] = v
	}
	return next
}

// AddBlock adds a block to the (not yet published) snapshot.
// The call is a no-op if the block is already present.
func (s *State) AddBlock(block Block) {
	if s.HasBlock(block) {
		return
	}
	s.Blocks = append(s.Blocks, block)
}

// RemoveBlock removes a block from the (not yet published) snapshot.
func (s *State) RemoveBlock(block Block) {
	for i, b := range s.Blocks {
		if b.ID == block.ID {
			s.Blocks = append(s.Blocks[:i], s.Blocks[i+1:]...)
			return
		}
	}
}

// --------------------------------------------------------------------------
// Predicates
// --------------------------------------------------------------------------

// CoordinatorChanged builds a predicate that accepts a snapshot once the
// coordinator situation has progressed relative to the given snapshot: either
// a different coordinator has been elected, or (same coordinator) the state
// version has advanced. Snapshots without any coordinator are never accepted.
func CoordinatorChanged(from State) func(State) bool {
	fromVersion := from.Version
	fromCoordinator := from.Nodes.CoordinatorID
	return func(s State) bool {
		switch {
		case s.Nodes.CoordinatorID == "":
			return false
		case s.Nodes.CoordinatorID != fromCoordinator:
			return true
		default:
			return s.Version > fromVersion
		}
	}
}
