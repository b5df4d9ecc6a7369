// Package server implements the RPC server of a dSearch node. It wires the
// node's building blocks together: the cluster-state source fed by the
// Dragonboat metadata shard, the write-ahead log for settings updates, the
// operation dispatchers of the built-in actions and the transport layer that
// receives requests from clients and peer nodes.
//
// The package focuses on:
//   - Routing request envelopes to registered action handlers
//   - Classifying dispatch failures into wire error kinds so the sending
//     side can decide whether a retry against a new coordinator is safe
//   - Bootstrapping the metadata shard and the node-local snapshot source
//
// Key Components:
//
//   - NewRPCServer: Factory function creating a configured server with the
//     specified transport and serializer mechanisms.
//
//   - Register: The action registry used by the actions package. Handlers
//     receive the raw request payload and return the response payload.
//
//   - raftSettingsProposer: Replicates settings commands through the
//     metadata shard and translates consensus failures into the dispatch
//     error vocabulary (not-coordinator, failed-to-commit).
//
// Usage Example:
//
//	s := server.NewRPCServer(
//	  config,
//	  tcp.NewTCPDefaultServerTransport(),
//	  serializer.NewBinarySerializer(),
//	)
//
//	if err := s.Serve(); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
package server
