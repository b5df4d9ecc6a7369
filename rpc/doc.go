// Package rpc contains the networking layer of dSearch. It is split into:
//
//   - common: message envelope, configuration and logging
//   - serializer: pluggable envelope serializers (json, gob, binary)
//   - transport: framed connection handling (tcp, unix) shared by client and server
//   - forward: the dispatch.IForwarder implementation used to route requests
//     to the cluster coordinator
//   - server: the action registry and request loop of a node
//   - client: a typed client for the built-in actions
package rpc
