// Package forward connects the operation dispatcher to the RPC transport. It
// implements the dispatch.IForwarder contract by serializing requests into
// wire envelopes, sending them to the target node over a cached client
// transport and classifying every failure into the dispatcher's error types.
//
// The classification decides whether the dispatcher retries against a newly
// elected coordinator or fails the caller:
//
//   - Dial failures and lost connections become dispatch.ConnectError
//     (retried via coordinator re-resolution).
//
//   - Error envelopes flagged as "node closed" become a dispatch.RemoteError
//     wrapping dispatch.NodeClosedError (also retried, the target was
//     shutting down while the request was routed to it).
//
//   - All other remote failures, including request timeouts, are terminal:
//     the remote node may have executed the operation, so re-routing risks
//     running it twice.
//
// Connections are established lazily and cached per target node. Response
// payloads are decoded by per-action decoders registered at startup.
package forward
