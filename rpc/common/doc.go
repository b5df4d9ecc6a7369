// Package common contains the shared building blocks of the RPC layer: the
// wire message envelope, the server and client configuration structs
// (including the Dragonboat conversion helpers used by the serve command)
// and the logger factory used across the project.
package common
