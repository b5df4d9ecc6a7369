// Package cmd implements the command-line interface for the dSearch
// distributed search cluster. It provides a hierarchical command structure
// with operations for running a node and interacting with the cluster as a
// client.
//
// The package is organized into several subpackages:
//
//   - cluster: Commands for cluster operations (health, set-settings, transfer, perf)
//   - serve: Commands for starting and configuring a dSearch node
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See dsearch -help for a list of all commands.
package cmd
