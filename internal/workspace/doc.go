// Package workspace manages build working directories, supporting both
// ephemeral (per build) and persistent (per configuration) modes.
//
// Temporary builds run in an ephemeral directory such as build-<id> that is
// removed after the build. Persistent builds reuse config-<id> so checkouts
// can be updated in place.
package workspace
