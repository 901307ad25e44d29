// Package catalog provides the type-safe Go client for the Tide
// registry catalog stored in Redis. The catalog is the authoritative
// record of formations (named registry entries) and their versions.
//
// The package exposes two kinds of operations:
//
//   - Plain reads: look up formations and versions, list a formation's
//     versions, read a single version's manifest.
//
//   - Atomic state transitions: Claim, Finalize, Unpublish, plus the
//     sweeper transitions PromoteStale and ReapFailed. Each transition
//     executes as one server-side Lua script, so concurrent callers
//     racing on the same formation either serialize or observe a
//     conflict error (ErrConcurrentModify, ErrAlreadyPublished,
//     ErrNotOwner, ...) and must retry or abort. No application-level
//     locks are held anywhere.
//
// All Redis keys are namespaced so multiple registry instances can
// safely coexist on a single Redis server.
package catalog
