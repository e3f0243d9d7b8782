// Package dataset stages external data into running sandboxes.
//
// Staging is idempotent per (session, dataset): a loaded entry is never
// re-fetched, a failed one may be retried. Delivery goes through the
// session's Workspace, so the memory/disk storage topology is invisible
// to the stager itself.
package dataset
