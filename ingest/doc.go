// Package ingest moves files produced by sandboxed code into durable
// storage.
//
// The pipeline diffs a session's artifact directory around an execution,
// deduplicates content into the blob store by SHA-256, records one
// catalog row per file, and removes the originals from the sandbox.
// Individual file failures are reported alongside the successes and never
// abort the batch.
package ingest
