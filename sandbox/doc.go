// Package sandbox provides the isolated execution environment for a session.
//
// The sandbox package launches one long-lived container per session,
// hosting a persistent REPL process that keeps variables and imports alive
// across calls. It exposes the execution channel to that REPL (run code,
// push and pull files over HTTP) and a Workspace abstraction over the
// session's working area with two implementations: an RPC-backed one for
// memory-backed sandboxes and a direct host-filesystem one for disk-backed
// sandboxes. Containers are driven through the docker CLI via a
// CommandRunner seam so tests can run without a container engine.
package sandbox
