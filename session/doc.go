// Package session manages the lifecycle of code-execution sessions.
//
// Each session owns one sandbox with a persistent interpreter; the
// Manager keeps the process-wide table of them and guards every session
// with its own mutex so that start, exec, dataset staging and stop on
// one id never interleave while independent sessions proceed in
// parallel. A second execution attempt on a busy session is rejected
// with ErrBusy rather than queued.
//
// Exec drives the full cycle: snapshot the artifact directory, run the
// code in the sandbox, diff the directory and hand every new file to
// the ingestion pipeline, then return interpreter output together with
// the resulting artifact descriptors. Idle sessions are swept on the
// next Start.
package session
