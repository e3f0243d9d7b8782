// Package main is the entry point for the replbox MCP server.
//
// Replbox pins a sandboxed Docker container with a persistent interpreter
// to each session, executes code in it over a private REPL channel, and
// turns the files each run produces into content-addressed artifacts with
// signed download URLs. The MCP surface exposes the session tools; a
// plain-HTTP sidecar serves artifact downloads, health and metrics.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main
