// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant server that exposes the
// session tools: start_session, run_code, stage_dataset, list_artifacts and
// stop_session. It uses the mark3labs/mcp-go library to handle the protocol
// details and delegates all session semantics to the lifecycle manager.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	srv, err := mcpserver.New(config, logger, sessions, cat, tokens, fetch)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = srv.ServeStdio() // or srv.ServeHTTP()
package mcpserver
