// Package catalog provides the durable artifact metadata store.
//
// The catalog package maps artifact ids to blob digests and descriptive
// metadata, with a secondary index on session id for listing, and tracks
// per-session dataset staging status. It is backed by SQLite through GORM
// using a pure-Go driver, so it needs no cgo and survives process
// restarts independently of any running sandbox.
package catalog
