// Package blobstore provides content-addressed storage for artifact bytes.
//
// The blobstore package stores each unique byte sequence exactly once,
// keyed by its hex SHA-256 digest. Writes go to a temporary file first and
// are committed with an atomic rename, so readers never observe partial
// blobs and concurrent writers of identical content converge to one copy.
package blobstore
