package ingest

import (
	"context"
	"fmt"
	"mime"
	"path"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/replbox/blobstore"
	"github.com/isdmx/replbox/catalog"
	"github.com/isdmx/replbox/sandbox"
)

// Descriptor is the caller-visible record for one ingested artifact. It
// exposes a stable id and content digest, never a filesystem path.
type Descriptor struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Mime      string    `json:"mime"`
	Size      int64     `json:"size"`
	Digest    string    `json:"sha256"`
	CreatedAt time.Time `json:"created_at"`
}

// FileError reports a single file that could not be ingested. One bad
// file never aborts the rest of the batch.
type FileError struct {
	Path string `json:"path"`
	Err  string `json:"error"`
}

// Pipeline moves files out of a sandbox's artifact directory into the
// blob store and catalog.
type Pipeline struct {
	blobs    *blobstore.Store
	cat      *catalog.Catalog
	logger   *zap.Logger
	maxBytes int64
}

// New creates a Pipeline. maxBytes caps the size of a single artifact;
// zero means no cap.
func New(blobs *blobstore.Store, cat *catalog.Catalog, maxBytes int64, logger *zap.Logger) *Pipeline {
	return &Pipeline{blobs: blobs, cat: cat, logger: logger, maxBytes: maxBytes}
}

// Snapshot lists the artifact directory of a workspace as a set. Taken
// immediately before an execution so the post-execution diff contains
// exactly the files that run produced.
func (p *Pipeline) Snapshot(ctx context.Context, ws sandbox.Workspace) (map[string]struct{}, error) {
	files, err := ws.List(ctx, sandbox.ContainerArtifactDir)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot artifact directory: %w", err)
	}
	set := make(map[string]struct{}, len(files))
	for _, f := range files {
		set[f] = struct{}{}
	}
	return set, nil
}

// Ingest diffs the artifact directory against the pre-execution snapshot
// and stores every new file: bytes into the content-addressed blob store
// (one copy per unique content), a fresh catalog row per file (a new id
// even for duplicate content), and removal from the sandbox so the next
// diff starts clean. Ingested files are returned as descriptors in name
// order; per-file failures are collected, not fatal.
func (p *Pipeline) Ingest(ctx context.Context, sessionID, runID string, ws sandbox.Workspace, before map[string]struct{}) ([]Descriptor, []FileError) {
	after, err := ws.List(ctx, sandbox.ContainerArtifactDir)
	if err != nil {
		return nil, []FileError{{Path: sandbox.ContainerArtifactDir, Err: err.Error()}}
	}

	var fresh []string
	for _, f := range after {
		if _, seen := before[f]; !seen {
			fresh = append(fresh, f)
		}
	}
	sort.Strings(fresh)

	var descriptors []Descriptor
	var failures []FileError
	for _, rel := range fresh {
		desc, err := p.ingestOne(ctx, sessionID, runID, ws, rel)
		if err != nil {
			p.logger.Warn("artifact ingestion failed",
				zap.String("session_id", sessionID),
				zap.String("path", rel),
				zap.Error(err))
			failures = append(failures, FileError{Path: rel, Err: err.Error()})
			continue
		}
		descriptors = append(descriptors, desc)
	}
	return descriptors, failures
}

func (p *Pipeline) ingestOne(ctx context.Context, sessionID, runID string, ws sandbox.Workspace, rel string) (Descriptor, error) {
	full := sandbox.ContainerArtifactDir + "/" + rel

	data, err := ws.Read(ctx, full)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read: %w", err)
	}
	if p.maxBytes > 0 && int64(len(data)) > p.maxBytes {
		return Descriptor{}, fmt.Errorf("file exceeds size cap: %d > %d bytes", len(data), p.maxBytes)
	}

	digest, size, err := p.blobs.PutBytes(data)
	if err != nil {
		return Descriptor{}, fmt.Errorf("store: %w", err)
	}

	artifact := &catalog.Artifact{
		ID:        "art_" + uuid.NewString(),
		Digest:    digest,
		Name:      path.Base(rel),
		Size:      size,
		Mime:      sniffMime(rel),
		SessionID: sessionID,
		RunID:     runID,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.cat.CreateArtifact(artifact); err != nil {
		// The blob may be orphaned here; content addressing makes that
		// harmless, a later identical ingest simply reuses it.
		return Descriptor{}, fmt.Errorf("catalog: %w", err)
	}

	// Drop the original so repeated diffs never re-ingest it. Removal
	// failure is not fatal: the artifact is already durable.
	if err := ws.Remove(ctx, full); err != nil {
		p.logger.Warn("failed to remove ingested file from sandbox",
			zap.String("session_id", sessionID),
			zap.String("path", rel),
			zap.Error(err))
	}

	return Descriptor{
		ID:        artifact.ID,
		Name:      artifact.Name,
		Mime:      artifact.Mime,
		Size:      artifact.Size,
		Digest:    artifact.Digest,
		CreatedAt: artifact.CreatedAt,
	}, nil
}

// sniffMime infers a content type from the filename.
func sniffMime(name string) string {
	if mt := mime.TypeByExtension(path.Ext(name)); mt != "" {
		return mt
	}
	return "application/octet-stream"
}
