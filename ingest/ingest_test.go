package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/replbox/blobstore"
	"github.com/isdmx/replbox/catalog"
)

// memWorkspace is an in-memory Workspace for pipeline tests.
type memWorkspace struct {
	files    map[string][]byte
	readErrs map[string]error
}

func newMemWorkspace() *memWorkspace {
	return &memWorkspace{
		files:    make(map[string][]byte),
		readErrs: make(map[string]error),
	}
}

func (w *memWorkspace) List(_ context.Context, dir string) ([]string, error) {
	prefix := dir + "/"
	var out []string
	for p := range w.files {
		if strings.HasPrefix(p, prefix) {
			out = append(out, strings.TrimPrefix(p, prefix))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (w *memWorkspace) Read(_ context.Context, path string) ([]byte, error) {
	if err, ok := w.readErrs[path]; ok {
		return nil, err
	}
	data, ok := w.files[path]
	if !ok {
		return nil, errors.New("no such file: " + path)
	}
	return data, nil
}

func (w *memWorkspace) Write(_ context.Context, path string, data []byte) error {
	w.files[path] = data
	return nil
}

func (w *memWorkspace) Remove(_ context.Context, path string) error {
	delete(w.files, path)
	return nil
}

type fixture struct {
	pipeline *Pipeline
	blobs    *blobstore.Store
	cat      *catalog.Catalog
	ws       *memWorkspace
}

func newFixture(t *testing.T, maxBytes int64) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	blobs, err := blobstore.New(t.TempDir(), logger)
	require.NoError(t, err)
	cat, err := catalog.Open(":memory:", logger)
	require.NoError(t, err)

	return &fixture{
		pipeline: New(blobs, cat, maxBytes, logger),
		blobs:    blobs,
		cat:      cat,
		ws:       newMemWorkspace(),
	}
}

func TestIngestNewFiles(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	before, err := f.pipeline.Snapshot(ctx, f.ws)
	require.NoError(t, err)

	content := []byte("png bytes")
	require.NoError(t, f.ws.Write(ctx, "artifacts/out.png", content))

	descriptors, failures := f.pipeline.Ingest(ctx, "s1", "run-1", f.ws, before)
	require.Empty(t, failures)
	require.Len(t, descriptors, 1)

	d := descriptors[0]
	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), d.Digest)
	assert.Equal(t, "out.png", d.Name)
	assert.Equal(t, "image/png", d.Mime)
	assert.Equal(t, int64(len(content)), d.Size)
	assert.True(t, strings.HasPrefix(d.ID, "art_"))

	// Bytes are durable and the original is gone from the sandbox
	got, err := f.blobs.Get(d.Digest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Empty(t, f.ws.files)

	// Catalog row matches
	row, err := f.cat.GetArtifact(d.ID)
	require.NoError(t, err)
	assert.Equal(t, "s1", row.SessionID)
	assert.Equal(t, "run-1", row.RunID)
}

func TestIngestDeduplicatesContent(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	content := []byte("identical bytes")

	before, _ := f.pipeline.Snapshot(ctx, f.ws)
	require.NoError(t, f.ws.Write(ctx, "artifacts/a.bin", content))
	first, failures := f.pipeline.Ingest(ctx, "s1", "run-1", f.ws, before)
	require.Empty(t, failures)
	require.Len(t, first, 1)

	before, _ = f.pipeline.Snapshot(ctx, f.ws)
	require.NoError(t, f.ws.Write(ctx, "artifacts/b.bin", content))
	second, failures := f.pipeline.Ingest(ctx, "s1", "run-2", f.ws, before)
	require.Empty(t, failures)
	require.Len(t, second, 1)

	// Same digest, different artifact ids, one physical blob
	assert.Equal(t, first[0].Digest, second[0].Digest)
	assert.NotEqual(t, first[0].ID, second[0].ID)
}

func TestIngestOnlyNewFiles(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	require.NoError(t, f.ws.Write(ctx, "artifacts/old.txt", []byte("pre-existing")))
	before, err := f.pipeline.Snapshot(ctx, f.ws)
	require.NoError(t, err)

	require.NoError(t, f.ws.Write(ctx, "artifacts/new.txt", []byte("fresh")))

	descriptors, failures := f.pipeline.Ingest(ctx, "s1", "run-1", f.ws, before)
	require.Empty(t, failures)
	require.Len(t, descriptors, 1)
	assert.Equal(t, "new.txt", descriptors[0].Name)

	// The pre-existing file stays put
	_, ok := f.ws.files["artifacts/old.txt"]
	assert.True(t, ok)
}

func TestIngestIdempotentWithoutNewExecution(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	before, _ := f.pipeline.Snapshot(ctx, f.ws)
	require.NoError(t, f.ws.Write(ctx, "artifacts/out.csv", []byte("a,b\n")))

	first, _ := f.pipeline.Ingest(ctx, "s1", "run-1", f.ws, before)
	require.Len(t, first, 1)

	// Same snapshot again: the file was removed on ingest, nothing new
	second, failures := f.pipeline.Ingest(ctx, "s1", "run-1", f.ws, before)
	assert.Empty(t, second)
	assert.Empty(t, failures)

	rows, err := f.cat.ListArtifactsBySession("s1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestIngestPartialFailure(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	before, _ := f.pipeline.Snapshot(ctx, f.ws)
	require.NoError(t, f.ws.Write(ctx, "artifacts/good.txt", []byte("ok")))
	require.NoError(t, f.ws.Write(ctx, "artifacts/bad.txt", []byte("unreadable")))
	f.ws.readErrs["artifacts/bad.txt"] = errors.New("i/o error")

	descriptors, failures := f.pipeline.Ingest(ctx, "s1", "run-1", f.ws, before)

	require.Len(t, descriptors, 1)
	assert.Equal(t, "good.txt", descriptors[0].Name)

	require.Len(t, failures, 1)
	assert.Equal(t, "bad.txt", failures[0].Path)
	assert.Contains(t, failures[0].Err, "i/o error")
}

func TestIngestSizeCap(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	before, _ := f.pipeline.Snapshot(ctx, f.ws)
	require.NoError(t, f.ws.Write(ctx, "artifacts/huge.bin", []byte("way too large")))
	require.NoError(t, f.ws.Write(ctx, "artifacts/tiny.bin", []byte("ok")))

	descriptors, failures := f.pipeline.Ingest(ctx, "s1", "run-1", f.ws, before)

	require.Len(t, descriptors, 1)
	assert.Equal(t, "tiny.bin", descriptors[0].Name)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Err, "size cap")
}

func TestIngestNestedPathsUseBaseName(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	before, _ := f.pipeline.Snapshot(ctx, f.ws)
	require.NoError(t, f.ws.Write(ctx, "artifacts/plots/fig1.svg", []byte("<svg/>")))

	descriptors, failures := f.pipeline.Ingest(ctx, "s1", "run-1", f.ws, before)
	require.Empty(t, failures)
	require.Len(t, descriptors, 1)
	assert.Equal(t, "fig1.svg", descriptors[0].Name)
}
