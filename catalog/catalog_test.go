package catalog

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(":memory:", zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func TestArtifactRoundTrip(t *testing.T) {
	c := newTestCatalog(t)

	a := &Artifact{
		ID:        "art_" + uuid.NewString(),
		Digest:    "ab12cd",
		Name:      "out.png",
		Size:      1024,
		Mime:      "image/png",
		SessionID: "s1",
		RunID:     "run-1",
	}
	require.NoError(t, c.CreateArtifact(a))
	assert.False(t, a.CreatedAt.IsZero())

	got, err := c.GetArtifact(a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Digest, got.Digest)
	assert.Equal(t, "out.png", got.Name)
	assert.Equal(t, "s1", got.SessionID)
}

func TestGetArtifactNotFound(t *testing.T) {
	c := newTestCatalog(t)

	_, err := c.GetArtifact("art_missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrArtifactNotFound))
}

func TestListArtifactsBySession(t *testing.T) {
	c := newTestCatalog(t)

	for i, sid := range []string{"s1", "s1", "s2"} {
		require.NoError(t, c.CreateArtifact(&Artifact{
			ID:        "art_" + uuid.NewString(),
			Digest:    "d",
			Name:      "f",
			SessionID: sid,
			RunID:     "run",
			Size:      int64(i),
		}))
	}

	s1, err := c.ListArtifactsBySession("s1")
	require.NoError(t, err)
	assert.Len(t, s1, 2)

	s2, err := c.ListArtifactsBySession("s2")
	require.NoError(t, err)
	assert.Len(t, s2, 1)

	none, err := c.ListArtifactsBySession("s3")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDatasetStatusTransitions(t *testing.T) {
	c := newTestCatalog(t)

	_, err := c.GetDatasetEntry("s1", "ds1")
	assert.True(t, errors.Is(err, ErrDatasetEntryNotFound))

	e, err := c.SetDatasetStatus("s1", "ds1", DatasetPending, "")
	require.NoError(t, err)
	assert.Equal(t, DatasetPending, e.Status)

	e, err = c.SetDatasetStatus("s1", "ds1", DatasetFailed, "fetch refused")
	require.NoError(t, err)
	assert.Equal(t, DatasetFailed, e.Status)
	assert.Equal(t, "fetch refused", e.Error)

	e, err = c.SetDatasetStatus("s1", "ds1", DatasetLoaded, "")
	require.NoError(t, err)
	assert.Equal(t, DatasetLoaded, e.Status)
	assert.Empty(t, e.Error)

	// One row per (session, dataset), updated in place
	got, err := c.GetDatasetEntry("s1", "ds1")
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
}

func TestClearDatasetEntries(t *testing.T) {
	c := newTestCatalog(t)

	_, err := c.SetDatasetStatus("s1", "ds1", DatasetLoaded, "")
	require.NoError(t, err)
	_, err = c.SetDatasetStatus("s1", "ds2", DatasetLoaded, "")
	require.NoError(t, err)
	_, err = c.SetDatasetStatus("s2", "ds1", DatasetLoaded, "")
	require.NoError(t, err)

	require.NoError(t, c.ClearDatasetEntries("s1"))

	_, err = c.GetDatasetEntry("s1", "ds1")
	assert.True(t, errors.Is(err, ErrDatasetEntryNotFound))

	// Other sessions untouched
	e, err := c.GetDatasetEntry("s2", "ds1")
	require.NoError(t, err)
	assert.Equal(t, DatasetLoaded, e.Status)
}

func TestCatalogSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	logger := zaptest.NewLogger(t)

	c, err := Open(path, logger)
	require.NoError(t, err)
	id := "art_" + uuid.NewString()
	require.NoError(t, c.CreateArtifact(&Artifact{ID: id, Digest: "d", Name: "f", SessionID: "s1"}))

	reopened, err := Open(path, logger)
	require.NoError(t, err)
	got, err := reopened.GetArtifact(id)
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)
}
