package integration

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/replbox/blobstore"
	"github.com/isdmx/replbox/catalog"
	"github.com/isdmx/replbox/config"
	"github.com/isdmx/replbox/dataset"
	"github.com/isdmx/replbox/httpapi"
	"github.com/isdmx/replbox/ingest"
	"github.com/isdmx/replbox/logger"
	"github.com/isdmx/replbox/mcpserver"
	"github.com/isdmx/replbox/metrics"
	"github.com/isdmx/replbox/sandbox"
	"github.com/isdmx/replbox/session"
	"github.com/isdmx/replbox/token"
)

func integrationConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.Transport = "stdio"
	cfg.Server.HTTPPort = 8080
	cfg.Server.APIPort = 8081
	cfg.Server.PublicBaseURL = "http://127.0.0.1:8081"
	cfg.Sessions.Root = t.TempDir()
	cfg.Sessions.Image = "replbox-repl:latest"
	cfg.Sessions.StorageMode = config.StorageMemory
	cfg.Sessions.DatasetMode = config.DatasetNone
	cfg.Sessions.TmpfsSizeMB = 256
	cfg.Sessions.ExecTimeoutSec = 10
	cfg.Sessions.MemoryMB = 256
	cfg.Sessions.CPUs = 1
	cfg.Sessions.IdleTimeoutSec = 900
	cfg.Sessions.ReplPort = 9000
	cfg.Artifacts.BlobstoreDir = t.TempDir()
	cfg.Artifacts.CatalogPath = filepath.Join(t.TempDir(), "artifacts.db")
	cfg.Artifacts.MaxSizeMB = 20
	cfg.Artifacts.TokenSecret = "integration-secret"
	cfg.Artifacts.TokenTTLSec = 600
	cfg.Logging.Mode = "development"
	cfg.Logging.Level = "debug"
	return cfg
}

// TestIntegrationStackConstruction wires every component the way the
// entry point does and checks they agree on shared configuration.
func TestIntegrationStackConstruction(t *testing.T) {
	cfg := integrationConfig(t)

	log, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level)
	require.NoError(t, err)
	log.Info("integration test started")
	defer func() { _ = log.Sync() }()

	cat, err := catalog.Open(cfg.Artifacts.CatalogPath, log)
	require.NoError(t, err)

	blobs, err := blobstore.New(cfg.Artifacts.BlobstoreDir, log)
	require.NoError(t, err)

	tokens, err := token.NewService(cfg.Artifacts.TokenSecret, cfg.TokenTTL(), log)
	require.NoError(t, err)

	m := metrics.New()
	pipeline := ingest.New(blobs, cat, cfg.MaxArtifactBytes(), log)
	stager := dataset.New(cat, m, log)
	launcher := sandbox.NewDockerLauncher(log, cfg.Sessions.ReplPort)
	manager := session.NewManager(cfg, launcher, pipeline, stager, cat, m, log)
	require.NotNil(t, manager)

	srv, err := mcpserver.New(cfg, log, manager, cat, tokens, nil)
	require.NoError(t, err)
	require.NotNil(t, srv.GetMCPServer())
}

// TestIntegrationArtifactFlow pushes bytes through the blob store and
// catalog, then downloads them back through the HTTP API with a signed
// token.
func TestIntegrationArtifactFlow(t *testing.T) {
	cfg := integrationConfig(t)

	log, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level)
	require.NoError(t, err)
	defer func() { _ = log.Sync() }()

	cat, err := catalog.Open(cfg.Artifacts.CatalogPath, log)
	require.NoError(t, err)

	blobs, err := blobstore.New(cfg.Artifacts.BlobstoreDir, log)
	require.NoError(t, err)

	tokens, err := token.NewService(cfg.Artifacts.TokenSecret, cfg.TokenTTL(), log)
	require.NoError(t, err)

	digest, size, err := blobs.PutBytes([]byte("integration artifact body"))
	require.NoError(t, err)

	art := &catalog.Artifact{
		ID:        "art_integration",
		Digest:    digest,
		Name:      "result.txt",
		Size:      size,
		Mime:      "text/plain",
		SessionID: "it-session",
		CreatedAt: time.Now(),
	}
	require.NoError(t, cat.CreateArtifact(art))

	api := httpapi.NewServer("127.0.0.1:0", cat, blobs, tokens, metrics.New(), log)
	ts := httptest.NewServer(api.Handler())
	defer ts.Close()

	url, err := tokens.DownloadURL(ts.URL, art.ID)
	require.NoError(t, err)

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
}
