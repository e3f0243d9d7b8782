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

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

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

func newCatalog(cfg *config.Config, log *zap.Logger) (*catalog.Catalog, error) {
	return catalog.Open(cfg.Artifacts.CatalogPath, log)
}

func newBlobstore(cfg *config.Config, log *zap.Logger) (*blobstore.Store, error) {
	return blobstore.New(cfg.Artifacts.BlobstoreDir, log)
}

func newTokenService(cfg *config.Config, log *zap.Logger) (*token.Service, error) {
	return token.NewService(cfg.Artifacts.TokenSecret, cfg.TokenTTL(), log)
}

func newLauncher(cfg *config.Config, log *zap.Logger) sandbox.Launcher {
	return sandbox.NewDockerLauncher(log, cfg.Sessions.ReplPort,
		sandbox.WithHealthProbing(
			cfg.Sessions.HealthProbes,
			time.Duration(cfg.Sessions.HealthProbeMsec)*time.Millisecond,
		))
}

func newPipeline(cfg *config.Config, blobs *blobstore.Store, cat *catalog.Catalog, log *zap.Logger) *ingest.Pipeline {
	return ingest.New(blobs, cat, cfg.MaxArtifactBytes(), log)
}

func newStager(cat *catalog.Catalog, m *metrics.Metrics, log *zap.Logger) *dataset.Stager {
	return dataset.New(cat, m, log)
}

func newFetcher(cfg *config.Config, log *zap.Logger) dataset.FetchFunc {
	if cfg.Datasets.APIBaseURL == "" {
		return func(context.Context, string) ([]byte, error) {
			return nil, errors.New("dataset api is not configured")
		}
	}
	return dataset.NewHTTPFetcher(cfg.Datasets.APIBaseURL, log)
}

func newSessionManager(cfg *config.Config, launcher sandbox.Launcher, pipeline *ingest.Pipeline,
	stager *dataset.Stager, cat *catalog.Catalog, m *metrics.Metrics, log *zap.Logger) *session.Manager {
	return session.NewManager(cfg, launcher, pipeline, stager, cat, m, log)
}

func newHTTPAPI(cfg *config.Config, cat *catalog.Catalog, blobs *blobstore.Store,
	tokens *token.Service, m *metrics.Metrics, log *zap.Logger) *httpapi.Server {
	return httpapi.NewServer(fmt.Sprintf(":%d", cfg.Server.APIPort), cat, blobs, tokens, m, log)
}

func newMCPServer(cfg *config.Config, log *zap.Logger, manager *session.Manager,
	cat *catalog.Catalog, tokens *token.Service, fetch dataset.FetchFunc) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, log, manager, cat, tokens, fetch)
}

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			config.New,
			logger.NewFromConfig,
			metrics.New,
			newCatalog,
			newBlobstore,
			newTokenService,
			newLauncher,
			newPipeline,
			newStager,
			newFetcher,
			newSessionManager,
			newHTTPAPI,
			newMCPServer,
		),

		// Artifact download sidecar, with session teardown on shutdown
		fx.Invoke(
			func(lc fx.Lifecycle, api *httpapi.Server, manager *session.Manager, log *zap.Logger) {
				lc.Append(fx.Hook{
					OnStart: func(context.Context) error {
						go func() {
							if err := api.Start(); err != nil {
								log.Error("http api stopped", zap.Error(err))
							}
						}()
						return nil
					},
					OnStop: func(ctx context.Context) error {
						manager.StopAll(ctx)
						return api.Shutdown(ctx)
					},
				})
			},
		),

		// Start the appropriate transport based on config
		fx.Invoke(
			func(cfg *config.Config, server *mcpserver.MCPServer) {
				switch cfg.Server.Transport {
				case "stdio":
					// Use fx to run this as a background task
					go func() {
						if err := server.ServeStdio(); err != nil {
							panic(err)
						}
					}()
				case "http":
					go func() {
						if err := server.ServeHTTP(); err != nil {
							panic(err)
						}
					}()
				default:
					panic("unsupported transport: " + cfg.Server.Transport)
				}
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}
