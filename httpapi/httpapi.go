package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/isdmx/replbox/blobstore"
	"github.com/isdmx/replbox/catalog"
	"github.com/isdmx/replbox/metrics"
	"github.com/isdmx/replbox/token"
)

// Server exposes the artifact download endpoint plus health and metrics.
type Server struct {
	cat     *catalog.Catalog
	blobs   *blobstore.Store
	tokens  *token.Service
	metrics *metrics.Metrics
	logger  *zap.Logger

	srv *http.Server
}

// NewServer creates the HTTP sidecar listening on addr.
func NewServer(addr string, cat *catalog.Catalog, blobs *blobstore.Store,
	tokens *token.Service, m *metrics.Metrics, logger *zap.Logger) *Server {
	s := &Server{
		cat:     cat,
		blobs:   blobs,
		tokens:  tokens,
		metrics: m,
		logger:  logger,
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /artifacts/{id}", s.handleDownload)
	mux.HandleFunc("HEAD /artifacts/{id}", s.handleDownload)
	return mux
}

// Start begins serving. Blocks until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("http api listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleDownload streams an artifact's bytes after validating its signed
// token. The token is scoped to one artifact id: a valid token for a
// different artifact is rejected, not just an expired or forged one.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	artifactID := r.PathValue("id")

	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	subject, err := s.tokens.Verify(tokenStr)
	switch {
	case errors.Is(err, token.ErrTokenExpired):
		http.Error(w, "token expired", http.StatusUnauthorized)
		return
	case err != nil:
		http.Error(w, "invalid token", http.StatusForbidden)
		return
	case subject != artifactID:
		http.Error(w, "token not valid for this artifact", http.StatusForbidden)
		return
	}

	art, err := s.cat.GetArtifact(artifactID)
	if errors.Is(err, catalog.ErrArtifactNotFound) {
		http.Error(w, "artifact not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("catalog lookup failed", zap.String("artifact_id", artifactID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", art.Mime)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", art.Size))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", art.Name))

	if r.Method == http.MethodHead {
		return
	}

	blob, err := s.blobs.Open(art.Digest)
	if err != nil {
		// A catalog row without its blob means store corruption, not a
		// bad request.
		s.logger.Error("blob missing for catalogued artifact",
			zap.String("artifact_id", artifactID), zap.String("digest", art.Digest), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer blob.Close()

	if _, err := io.Copy(w, blob); err != nil {
		s.logger.Warn("download interrupted", zap.String("artifact_id", artifactID), zap.Error(err))
		return
	}
	s.metrics.ArtifactDownloadsTotal.Inc()
}
