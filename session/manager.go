package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/replbox/catalog"
	"github.com/isdmx/replbox/config"
	"github.com/isdmx/replbox/dataset"
	"github.com/isdmx/replbox/ingest"
	"github.com/isdmx/replbox/metrics"
	"github.com/isdmx/replbox/sandbox"
)

// ErrNotFound is returned when no live session exists for an id.
var ErrNotFound = errors.New("session not found")

// ErrAlreadyRunning is returned when starting an id that has a live sandbox.
var ErrAlreadyRunning = errors.New("session already running")

// ErrBusy is returned when an exec is already in flight on the session.
// Concurrent execs are rejected, not queued, so the caller decides
// whether to retry.
var ErrBusy = errors.New("session busy")

// ErrTimeout marks an execution that exceeded its bound. The interpreter
// was interrupted in-sandbox; the session stays usable.
var ErrTimeout = errors.New("execution timed out")

// ErrSandboxCrashed marks a session whose interpreter stopped responding.
// Fatal to the session: recovery requires Stop then Start.
var ErrSandboxCrashed = errors.New("sandbox crashed")

// State of a session's lifecycle.
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateFailed  State = "failed"
)

// session is the manager-internal record for one sandbox. Its mutex
// serializes start/exec/stage/stop on this id; different sessions
// proceed fully in parallel.
type session struct {
	mu sync.Mutex

	id          string
	storageMode string
	datasetMode string
	state       State
	box         sandbox.Box
	createdAt   time.Time
	lastUsedAt  time.Time
	execCount   int
}

// Info is the caller-visible snapshot of a session.
type Info struct {
	ID          string    `json:"id"`
	StorageMode string    `json:"storage_mode"`
	DatasetMode string    `json:"dataset_mode"`
	State       State     `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
	ExecCount   int       `json:"exec_count"`
}

// StartOptions configure a new session. Zero-valued modes and limits fall
// back to the configured defaults.
type StartOptions struct {
	SessionID   string
	StorageMode string
	DatasetMode string
	Limits      *sandbox.Limits
}

// ExecResult is the combined outcome of one execution: interpreter
// output plus the artifacts its files became.
type ExecResult struct {
	RunID     string             `json:"run_id"`
	Stdout    string             `json:"stdout"`
	Stderr    string             `json:"stderr"`
	Success   bool               `json:"success"`
	Error     string             `json:"error,omitempty"`
	TimedOut  bool               `json:"timed_out,omitempty"`
	Artifacts []ingest.Descriptor `json:"artifacts"`
	Failures  []ingest.FileError  `json:"ingest_failures,omitempty"`
}

// Manager owns one sandbox per session id and drives the
// execution-then-ingestion cycle against it.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session

	cfg      *config.Config
	launcher sandbox.Launcher
	pipeline *ingest.Pipeline
	stager   *dataset.Stager
	cat      *catalog.Catalog
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewManager creates a Manager.
func NewManager(cfg *config.Config, launcher sandbox.Launcher, pipeline *ingest.Pipeline,
	stager *dataset.Stager, cat *catalog.Catalog, m *metrics.Metrics, logger *zap.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*session),
		cfg:      cfg,
		launcher: launcher,
		pipeline: pipeline,
		stager:   stager,
		cat:      cat,
		metrics:  m,
		logger:   logger,
	}
}

// Start allocates a fresh sandbox for opts.SessionID. Fails with
// ErrAlreadyRunning when a live sandbox exists for the id; a stopped or
// failed record with the same id is replaced. Storage and dataset modes
// are fixed for the session's lifetime.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (Info, error) {
	if opts.SessionID == "" {
		opts.SessionID = "anon-" + uuid.NewString()[:8]
	}
	if opts.StorageMode == "" {
		opts.StorageMode = m.cfg.Sessions.StorageMode
	}
	if opts.DatasetMode == "" {
		opts.DatasetMode = m.cfg.Sessions.DatasetMode
	}
	if opts.StorageMode != config.StorageMemory && opts.StorageMode != config.StorageDisk {
		return Info{}, fmt.Errorf("invalid storage mode: %s", opts.StorageMode)
	}
	switch opts.DatasetMode {
	case config.DatasetNone, config.DatasetLocalReadonly, config.DatasetAPIStaged:
	default:
		return Info{}, fmt.Errorf("invalid dataset mode: %s", opts.DatasetMode)
	}

	m.sweepIdle(ctx)

	s := &session{
		id:          opts.SessionID,
		storageMode: opts.StorageMode,
		datasetMode: opts.DatasetMode,
		state:       StateCreated,
		createdAt:   time.Now(),
		lastUsedAt:  time.Now(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m.mu.Lock()
	if existing, ok := m.sessions[opts.SessionID]; ok {
		if existing.state == StateRunning || existing.state == StateCreated {
			m.mu.Unlock()
			return Info{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, opts.SessionID)
		}
	}
	m.sessions[opts.SessionID] = s
	m.mu.Unlock()

	hostDir := m.cfg.SessionDir(opts.SessionID)
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		m.drop(opts.SessionID)
		return Info{}, fmt.Errorf("failed to create session directory: %w", err)
	}

	limits := sandbox.Limits{
		MemoryMB:    m.cfg.Sessions.MemoryMB,
		CPUs:        m.cfg.Sessions.CPUs,
		TmpfsSizeMB: m.cfg.Sessions.TmpfsSizeMB,
	}
	if opts.Limits != nil {
		limits = *opts.Limits
	}

	spec := sandbox.Spec{
		SessionID:      opts.SessionID,
		Image:          m.cfg.Sessions.Image,
		MemoryBacked:   opts.StorageMode == config.StorageMemory,
		HostSessionDir: hostDir,
		Limits:         limits,
	}
	if opts.DatasetMode == config.DatasetLocalReadonly {
		spec.ReadonlyDataDir = m.cfg.Datasets.HostReadonlyDir
	}

	box, err := m.launcher.Launch(ctx, spec)
	if err != nil {
		m.drop(opts.SessionID)
		return Info{}, fmt.Errorf("failed to launch sandbox for %s: %w", opts.SessionID, err)
	}

	s.box = box
	s.state = StateRunning
	m.metrics.SessionsActive.Inc()

	m.logger.Info("session started",
		zap.String("session_id", opts.SessionID),
		zap.String("storage_mode", opts.StorageMode),
		zap.String("dataset_mode", opts.DatasetMode))

	return s.info(), nil
}

// Exec runs code in the session's persistent interpreter and ingests any
// files it produced. Calls on one session are strictly serialized: a
// second concurrent call fails with ErrBusy. On ErrTimeout the returned
// result is still populated (including artifacts written before the
// interrupt); the session remains usable. ErrSandboxCrashed marks the
// session failed.
func (m *Manager) Exec(ctx context.Context, sessionID, code string, timeout time.Duration) (*ExecResult, error) {
	s, err := m.liveSession(sessionID)
	if err != nil {
		return nil, err
	}
	if !s.mu.TryLock() {
		return nil, fmt.Errorf("%w: %s has an execution in flight", ErrBusy, sessionID)
	}
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFound, sessionID, s.state)
	}
	s.lastUsedAt = time.Now()

	if timeout <= 0 {
		timeout = m.cfg.ExecTimeout()
	}

	ws := s.box.Workspace()
	before, err := m.pipeline.Snapshot(ctx, ws)
	if err != nil {
		// No code has run yet; a listing failure is an ordinary error,
		// not a timeout or a crash.
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}

	runID := "run_" + uuid.NewString()[:12]
	started := time.Now()
	raw, err := s.box.Exec(ctx, code, timeout)
	m.metrics.ExecutionSeconds.Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, m.checkCrash(ctx, s, err)
	}
	s.execCount++

	// Files may exist even when the code failed or was interrupted.
	descriptors, failures := m.pipeline.Ingest(ctx, sessionID, runID, ws, before)
	m.metrics.ArtifactsIngested.Add(float64(len(descriptors)))
	for _, d := range descriptors {
		m.metrics.BlobBytesWritten.Add(float64(d.Size))
	}

	result := &ExecResult{
		RunID:     runID,
		Stdout:    raw.Stdout,
		Stderr:    raw.Stderr,
		Success:   raw.Success,
		Error:     raw.Error,
		TimedOut:  raw.TimedOut,
		Artifacts: descriptors,
		Failures:  failures,
	}

	switch {
	case raw.TimedOut:
		m.metrics.ExecutionsTotal.WithLabelValues("timeout").Inc()
		return result, fmt.Errorf("%w: session %s", ErrTimeout, sessionID)
	case raw.Success:
		m.metrics.ExecutionsTotal.WithLabelValues("ok").Inc()
	default:
		// Code-level failure is part of the normal result, not a system
		// error.
		m.metrics.ExecutionsTotal.WithLabelValues("error").Inc()
	}
	return result, nil
}

// checkCrash classifies a channel failure: an interpreter that still
// answers health probes means the call merely timed out, otherwise the
// session is marked failed. No automatic respawn, that would silently
// lose the accumulated interpreter state.
func (m *Manager) checkCrash(ctx context.Context, s *session, cause error) error {
	if s.box.Healthy(ctx) {
		m.metrics.ExecutionsTotal.WithLabelValues("timeout").Inc()
		return fmt.Errorf("%w: %s: %v", ErrTimeout, s.id, cause)
	}
	s.state = StateFailed
	m.metrics.SessionsActive.Dec()
	m.metrics.ExecutionsTotal.WithLabelValues("crashed").Inc()
	m.logger.Error("sandbox unresponsive, session failed",
		zap.String("session_id", s.id), zap.Error(cause))
	return fmt.Errorf("%w: %s: %v", ErrSandboxCrashed, s.id, cause)
}

// StageDataset makes a dataset available inside the session's sandbox.
// Serialized with Exec on the same session.
func (m *Manager) StageDataset(ctx context.Context, sessionID, datasetID string, fetch dataset.FetchFunc) (*catalog.DatasetEntry, error) {
	s, err := m.liveSession(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFound, sessionID, s.state)
	}
	s.lastUsedAt = time.Now()

	return m.stager.Stage(ctx, dataset.Target{
		SessionID:   sessionID,
		DatasetMode: s.datasetMode,
		Workspace:   s.box.Workspace(),
	}, datasetID, fetch)
}

// Stop destroys the session's sandbox. Idempotent: stopping an unknown
// or already-stopped session is a no-op. The host session directory is
// kept for inspection unless purge is set.
func (m *Manager) Stop(ctx context.Context, sessionID string, purge bool) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateRunning || s.state == StateFailed {
		wasRunning := s.state == StateRunning
		if s.box != nil {
			if err := s.box.Stop(ctx); err != nil {
				m.logger.Warn("sandbox stop failed",
					zap.String("session_id", sessionID), zap.Error(err))
			}
		}
		s.state = StateStopped
		if wasRunning {
			m.metrics.SessionsActive.Dec()
		}
		// A future session reusing this id starts with a clean staging
		// slate.
		if err := m.cat.ClearDatasetEntries(sessionID); err != nil {
			m.logger.Warn("failed to clear dataset entries",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		m.logger.Info("session stopped", zap.String("session_id", sessionID))
	}

	if purge {
		if err := os.RemoveAll(m.cfg.SessionDir(sessionID)); err != nil {
			return fmt.Errorf("failed to purge session directory: %w", err)
		}
	}
	return nil
}

// Get returns a snapshot of one session.
func (m *Manager) Get(sessionID string) (Info, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return s.info(), nil
}

// List returns snapshots of all known sessions.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info())
	}
	return out
}

// StopAll stops every session, for shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	for _, info := range m.List() {
		if err := m.Stop(ctx, info.ID, false); err != nil {
			m.logger.Warn("failed to stop session during shutdown",
				zap.String("session_id", info.ID), zap.Error(err))
		}
	}
}

// liveSession fetches the record for an id, requiring it to be live.
func (m *Manager) liveSession(sessionID string) (*session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if s.state == StateStopped || s.state == StateFailed {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFound, sessionID, s.state)
	}
	return s, nil
}

// drop removes a session record after a failed start.
func (m *Manager) drop(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// sweepIdle opportunistically stops sessions unused past the idle
// timeout. Called from Start so no background goroutine is needed; an
// in-flight exec refreshes lastUsedAt before releasing the session
// lock, so a busy session never looks stale.
func (m *Manager) sweepIdle(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout())

	m.mu.Lock()
	var stale []string
	for id, s := range m.sessions {
		if s.state == StateRunning && s.lastUsedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.logger.Info("evicting idle session", zap.String("session_id", id))
		if err := m.Stop(ctx, id, false); err != nil {
			m.logger.Warn("idle eviction failed", zap.String("session_id", id), zap.Error(err))
		}
	}
}

func (s *session) info() Info {
	return Info{
		ID:          s.id,
		StorageMode: s.storageMode,
		DatasetMode: s.datasetMode,
		State:       s.state,
		CreatedAt:   s.createdAt,
		LastUsedAt:  s.lastUsedAt,
		ExecCount:   s.execCount,
	}
}
