package dataset

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/replbox/catalog"
	"github.com/isdmx/replbox/config"
	"github.com/isdmx/replbox/metrics"
	"github.com/isdmx/replbox/sandbox"
)

// ErrFetchFailed wraps a failure of the external fetch function.
var ErrFetchFailed = errors.New("dataset fetch failed")

// ErrWriteFailed wraps a failure to deliver fetched bytes into the sandbox.
var ErrWriteFailed = errors.New("dataset write failed")

// ErrDatasetsDisabled is returned for sessions created with dataset mode none.
var ErrDatasetsDisabled = errors.New("session has no dataset access")

// ErrUnknownMode is returned for a dataset mode outside the configured set.
// An unrecognized mode must fail loudly, never degrade into a no-op load.
var ErrUnknownMode = errors.New("unknown dataset mode")

// FetchFunc supplies dataset bytes for an id. Implementations must return
// an error on failure, never empty bytes standing in for one.
type FetchFunc func(ctx context.Context, datasetID string) ([]byte, error)

// Target identifies the session a dataset is staged into.
type Target struct {
	SessionID   string
	DatasetMode string // config.DatasetNone / DatasetLocalReadonly / DatasetAPIStaged
	Workspace   sandbox.Workspace
}

// Stager delivers external dataset bytes into running sandboxes and
// tracks per-session staging status in the catalog.
type Stager struct {
	cat     *catalog.Catalog
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates a Stager backed by the given catalog.
func New(cat *catalog.Catalog, m *metrics.Metrics, logger *zap.Logger) *Stager {
	return &Stager{cat: cat, metrics: m, logger: logger}
}

// StagedRelPath is the workspace-relative location of a staged dataset.
func StagedRelPath(datasetID string) string {
	return sandbox.ContainerDataDir + "/" + datasetID + ".parquet"
}

// ContainerPath is the absolute in-sandbox path where code finds the
// dataset, which differs between staged and read-only-mount modes.
func ContainerPath(datasetMode, datasetID string) string {
	if datasetMode == config.DatasetLocalReadonly {
		return sandbox.ContainerReadonlyDir + "/" + datasetID + ".parquet"
	}
	return sandbox.ContainerSessionDir + "/" + StagedRelPath(datasetID)
}

// Stage makes datasetID available inside the target session's sandbox.
//
// A loaded entry short-circuits without calling fetch (idempotent). A
// previously failed entry is retried. In api_staged mode the bytes are
// fetched and written through the session's Workspace: for memory-backed
// sandboxes that is the REPL file-push across the boundary, for
// disk-backed ones a direct host write under the bind mount. In
// local_readonly mode the data is already mounted at /data and only the
// entry is recorded. Fetch or write failure marks the entry failed and
// surfaces the error; the caller may retry by staging again. A mode
// outside the configured set is rejected with ErrUnknownMode.
func (s *Stager) Stage(ctx context.Context, target Target, datasetID string, fetch FetchFunc) (*catalog.DatasetEntry, error) {
	switch target.DatasetMode {
	case config.DatasetNone:
		return nil, fmt.Errorf("%w: %s", ErrDatasetsDisabled, target.SessionID)
	case config.DatasetAPIStaged, config.DatasetLocalReadonly:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, target.DatasetMode)
	}

	entry, err := s.cat.GetDatasetEntry(target.SessionID, datasetID)
	if err == nil && entry.Status == catalog.DatasetLoaded {
		s.logger.Debug("dataset already staged",
			zap.String("session_id", target.SessionID),
			zap.String("dataset_id", datasetID))
		return entry, nil
	}
	if err != nil && !errors.Is(err, catalog.ErrDatasetEntryNotFound) {
		return nil, err
	}

	if _, err := s.cat.SetDatasetStatus(target.SessionID, datasetID, catalog.DatasetPending, ""); err != nil {
		return nil, err
	}

	if target.DatasetMode == config.DatasetAPIStaged {
		data, err := fetch(ctx, datasetID)
		if err != nil {
			ferr := fmt.Errorf("%w: %s: %v", ErrFetchFailed, datasetID, err)
			s.recordFailure(target.SessionID, datasetID, ferr)
			return nil, ferr
		}

		if err := target.Workspace.Write(ctx, StagedRelPath(datasetID), data); err != nil {
			werr := fmt.Errorf("%w: %s: %v", ErrWriteFailed, datasetID, err)
			s.recordFailure(target.SessionID, datasetID, werr)
			return nil, werr
		}
	}
	// local_readonly: bytes are pre-mounted at /data, nothing to deliver.

	entry, err = s.cat.SetDatasetStatus(target.SessionID, datasetID, catalog.DatasetLoaded, "")
	if err != nil {
		return nil, err
	}
	s.metrics.DatasetsStagedTotal.WithLabelValues("loaded").Inc()
	s.logger.Info("dataset staged",
		zap.String("session_id", target.SessionID),
		zap.String("dataset_id", datasetID),
		zap.String("mode", target.DatasetMode))
	return entry, nil
}

// recordFailure marks the entry failed and counts the attempt.
func (s *Stager) recordFailure(sessionID, datasetID string, cause error) {
	s.metrics.DatasetsStagedTotal.WithLabelValues("failed").Inc()
	if _, err := s.cat.SetDatasetStatus(sessionID, datasetID, catalog.DatasetFailed, cause.Error()); err != nil {
		s.logger.Error("failed to record dataset failure", zap.Error(err))
	}
}
