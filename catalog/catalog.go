package catalog

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrArtifactNotFound is returned when no artifact exists for an id.
var ErrArtifactNotFound = errors.New("artifact not found")

// ErrDatasetEntryNotFound is returned when no staging record exists for a
// (session, dataset) pair.
var ErrDatasetEntryNotFound = errors.New("dataset entry not found")

// Dataset staging statuses.
const (
	DatasetPending = "pending"
	DatasetLoaded  = "loaded"
	DatasetFailed  = "failed"
)

// Artifact is one user-visible descriptor per ingested file. Rows are
// immutable after creation and never deleted automatically.
type Artifact struct {
	ID        string `gorm:"primaryKey"`
	Digest    string `gorm:"index;not null"`
	Name      string `gorm:"not null"`
	Size      int64
	Mime      string
	SessionID string `gorm:"index"`
	RunID     string
	CreatedAt time.Time
}

// DatasetEntry records the staging status of one dataset in one session.
type DatasetEntry struct {
	ID        uint   `gorm:"primaryKey"`
	SessionID string `gorm:"uniqueIndex:idx_session_dataset"`
	DatasetID string `gorm:"uniqueIndex:idx_session_dataset"`
	Status    string `gorm:"not null"`
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Catalog is the durable metadata store for artifacts and dataset staging
// records. It is shared by all sessions and survives process restarts.
type Catalog struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the catalog database at path. Use
// ":memory:" for an ephemeral catalog in tests.
func Open(path string, logger *zap.Logger) (*Catalog, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}
	if err := db.AutoMigrate(&Artifact{}, &DatasetEntry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate catalog schema: %w", err)
	}
	return &Catalog{db: db, logger: logger}, nil
}

// CreateArtifact inserts a new artifact row.
func (c *Catalog) CreateArtifact(a *Artifact) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if err := c.db.Create(a).Error; err != nil {
		return fmt.Errorf("failed to insert artifact %s: %w", a.ID, err)
	}
	return nil
}

// GetArtifact looks up one artifact by id.
func (c *Catalog) GetArtifact(id string) (*Artifact, error) {
	var a Artifact
	err := c.db.First(&a, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up artifact %s: %w", id, err)
	}
	return &a, nil
}

// ListArtifactsBySession returns all artifacts produced by a session,
// oldest first.
func (c *Catalog) ListArtifactsBySession(sessionID string) ([]Artifact, error) {
	var out []Artifact
	err := c.db.Where("session_id = ?", sessionID).Order("created_at asc").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts for session %s: %w", sessionID, err)
	}
	return out, nil
}

// GetDatasetEntry returns the staging record for a (session, dataset) pair.
func (c *Catalog) GetDatasetEntry(sessionID, datasetID string) (*DatasetEntry, error) {
	var e DatasetEntry
	err := c.db.First(&e, "session_id = ? AND dataset_id = ?", sessionID, datasetID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrDatasetEntryNotFound, sessionID, datasetID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up dataset entry %s/%s: %w", sessionID, datasetID, err)
	}
	return &e, nil
}

// SetDatasetStatus creates or updates the staging record for a
// (session, dataset) pair. The error message is cleared on any
// non-failed status.
func (c *Catalog) SetDatasetStatus(sessionID, datasetID, status, errMsg string) (*DatasetEntry, error) {
	if status != DatasetFailed {
		errMsg = ""
	}
	var e DatasetEntry
	err := c.db.First(&e, "session_id = ? AND dataset_id = ?", sessionID, datasetID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		e = DatasetEntry{
			SessionID: sessionID,
			DatasetID: datasetID,
			Status:    status,
			Error:     errMsg,
		}
		if err := c.db.Create(&e).Error; err != nil {
			return nil, fmt.Errorf("failed to create dataset entry %s/%s: %w", sessionID, datasetID, err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to look up dataset entry %s/%s: %w", sessionID, datasetID, err)
	default:
		e.Status = status
		e.Error = errMsg
		if err := c.db.Save(&e).Error; err != nil {
			return nil, fmt.Errorf("failed to update dataset entry %s/%s: %w", sessionID, datasetID, err)
		}
	}
	return &e, nil
}

// ClearDatasetEntries removes all staging records for a session. Used when
// a session's sandbox is destroyed so a future session with the same id
// starts from a clean slate.
func (c *Catalog) ClearDatasetEntries(sessionID string) error {
	if err := c.db.Where("session_id = ?", sessionID).Delete(&DatasetEntry{}).Error; err != nil {
		return fmt.Errorf("failed to clear dataset entries for session %s: %w", sessionID, err)
	}
	return nil
}
