package checkpoint

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/quantflow/types"
)

// CheckpointRow is the GORM mapping of a checkpoint record. OperationID is
// the primary key: one checkpoint per operation, overwritten on every save.
type CheckpointRow struct {
	OperationID        string `gorm:"primaryKey;size:64"`
	Type               string `gorm:"size:16"`
	State              string `gorm:"type:text"`
	ArtifactsPath      string `gorm:"size:512"`
	StateSizeBytes     int64
	ArtifactsSizeBytes int64
	CreatedAt          time.Time
}

// TableName implements the GORM table naming convention.
func (CheckpointRow) TableName() string { return "checkpoints" }

// StoreConfig configures a persistent checkpoint store.
type StoreConfig struct {
	// ArtifactDir is the base directory for per-operation artifact dirs
	ArtifactDir string `yaml:"artifact_dir" json:"artifact_dir"`

	// Manifest validates artifact sets before a save is durable; nil
	// disables validation
	Manifest Manifest `yaml:"-" json:"-"`
}

// GormStore persists checkpoint rows in the database and artifact blobs on
// the filesystem. The single checkpoint row per operation is mutated only
// by the owning worker during execution and deleted by the orchestrator on
// completion, so no additional locking is needed on the row itself.
type GormStore struct {
	db     *gorm.DB
	config StoreConfig
	logger *zap.Logger
}

// NewGormStore migrates the checkpoints table and returns a store.
func NewGormStore(db *gorm.DB, config StoreConfig, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&CheckpointRow{}); err != nil {
		return nil, types.NewError(types.ErrInternalError, "migrate checkpoints table").WithCause(err)
	}
	return &GormStore{
		db:     db,
		config: config,
		logger: logger.With(zap.String("component", "checkpoint_store")),
	}, nil
}

func (s *GormStore) Save(ctx context.Context, operationID string, typ Type, state map[string]any, artifacts map[string][]byte) error {
	if artifacts != nil {
		if err := s.config.Manifest.Validate(artifacts); err != nil {
			return err
		}
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return types.NewErrorf(types.ErrInternalError, "marshal checkpoint state for %s", operationID).WithCause(err)
	}

	row := CheckpointRow{
		OperationID:    operationID,
		Type:           string(typ),
		State:          string(stateJSON),
		StateSizeBytes: int64(len(stateJSON)),
		CreatedAt:      time.Now(),
	}

	if artifacts != nil {
		path, size, err := writeArtifacts(s.config.ArtifactDir, operationID, artifacts)
		if err != nil {
			return err
		}
		row.ArtifactsPath = path
		row.ArtifactsSizeBytes = size
	} else {
		// State-only save keeps the prior artifact set in place. Safe
		// without a transaction: the owning worker is the only writer.
		var prior CheckpointRow
		if err := s.db.WithContext(ctx).First(&prior, "operation_id = ?", operationID).Error; err == nil {
			row.ArtifactsPath = prior.ArtifactsPath
			row.ArtifactsSizeBytes = prior.ArtifactsSizeBytes
		}
	}

	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "operation_id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return types.NewErrorf(types.ErrInternalError, "save checkpoint for %s", operationID).WithCause(err)
	}

	s.logger.Debug("checkpoint saved",
		zap.String("operation_id", operationID),
		zap.String("type", string(typ)),
		zap.Int64("state_bytes", row.StateSizeBytes),
		zap.Int64("artifact_bytes", row.ArtifactsSizeBytes),
	)
	return nil
}

func (s *GormStore) Load(ctx context.Context, operationID string, includeArtifacts bool) (*Checkpoint, error) {
	var row CheckpointRow
	err := s.db.WithContext(ctx).First(&row, "operation_id = ?", operationID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, types.NewErrorf(types.ErrCheckpointNotFound, "no checkpoint for operation %s", operationID)
	}
	if err != nil {
		return nil, types.NewErrorf(types.ErrInternalError, "load checkpoint for %s", operationID).WithCause(err)
	}

	cp := &Checkpoint{
		OperationID:        row.OperationID,
		Type:               Type(row.Type),
		ArtifactsPath:      row.ArtifactsPath,
		StateSizeBytes:     row.StateSizeBytes,
		ArtifactsSizeBytes: row.ArtifactsSizeBytes,
		CreatedAt:          row.CreatedAt,
	}
	if row.State != "" {
		if err := json.Unmarshal([]byte(row.State), &cp.State); err != nil {
			return nil, types.NewErrorf(types.ErrCheckpointCorrupted, "decode checkpoint state for %s", operationID).WithCause(err)
		}
	}

	if includeArtifacts && row.ArtifactsPath != "" {
		artifacts, err := readArtifacts(row.ArtifactsPath)
		if err != nil {
			return nil, err
		}
		cp.Artifacts = artifacts
	}

	return cp, nil
}

func (s *GormStore) Delete(ctx context.Context, operationID string) (bool, error) {
	var row CheckpointRow
	err := s.db.WithContext(ctx).First(&row, "operation_id = ?", operationID).Error
	if err == gorm.ErrRecordNotFound {
		return false, nil
	}
	if err != nil {
		return false, types.NewErrorf(types.ErrInternalError, "load checkpoint for %s", operationID).WithCause(err)
	}

	if err := s.db.WithContext(ctx).Delete(&CheckpointRow{}, "operation_id = ?", operationID).Error; err != nil {
		return false, types.NewErrorf(types.ErrInternalError, "delete checkpoint for %s", operationID).WithCause(err)
	}
	// 行已删除，工件清理失败不可再报告为"未删除"
	if err := removeArtifacts(row.ArtifactsPath); err != nil {
		s.logger.Warn("checkpoint artifacts cleanup failed",
			zap.String("operation_id", operationID),
			zap.Error(err),
		)
		return true, types.NewErrorf(types.ErrInternalError,
			"checkpoint row deleted but artifacts cleanup failed for %s", operationID).WithCause(err)
	}

	s.logger.Info("checkpoint deleted", zap.String("operation_id", operationID))
	return true, nil
}

func (s *GormStore) Exists(ctx context.Context, operationID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&CheckpointRow{}).
		Where("operation_id = ?", operationID).
		Count(&count).Error
	if err != nil {
		return false, types.NewErrorf(types.ErrInternalError, "check checkpoint for %s", operationID).WithCause(err)
	}
	return count > 0, nil
}
