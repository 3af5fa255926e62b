package operation

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/quantflow/types"
)

// OperationRow is the GORM mapping of a types.Operation. JSON columns hold
// the map-valued fields so the schema stays identical across sqlite,
// postgres and mysql.
type OperationRow struct {
	ID            string `gorm:"primaryKey;size:64"`
	Type          string `gorm:"size:32;index"`
	Status        string `gorm:"size:16;index"`
	ParentID      string `gorm:"size:64;index"`
	Metadata      string `gorm:"type:text"`
	Progress      string `gorm:"type:text"`
	ResultSummary string `gorm:"type:text"`
	ErrorMessage  string `gorm:"type:text"`
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// TableName implements the GORM table naming convention.
func (OperationRow) TableName() string { return "operations" }

// GormRegistry is the durable Registry backing the orchestrator. Every
// transition is a conditional UPDATE guarded by the current status with an
// affected-row check, so concurrent writers (worker completing vs caller
// cancelling, N callers resuming) resolve to exactly one winner without a
// read-then-write window.
type GormRegistry struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormRegistry migrates the operations table and returns a registry.
func NewGormRegistry(db *gorm.DB, logger *zap.Logger) (*GormRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&OperationRow{}); err != nil {
		return nil, types.NewError(types.ErrInternalError, "migrate operations table").WithCause(err)
	}
	return &GormRegistry{
		db:     db,
		logger: logger.With(zap.String("component", "operation_registry")),
	}, nil
}

func (r *GormRegistry) Create(ctx context.Context, id string, typ types.OperationType, metadata map[string]string, parentID string) (*types.Operation, error) {
	if id == "" {
		id = GenerateID()
	}

	row := OperationRow{
		ID:        id,
		Type:      string(typ),
		Status:    string(types.StatusPending),
		ParentID:  parentID,
		Metadata:  marshalJSON(metadata),
		CreatedAt: time.Now(),
	}

	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, types.NewErrorf(types.ErrConflict, "create operation %s", id).WithCause(err)
	}

	r.logger.Info("operation created",
		zap.String("operation_id", id),
		zap.String("type", string(typ)),
		zap.String("parent_id", parentID),
	)

	return rowToOperation(&row)
}

// update runs a conditional UPDATE and maps affected-rows == 0 to either
// NOT_FOUND or INVALID_TRANSITION depending on whether the row exists.
func (r *GormRegistry) update(ctx context.Context, id string, from []types.OperationStatus, values map[string]any) error {
	res := r.db.WithContext(ctx).
		Model(&OperationRow{}).
		Where("id = ? AND status IN ?", id, statusStrings(from)).
		Updates(values)
	if res.Error != nil {
		return types.NewErrorf(types.ErrInternalError, "update operation %s", id).WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return r.classifyMiss(ctx, id, values["status"])
	}

	r.logger.Info("operation transition",
		zap.String("operation_id", id),
		zap.Any("to", values["status"]),
	)
	return nil
}

func (r *GormRegistry) classifyMiss(ctx context.Context, id string, to any) error {
	var row OperationRow
	err := r.db.WithContext(ctx).Select("id", "status").First(&row, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return types.NewErrorf(types.ErrNotFound, "operation not found: %s", id)
	}
	if err != nil {
		return types.NewErrorf(types.ErrInternalError, "load operation %s", id).WithCause(err)
	}
	return types.NewErrorf(types.ErrInvalidTransition,
		"illegal transition %s → %v for operation %s", row.Status, to, id)
}

func (r *GormRegistry) Start(ctx context.Context, id string) error {
	now := time.Now()
	return r.update(ctx, id,
		[]types.OperationStatus{types.StatusPending, types.StatusResuming},
		map[string]any{
			"status":     string(types.StatusRunning),
			"started_at": &now,
		})
}

func (r *GormRegistry) UpdateProgress(ctx context.Context, id string, snapshot types.ProgressSnapshot) error {
	res := r.db.WithContext(ctx).
		Model(&OperationRow{}).
		Where("id = ?", id).
		Update("progress", marshalJSON(snapshot))
	if res.Error != nil {
		return types.NewErrorf(types.ErrInternalError, "update progress %s", id).WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewErrorf(types.ErrNotFound, "operation not found: %s", id)
	}
	return nil
}

func (r *GormRegistry) Complete(ctx context.Context, id string, result map[string]any) error {
	now := time.Now()
	return r.update(ctx, id,
		[]types.OperationStatus{types.StatusRunning},
		map[string]any{
			"status":         string(types.StatusCompleted),
			"result_summary": marshalJSON(result),
			"error_message":  "",
			"completed_at":   &now,
		})
}

func (r *GormRegistry) Fail(ctx context.Context, id string, errorMessage string) error {
	now := time.Now()
	return r.update(ctx, id,
		[]types.OperationStatus{types.StatusRunning, types.StatusPending, types.StatusResuming},
		map[string]any{
			"status":         string(types.StatusFailed),
			"error_message":  errorMessage,
			"result_summary": "",
			"completed_at":   &now,
		})
}

func (r *GormRegistry) Cancel(ctx context.Context, id string, reason string) error {
	now := time.Now()
	values := map[string]any{
		"status":       string(types.StatusCancelled),
		"completed_at": &now,
	}
	err := r.update(ctx, id, []types.OperationStatus{types.StatusRunning}, values)
	if err != nil {
		return err
	}
	if reason != "" {
		r.logger.Info("operation cancelled",
			zap.String("operation_id", id),
			zap.String("reason", reason),
		)
	}
	return nil
}

// TryResume is a single conditional write: UPDATE ... WHERE status IN
// (cancelled, failed) with an affected-row check. Exactly one of N
// concurrent callers observes RowsAffected == 1.
func (r *GormRegistry) TryResume(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&OperationRow{}).
		Where("id = ? AND status IN ?", id,
			statusStrings([]types.OperationStatus{types.StatusCancelled, types.StatusFailed})).
		Updates(map[string]any{
			"status":        string(types.StatusResuming),
			"error_message": "",
			"completed_at":  nil,
		})
	if res.Error != nil {
		return false, types.NewErrorf(types.ErrInternalError, "resume operation %s", id).WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&OperationRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return false, types.NewErrorf(types.ErrInternalError, "load operation %s", id).WithCause(err)
		}
		if count == 0 {
			return false, types.NewErrorf(types.ErrNotFound, "operation not found: %s", id)
		}
		return false, nil
	}

	r.logger.Info("operation resume won", zap.String("operation_id", id))
	return true, nil
}

func (r *GormRegistry) Get(ctx context.Context, id string) (*types.Operation, error) {
	var row OperationRow
	err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, types.NewErrorf(types.ErrNotFound, "operation not found: %s", id)
	}
	if err != nil {
		return nil, types.NewErrorf(types.ErrInternalError, "load operation %s", id).WithCause(err)
	}
	return rowToOperation(&row)
}

func (r *GormRegistry) List(ctx context.Context, filter Filter) (*ListResult, error) {
	q := r.db.WithContext(ctx).Model(&OperationRow{})
	if filter.Type != "" {
		q = q.Where("type = ?", string(filter.Type))
	}
	if len(filter.Status) > 0 {
		q = q.Where("status IN ?", statusStrings(filter.Status))
	}
	if filter.ParentID != "" {
		q = q.Where("parent_id = ?", filter.ParentID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, types.NewError(types.ErrInternalError, "count operations").WithCause(err)
	}

	var active int64
	err := r.db.WithContext(ctx).Model(&OperationRow{}).
		Where("status IN ?", statusStrings([]types.OperationStatus{
			types.StatusPending, types.StatusRunning, types.StatusResuming,
		})).
		Count(&active).Error
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "count active operations").WithCause(err)
	}

	var rows []OperationRow
	q = q.Order("created_at DESC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, types.NewError(types.ErrInternalError, "list operations").WithCause(err)
	}

	items := make([]*types.Operation, 0, len(rows))
	for i := range rows {
		op, err := rowToOperation(&rows[i])
		if err != nil {
			return nil, err
		}
		items = append(items, op)
	}

	return &ListResult{
		Items:       items,
		TotalCount:  int(total),
		ActiveCount: int(active),
	}, nil
}

func rowToOperation(row *OperationRow) (*types.Operation, error) {
	op := &types.Operation{
		ID:           row.ID,
		Type:         types.OperationType(row.Type),
		Status:       types.OperationStatus(row.Status),
		ParentID:     row.ParentID,
		ErrorMessage: row.ErrorMessage,
		CreatedAt:    row.CreatedAt,
		StartedAt:    row.StartedAt,
		CompletedAt:  row.CompletedAt,
	}
	if err := unmarshalJSON(row.Metadata, &op.Metadata); err != nil {
		return nil, types.NewErrorf(types.ErrInternalError, "decode metadata for %s", row.ID).WithCause(err)
	}
	if err := unmarshalJSON(row.ResultSummary, &op.ResultSummary); err != nil {
		return nil, types.NewErrorf(types.ErrInternalError, "decode result for %s", row.ID).WithCause(err)
	}
	if row.Progress != "" {
		var snap types.ProgressSnapshot
		if err := json.Unmarshal([]byte(row.Progress), &snap); err != nil {
			return nil, types.NewErrorf(types.ErrInternalError, "decode progress for %s", row.ID).WithCause(err)
		}
		op.Progress = &snap
	}
	return op, nil
}

func marshalJSON(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalJSON[T any](s string, dst *T) error {
	if s == "" || s == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s), dst)
}

func statusStrings(statuses []types.OperationStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
