// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"time"

	"catalog-ingest-go/internal/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Rollup 是聚合器写回上传记录的最终计数。
type Rollup struct {
	Total     int
	Processed int
	Created   int
	Updated   int
}

// UploadRepository 接口定义了上传记录及其处理日志的持久化操作。
// 所有状态变更都是条件更新：只有当前状态允许迁移时才会生效，返回值报告是否生效。
type UploadRepository interface {
	WithTx(tx *gorm.DB) UploadRepository

	Create(ctx context.Context, upload *model.Upload) error
	Get(ctx context.Context, id uint) (*model.Upload, error)
	ListChildren(ctx context.Context, parentID uint) ([]model.Upload, error)
	ListRecent(ctx context.Context, limit int) ([]model.Upload, error)
	SetObjectKey(ctx context.Context, id uint, key string) error

	AppendLog(ctx context.Context, uploadID uint, message string) error
	Logs(ctx context.Context, uploadID uint) ([]model.UploadLog, error)

	Transition(ctx context.Context, id uint, to model.UploadStatus) (bool, error)
	SetAnalysis(ctx context.Context, id uint, header datatypes.JSON, total int, estimated bool) error
	SetProcessing(ctx context.Context, id uint, chunkCount int) (bool, error)
	SetImageMembers(ctx context.Context, id uint, members datatypes.JSON) error
	Finalize(ctx context.Context, id uint, status model.UploadStatus, r Rollup) (bool, error)
	MarkEnrichmentDispatched(ctx context.Context, id uint) (bool, error)
	ClearEnrichmentDispatched(ctx context.Context, id uint) error
}

// uploadRepository 是 UploadRepository 接口的 GORM 实现。
type uploadRepository struct {
	db *gorm.DB
}

// NewUploadRepository 创建一个新的 UploadRepository 实例。
func NewUploadRepository(db *gorm.DB) UploadRepository {
	return &uploadRepository{db: db}
}

// WithTx 返回绑定到事务 tx 的仓储。
func (r *uploadRepository) WithTx(tx *gorm.DB) UploadRepository {
	return &uploadRepository{db: tx}
}

// Create 在数据库中创建一个新的上传记录。
func (r *uploadRepository) Create(ctx context.Context, upload *model.Upload) error {
	if upload.Status == "" {
		upload.Status = model.UploadPending
	}
	return r.db.WithContext(ctx).Create(upload).Error
}

// Get 根据 ID 检索上传记录，不存在时返回 gorm.ErrRecordNotFound。
func (r *uploadRepository) Get(ctx context.Context, id uint) (*model.Upload, error) {
	var upload model.Upload
	if err := r.db.WithContext(ctx).First(&upload, id).Error; err != nil {
		return nil, err
	}
	return &upload, nil
}

// ListChildren 返回压缩包上传的所有子上传，按 ID 排序。
func (r *uploadRepository) ListChildren(ctx context.Context, parentID uint) ([]model.Upload, error) {
	var children []model.Upload
	err := r.db.WithContext(ctx).Where("parent_id = ?", parentID).Order("id").Find(&children).Error
	return children, err
}

// ListRecent 按创建时间倒序返回最近的顶层上传（不含压缩包的子上传）。
func (r *uploadRepository) ListRecent(ctx context.Context, limit int) ([]model.Upload, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var uploads []model.Upload
	err := r.db.WithContext(ctx).Where("parent_id IS NULL").Order("id DESC").Limit(limit).Find(&uploads).Error
	return uploads, err
}

func (r *uploadRepository) SetObjectKey(ctx context.Context, id uint, key string) error {
	return r.db.WithContext(ctx).Model(&model.Upload{}).Where("id = ?", id).Update("object_key", key).Error
}

// AppendLog 追加一行处理日志。
func (r *uploadRepository) AppendLog(ctx context.Context, uploadID uint, message string) error {
	return r.db.WithContext(ctx).Create(&model.UploadLog{UploadID: uploadID, Message: message}).Error
}

// Logs 按写入顺序返回处理日志。
func (r *uploadRepository) Logs(ctx context.Context, uploadID uint) ([]model.UploadLog, error) {
	var logs []model.UploadLog
	err := r.db.WithContext(ctx).Where("upload_id = ?", uploadID).Order("id").Find(&logs).Error
	return logs, err
}

func (r *uploadRepository) transition(ctx context.Context, id uint, to model.UploadStatus, extra map[string]interface{}) (bool, error) {
	from := model.PredecessorsOf(to)
	if len(from) == 0 {
		return false, nil
	}
	updates := map[string]interface{}{"status": to}
	for k, v := range extra {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).Model(&model.Upload{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	return res.RowsAffected > 0, res.Error
}

// Transition 把上传迁移到 to，只有当前状态是 to 的合法前驱时才生效。
func (r *uploadRepository) Transition(ctx context.Context, id uint, to model.UploadStatus) (bool, error) {
	return r.transition(ctx, id, to, nil)
}

// SetAnalysis 写入表头与数据行总数。
func (r *uploadRepository) SetAnalysis(ctx context.Context, id uint, header datatypes.JSON, total int, estimated bool) error {
	return r.db.WithContext(ctx).Model(&model.Upload{}).Where("id = ?", id).
		Updates(map[string]interface{}{"header_row": header, "total_records": total, "rows_estimated": estimated}).Error
}

// SetProcessing 把上传从 analyzing 迁移到 processing，并记录分块数。
func (r *uploadRepository) SetProcessing(ctx context.Context, id uint, chunkCount int) (bool, error) {
	now := time.Now()
	return r.transition(ctx, id, model.UploadProcessing, map[string]interface{}{
		"chunk_count":           chunkCount,
		"processing_started_at": &now,
	})
}

func (r *uploadRepository) SetImageMembers(ctx context.Context, id uint, members datatypes.JSON) error {
	return r.db.WithContext(ctx).Model(&model.Upload{}).Where("id = ?", id).Update("image_members", members).Error
}

// Finalize 把上传迁移到终态并写入汇总计数与完成时间。
func (r *uploadRepository) Finalize(ctx context.Context, id uint, status model.UploadStatus, rollup Rollup) (bool, error) {
	now := time.Now()
	return r.transition(ctx, id, status, map[string]interface{}{
		"total_records":     rollup.Total,
		"processed_records": rollup.Processed,
		"created_records":   rollup.Created,
		"updated_records":   rollup.Updated,
		"completed_at":      &now,
	})
}

// MarkEnrichmentDispatched 只会成功一次，用于保证每个上传的补全任务只派发一次。
func (r *uploadRepository) MarkEnrichmentDispatched(ctx context.Context, id uint) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&model.Upload{}).
		Where("id = ? AND enrichment_dispatched_at IS NULL", id).
		Update("enrichment_dispatched_at", &now)
	return res.RowsAffected > 0, res.Error
}

// ClearEnrichmentDispatched 撤销派发标记，派发失败时使用，下次检查会重新派发。
func (r *uploadRepository) ClearEnrichmentDispatched(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&model.Upload{}).
		Where("id = ?", id).
		Update("enrichment_dispatched_at", nil).Error
}
