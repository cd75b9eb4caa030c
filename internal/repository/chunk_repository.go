package repository

import (
	"context"
	"time"

	"catalog-ingest-go/internal/model"

	"gorm.io/gorm"
)

// ChunkRepository 定义了导入分块的持久化操作。
// 分块一旦进入 completed / failed 就不会再被任何方法修改。
type ChunkRepository interface {
	WithTx(tx *gorm.DB) ChunkRepository

	CreateBatch(ctx context.Context, chunks []model.ImportChunk) error
	Get(ctx context.Context, id uint) (*model.ImportChunk, error)
	ListByUpload(ctx context.Context, uploadID uint) ([]model.ImportChunk, error)
	CountByStatus(ctx context.Context, uploadID uint) (map[model.ChunkStatus]int, error)

	Claim(ctx context.Context, id uint, staleBefore time.Time) (bool, error)
	Complete(ctx context.Context, id uint, created, updated int, elapsed time.Duration) (bool, error)
	Fail(ctx context.Context, id uint, message string, elapsed time.Duration) (bool, error)
	Requeue(ctx context.Context, id uint, message string) (bool, error)
	CancelPending(ctx context.Context, uploadID uint, message string) (int64, error)
	FailUnfinished(ctx context.Context, uploadID uint, message string) (int64, error)
}

type chunkRepository struct {
	db *gorm.DB
}

// NewChunkRepository 创建一个新的 ChunkRepository 实例。
func NewChunkRepository(db *gorm.DB) ChunkRepository {
	return &chunkRepository{db: db}
}

func (r *chunkRepository) WithTx(tx *gorm.DB) ChunkRepository {
	return &chunkRepository{db: tx}
}

// chunkInsertBatch 控制单条 INSERT 的分块数，避免超过 MySQL 的 65535 个占位符上限。
const chunkInsertBatch = 1000

// CreateBatch 在一个事务里分批写入全部分块，任一批失败则整体回滚。
func (r *chunkRepository) CreateBatch(ctx context.Context, chunks []model.ImportChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(&chunks, chunkInsertBatch).Error
	})
}

func (r *chunkRepository) Get(ctx context.Context, id uint) (*model.ImportChunk, error) {
	var chunk model.ImportChunk
	if err := r.db.WithContext(ctx).First(&chunk, id).Error; err != nil {
		return nil, err
	}
	return &chunk, nil
}

// ListByUpload 按序号返回上传的所有分块。
func (r *chunkRepository) ListByUpload(ctx context.Context, uploadID uint) ([]model.ImportChunk, error) {
	var chunks []model.ImportChunk
	err := r.db.WithContext(ctx).Where("upload_id = ?", uploadID).Order("sequence").Find(&chunks).Error
	return chunks, err
}

func (r *chunkRepository) CountByStatus(ctx context.Context, uploadID uint) (map[model.ChunkStatus]int, error) {
	var rows []struct {
		Status model.ChunkStatus
		N      int
	}
	err := r.db.WithContext(ctx).Model(&model.ImportChunk{}).
		Select("status, COUNT(*) AS n").
		Where("upload_id = ?", uploadID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[model.ChunkStatus]int, len(rows))
	for _, row := range rows {
		out[row.Status] = row.N
	}
	return out, nil
}

// Claim 把分块标记为 processing。pending 的分块总能被认领；
// processing 的分块只有在 started_at 早于 staleBefore（上一个 worker 已超时）时才能被重新认领。
func (r *chunkRepository) Claim(ctx context.Context, id uint, staleBefore time.Time) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&model.ImportChunk{}).
		Where("id = ? AND (status = ? OR (status = ? AND started_at < ?))",
			id, model.ChunkPending, model.ChunkProcessing, staleBefore).
		Updates(map[string]interface{}{
			"status":     model.ChunkProcessing,
			"attempts":   gorm.Expr("attempts + 1"),
			"started_at": &now,
		})
	return res.RowsAffected > 0, res.Error
}

// Complete 写入成功结果，只对 processing 状态的分块生效。
func (r *chunkRepository) Complete(ctx context.Context, id uint, created, updated int, elapsed time.Duration) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&model.ImportChunk{}).
		Where("id = ? AND status = ?", id, model.ChunkProcessing).
		Updates(map[string]interface{}{
			"status":        model.ChunkCompleted,
			"created_count": created,
			"updated_count": updated,
			"duration_ms":   elapsed.Milliseconds(),
			"error_message": "",
			"finished_at":   &now,
		})
	return res.RowsAffected > 0, res.Error
}

// Fail 把 processing 的分块标记为最终失败。
func (r *chunkRepository) Fail(ctx context.Context, id uint, message string, elapsed time.Duration) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&model.ImportChunk{}).
		Where("id = ? AND status = ?", id, model.ChunkProcessing).
		Updates(map[string]interface{}{
			"status":        model.ChunkFailed,
			"error_message": message,
			"duration_ms":   elapsed.Milliseconds(),
			"finished_at":   &now,
		})
	return res.RowsAffected > 0, res.Error
}

// Requeue 在还有重试机会时把分块退回 pending，保留错误信息供排查。
func (r *chunkRepository) Requeue(ctx context.Context, id uint, message string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.ImportChunk{}).
		Where("id = ? AND status = ?", id, model.ChunkProcessing).
		Updates(map[string]interface{}{
			"status":        model.ChunkPending,
			"error_message": message,
		})
	return res.RowsAffected > 0, res.Error
}

// CancelPending 把尚未开始的分块直接标记为失败，返回受影响的分块数。
func (r *chunkRepository) CancelPending(ctx context.Context, uploadID uint, message string) (int64, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&model.ImportChunk{}).
		Where("upload_id = ? AND status = ?", uploadID, model.ChunkPending).
		Updates(map[string]interface{}{
			"status":        model.ChunkFailed,
			"error_message": message,
			"finished_at":   &now,
		})
	return res.RowsAffected, res.Error
}

// FailUnfinished 把所有非终态分块标记为失败，聚合器放弃等待时使用。
func (r *chunkRepository) FailUnfinished(ctx context.Context, uploadID uint, message string) (int64, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&model.ImportChunk{}).
		Where("upload_id = ? AND status IN ?", uploadID, []model.ChunkStatus{model.ChunkPending, model.ChunkProcessing}).
		Updates(map[string]interface{}{
			"status":        model.ChunkFailed,
			"error_message": message,
			"finished_at":   &now,
		})
	return res.RowsAffected, res.Error
}
