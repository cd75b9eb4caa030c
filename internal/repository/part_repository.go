package repository

import (
	"context"

	"catalog-ingest-go/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// lookupBatch 限制 IN 列表长度。
const lookupBatch = 500

// PartRepository 定义了零件目录及其属性的持久化操作。
type PartRepository interface {
	WithTx(tx *gorm.DB) PartRepository

	FindByKeys(ctx context.Context, datasetContext string, keys []model.PartKey) (map[model.PartKey]uint, error)
	Upsert(ctx context.Context, parts []model.Part, batchSize int) error
	ReplaceAttributes(ctx context.Context, partIDs []uint, attrs []model.PartAttribute, batchSize int) error

	IDsByUpload(ctx context.Context, uploadID uint) ([]uint, error)
	FindByIDs(ctx context.Context, ids []uint) ([]model.Part, error)
	Attributes(ctx context.Context, partID uint) ([]model.PartAttribute, error)
	CountByContext(ctx context.Context, datasetContext string) (int64, error)

	SetExternalIDs(ctx context.Context, matched map[uint]string) error
	AttachImage(ctx context.Context, uploadIDs []uint, filenames []string, imageRef string) (int64, error)
}

type partRepository struct {
	db *gorm.DB
}

// NewPartRepository 创建一个新的 PartRepository 实例。
func NewPartRepository(db *gorm.DB) PartRepository {
	return &partRepository{db: db}
}

func (r *partRepository) WithTx(tx *gorm.DB) PartRepository {
	return &partRepository{db: tx}
}

// FindByKeys 在一个数据集上下文内按业务键查找已存在的零件，返回 key → id。
// 为了兼容不同数据库，只按零件号做 IN 查询，厂商在内存中过滤。
func (r *partRepository) FindByKeys(ctx context.Context, datasetContext string, keys []model.PartKey) (map[model.PartKey]uint, error) {
	out := make(map[model.PartKey]uint, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	wanted := make(map[model.PartKey]struct{}, len(keys))
	numbers := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		wanted[k] = struct{}{}
		if _, ok := seen[k.PartNumber]; !ok {
			seen[k.PartNumber] = struct{}{}
			numbers = append(numbers, k.PartNumber)
		}
	}

	for start := 0; start < len(numbers); start += lookupBatch {
		end := start + lookupBatch
		if end > len(numbers) {
			end = len(numbers)
		}
		var rows []model.Part
		err := r.db.WithContext(ctx).
			Select("id", "part_number", "manufacturer").
			Where("dataset_context = ? AND part_number IN ?", datasetContext, numbers[start:end]).
			Find(&rows).Error
		if err != nil {
			return nil, err
		}
		for _, p := range rows {
			if _, ok := wanted[p.Key()]; ok {
				out[p.Key()] = p.ID
			}
		}
	}
	return out, nil
}

// Upsert 按唯一键 (part_number, manufacturer, dataset_context) 批量写入。
// 冲突时更新描述并把零件归属到当前上传；dataset_context 作为键的一部分永远不会被改写。
// 写入后 parts 中的 ID 不可信（MySQL 不会为被更新的行返回 ID），调用方需按键重新查询。
func (r *partRepository) Upsert(ctx context.Context, parts []model.Part, batchSize int) error {
	if len(parts) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = len(parts)
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "part_number"}, {Name: "manufacturer"}, {Name: "dataset_context"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"description", "upload_id", "batch_id", "active", "updated_at",
			}),
		}).
		CreateInBatches(&parts, batchSize).Error
}

// ReplaceAttributes 清空 partIDs 的全部属性后写入 attrs。
func (r *partRepository) ReplaceAttributes(ctx context.Context, partIDs []uint, attrs []model.PartAttribute, batchSize int) error {
	db := r.db.WithContext(ctx)
	for start := 0; start < len(partIDs); start += lookupBatch {
		end := start + lookupBatch
		if end > len(partIDs) {
			end = len(partIDs)
		}
		if err := db.Where("part_id IN ?", partIDs[start:end]).Delete(&model.PartAttribute{}).Error; err != nil {
			return err
		}
	}
	if len(attrs) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = len(attrs)
	}
	return db.CreateInBatches(&attrs, batchSize).Error
}

// IDsByUpload 返回当前归属于该上传的所有零件 ID。
func (r *partRepository) IDsByUpload(ctx context.Context, uploadID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&model.Part{}).Where("upload_id = ?", uploadID).Order("id").Pluck("id", &ids).Error
	return ids, err
}

func (r *partRepository) FindByIDs(ctx context.Context, ids []uint) ([]model.Part, error) {
	var parts []model.Part
	if len(ids) == 0 {
		return parts, nil
	}
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("id").Find(&parts).Error
	return parts, err
}

func (r *partRepository) Attributes(ctx context.Context, partID uint) ([]model.PartAttribute, error) {
	var attrs []model.PartAttribute
	err := r.db.WithContext(ctx).Where("part_id = ?", partID).Order("name").Find(&attrs).Error
	return attrs, err
}

func (r *partRepository) CountByContext(ctx context.Context, datasetContext string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Part{}).Where("dataset_context = ?", datasetContext).Count(&n).Error
	return n, err
}

// SetExternalIDs 写入补全阶段匹配到的外部商品 ID。
func (r *partRepository) SetExternalIDs(ctx context.Context, matched map[uint]string) error {
	if len(matched) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for id, ext := range matched {
			ext := ext
			if err := tx.Model(&model.Part{}).Where("id = ?", id).Update("external_id", &ext).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// AttachImage 把 imageRef 关联到 uploadIDs 下 source_image_filename 属于 filenames 的零件，返回更新行数。
func (r *partRepository) AttachImage(ctx context.Context, uploadIDs []uint, filenames []string, imageRef string) (int64, error) {
	if len(uploadIDs) == 0 || len(filenames) == 0 {
		return 0, nil
	}
	matching := r.db.Model(&model.PartAttribute{}).
		Select("part_id").
		Where("name = ? AND value IN ?", model.AttrSourceImageFilename, filenames)
	res := r.db.WithContext(ctx).Model(&model.Part{}).
		Where("upload_id IN ? AND id IN (?)", uploadIDs, matching).
		Update("image_ref", imageRef)
	return res.RowsAffected, res.Error
}
