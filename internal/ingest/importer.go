package ingest

import (
	"context"
	"fmt"
	"path"
	"strings"

	"catalog-ingest-go/internal/config"
	"catalog-ingest-go/internal/model"
	"catalog-ingest-go/internal/repository"
	"catalog-ingest-go/pkg/log"

	"gorm.io/gorm"
)

// Scope 描述一批数据行要写入的位置。
type Scope struct {
	UploadID       uint
	BatchID        string
	DatasetContext string
}

// Result 是一次导入的统计。
type Result struct {
	Created int
	Updated int
	Skipped int
	// Mismatched 是写入后按键回查不到 ID 的行数，这些行不会重写属性。
	Mismatched int
	PartIDs    []uint
}

// Processed 返回成功写入的记录数。
func (r Result) Processed() int {
	return r.Created + r.Updated
}

// Importer 把原始数据行归一化后写入零件目录。它不持有事务，调用方负责提供。
type Importer struct {
	fields      FieldMap
	normalizer  *Normalizer
	upsertBatch int
	attrBatch   int
	newParts    func(tx *gorm.DB) repository.PartRepository
}

// NewImporter 根据导入配置创建 Importer。
func NewImporter(cfg config.IngestConfig) *Importer {
	return &Importer{
		fields:      NewFieldMap(DefaultSynonyms),
		normalizer:  NewNormalizer(cfg.ManufacturerAliases),
		upsertBatch: cfg.UpsertBatchSize,
		attrBatch:   cfg.AttributeBatchSize,
		newParts:    repository.NewPartRepository,
	}
}

// Fields 返回导入器使用的表头映射。
func (im *Importer) Fields() FieldMap {
	return im.fields
}

// Normalizer 返回导入器使用的厂商归一化器。
func (im *Importer) Normalizer() *Normalizer {
	return im.normalizer
}

type pendingRow struct {
	part  model.Part
	attrs []model.PartAttribute
}

// Import 在 tx 中导入 rows：
// 解析核心字段并跳过空行和缺少零件号的行，同一批内重复的键以最后一行为准；
// 一次查询预先区分新增与更新，按唯一键 upsert 后回查 ID，再整体重写每条记录的属性。
func (im *Importer) Import(ctx context.Context, tx *gorm.DB, scope Scope, header []string, rows [][]string) (Result, error) {
	var res Result
	cols := im.fields.Resolve(header)
	if !cols.HasPartNumber() {
		return res, fmt.Errorf("表头中没有零件号列: %v", header)
	}

	order := make([]model.PartKey, 0, len(rows))
	byKey := make(map[model.PartKey]*pendingRow, len(rows))
	for _, row := range rows {
		pr, ok := im.parseRow(scope, cols, row)
		if !ok {
			res.Skipped++
			continue
		}
		key := pr.part.Key()
		if _, dup := byKey[key]; !dup {
			order = append(order, key)
		}
		byKey[key] = pr
	}
	if len(order) == 0 {
		return res, nil
	}

	parts := im.newParts(tx)
	existing, err := parts.FindByKeys(ctx, scope.DatasetContext, order)
	if err != nil {
		return res, fmt.Errorf("查询已存在的零件失败: %w", err)
	}

	batch := make([]model.Part, 0, len(order))
	for _, key := range order {
		batch = append(batch, byKey[key].part)
		if _, ok := existing[key]; ok {
			res.Updated++
		} else {
			res.Created++
		}
	}
	if err := parts.Upsert(ctx, batch, im.upsertBatch); err != nil {
		return res, fmt.Errorf("批量写入零件失败: %w", err)
	}

	ids, err := parts.FindByKeys(ctx, scope.DatasetContext, order)
	if err != nil {
		return res, fmt.Errorf("回查零件 ID 失败: %w", err)
	}
	if len(ids) != len(order) {
		res.Mismatched = len(order) - len(ids)
		log.Warnw("[Importer] 回查到的零件 ID 数量与写入行数不一致，缺失的行不会重写属性",
			"uploadId", scope.UploadID, "rows", len(order), "ids", len(ids))
	}

	partIDs := make([]uint, 0, len(ids))
	var attrs []model.PartAttribute
	for _, key := range order {
		id, ok := ids[key]
		if !ok {
			continue
		}
		partIDs = append(partIDs, id)
		for _, a := range byKey[key].attrs {
			a.PartID = id
			attrs = append(attrs, a)
		}
	}
	if err := parts.ReplaceAttributes(ctx, partIDs, attrs, im.attrBatch); err != nil {
		return res, fmt.Errorf("重写零件属性失败: %w", err)
	}

	res.PartIDs = partIDs
	return res, nil
}

func (im *Importer) parseRow(scope Scope, cols Columns, row []string) (*pendingRow, bool) {
	if isBlank(row) {
		return nil, false
	}
	number := cell(row, cols.PartNumber)
	if number == "" {
		return nil, false
	}

	rawMfr := cell(row, cols.Manufacturer)
	mfr := im.normalizer.Normalize(rawMfr)
	pr := &pendingRow{part: model.Part{
		PartNumber:     number,
		Manufacturer:   mfr,
		DatasetContext: scope.DatasetContext,
		Description:    cell(row, cols.Description),
		UploadID:       scope.UploadID,
		BatchID:        scope.BatchID,
		Active:         true,
	}}

	// 属性按名称去重，后出现的列覆盖先出现的列。
	named := make(map[string]string, len(cols.Extra)+3)
	var names []string
	put := func(name, value string) {
		if _, ok := named[name]; !ok {
			names = append(names, name)
		}
		named[name] = value
	}
	for i := 0; i < len(row); i++ {
		name, ok := cols.Extra[i]
		if !ok {
			continue
		}
		if v := cell(row, i); v != "" {
			put(name, v)
		}
	}
	put(model.AttrDatasetContext, scope.DatasetContext)
	if rawMfr != "" && rawMfr != mfr {
		put(model.AttrRawManufacturer, rawMfr)
	}
	if img := ImageFilename(cell(row, cols.Image)); img != "" {
		put(model.AttrSourceImageFilename, img)
	}

	for _, name := range names {
		pr.attrs = append(pr.attrs, model.PartAttribute{Name: name, Value: named[name]})
	}
	return pr, true
}

// ImageFilename 返回图片列取值的小写文件名（去掉目录部分），用于与压缩包中的图片按文件名关联。
func ImageFilename(value string) string {
	value = strings.TrimSpace(strings.ReplaceAll(value, "\\", "/"))
	if value == "" {
		return ""
	}
	base := path.Base(value)
	if base == "." || base == "/" {
		return ""
	}
	return strings.ToLower(base)
}

// ImageMatchNames 返回一个图片成员可以匹配的文件名：完整文件名以及去掉扩展名的部分。
func ImageMatchNames(relPath string) []string {
	base := ImageFilename(relPath)
	if base == "" {
		return nil
	}
	names := []string{base}
	if stem := strings.TrimSuffix(base, path.Ext(base)); stem != "" && stem != base {
		names = append(names, stem)
	}
	return names
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
