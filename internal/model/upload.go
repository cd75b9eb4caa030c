// Package model 定义了与数据库表对应的 Go 结构体。
package model

import (
	"time"

	"gorm.io/datatypes"
)

// UploadKind 区分普通表格上传与压缩包上传。
type UploadKind string

const (
	UploadKindSpreadsheet UploadKind = "spreadsheet"
	UploadKindArchive     UploadKind = "archive"
)

// UploadStatus 是上传记录的状态机取值。
//
//	pending → analyzing → (processing | completed | failed)
//	processing → (completed | completed_with_errors | failed)
type UploadStatus string

const (
	UploadPending             UploadStatus = "pending"
	UploadAnalyzing           UploadStatus = "analyzing"
	UploadProcessing          UploadStatus = "processing"
	UploadCompleted           UploadStatus = "completed"
	UploadCompletedWithErrors UploadStatus = "completed_with_errors"
	UploadFailed              UploadStatus = "failed"
)

var uploadTransitions = map[UploadStatus][]UploadStatus{
	UploadPending:    {UploadAnalyzing, UploadFailed},
	UploadAnalyzing:  {UploadProcessing, UploadCompleted, UploadFailed},
	UploadProcessing: {UploadCompleted, UploadCompletedWithErrors, UploadFailed},
}

// IsTerminal 报告状态是否为终态。终态不可再迁移。
func (s UploadStatus) IsTerminal() bool {
	return s == UploadCompleted || s == UploadCompletedWithErrors || s == UploadFailed
}

// Succeeded 报告终态是否至少产出了部分结果。
func (s UploadStatus) Succeeded() bool {
	return s == UploadCompleted || s == UploadCompletedWithErrors
}

// CanTransition 判断 from → to 是否是合法的状态迁移。
func CanTransition(from, to UploadStatus) bool {
	for _, next := range uploadTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PredecessorsOf 返回可以迁移到 to 的所有状态，仓储层用它做条件更新。
func PredecessorsOf(to UploadStatus) []UploadStatus {
	var from []UploadStatus
	for _, s := range []UploadStatus{UploadPending, UploadAnalyzing, UploadProcessing} {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}

// Classify 是两个聚合器共用的三分类规则：
// 没有任何成功单元 → failed；有失败单元 → completed_with_errors；否则 completed。
func Classify(succeeded, failed int) UploadStatus {
	switch {
	case succeeded == 0:
		return UploadFailed
	case failed > 0:
		return UploadCompletedWithErrors
	default:
		return UploadCompleted
	}
}

// Upload 定义了 ingest_uploads 表的 ORM 模型。
// 一条记录对应一个用户提交的文件，或压缩包内被当作子上传处理的一个表格。
type Upload struct {
	ID               uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	FileName         string         `gorm:"type:varchar(255);not null" json:"fileName"`
	Kind             UploadKind     `gorm:"type:varchar(20);not null" json:"kind"`
	Status           UploadStatus   `gorm:"type:varchar(32);not null;index" json:"status"`
	BatchID          string         `gorm:"type:varchar(64);not null;index" json:"batchId"`
	DatasetContext   string         `gorm:"type:varchar(191);not null" json:"datasetContext"`
	ObjectKey        string         `gorm:"type:varchar(512)" json:"objectKey"`
	FileSize         int64          `gorm:"not null;default:0" json:"fileSize"`
	UploadedBy       string         `gorm:"type:varchar(100)" json:"uploadedBy"`
	ParentID         *uint          `gorm:"index" json:"parentId,omitempty"`
	TotalRecords     int            `gorm:"not null;default:0" json:"totalRecords"`
	ProcessedRecords int            `gorm:"not null;default:0" json:"processedRecords"`
	CreatedRecords   int            `gorm:"not null;default:0" json:"createdRecords"`
	UpdatedRecords   int            `gorm:"not null;default:0" json:"updatedRecords"`
	ChunkCount       int            `gorm:"not null;default:0" json:"chunkCount"`
	// RowsEstimated 为 true 时 TotalRecords 是按文件大小估算的，最后一个分块会读到文件末尾。
	RowsEstimated bool           `gorm:"not null;default:false" json:"rowsEstimated"`
	HeaderRow        datatypes.JSON `json:"headerRow,omitempty"`
	// ImageMembers 保存压缩包中图片成员的相对路径，待所有子上传结束后统一做图片关联。
	ImageMembers           datatypes.JSON `json:"imageMembers,omitempty"`
	ProcessingStartedAt    *time.Time     `json:"processingStartedAt,omitempty"`
	EnrichmentDispatchedAt *time.Time     `json:"enrichmentDispatchedAt,omitempty"`
	CreatedAt              time.Time      `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt              time.Time      `gorm:"autoUpdateTime" json:"updatedAt"`
	CompletedAt            *time.Time     `json:"completedAt,omitempty"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Upload) TableName() string {
	return "ingest_uploads"
}

// UploadLog 是上传记录的处理日志，只追加、按 ID 递增排序。
type UploadLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UploadID  uint      `gorm:"not null;index" json:"uploadId"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (UploadLog) TableName() string {
	return "ingest_upload_logs"
}

// ChunkStatus 是导入分块的状态。completed / failed 为终态。
type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"
	ChunkProcessing ChunkStatus = "processing"
	ChunkCompleted  ChunkStatus = "completed"
	ChunkFailed     ChunkStatus = "failed"
)

func (s ChunkStatus) IsTerminal() bool {
	return s == ChunkCompleted || s == ChunkFailed
}

// ImportChunk 对应 ingest_chunks 表，描述一个上传中 [StartRow, EndRow) 的数据行区间。
type ImportChunk struct {
	ID           uint        `gorm:"primaryKey;autoIncrement" json:"id"`
	UploadID     uint        `gorm:"not null;uniqueIndex:idx_chunk_upload_seq" json:"uploadId"`
	Sequence     int         `gorm:"not null;uniqueIndex:idx_chunk_upload_seq" json:"sequence"`
	StartRow     int         `gorm:"not null" json:"startRow"`
	EndRow       int         `gorm:"not null" json:"endRow"`
	Status       ChunkStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	CreatedCount int         `gorm:"not null;default:0" json:"createdCount"`
	UpdatedCount int         `gorm:"not null;default:0" json:"updatedCount"`
	DurationMs   int64       `gorm:"not null;default:0" json:"durationMs"`
	Attempts     int         `gorm:"not null;default:0" json:"attempts"`
	ErrorMessage string      `gorm:"type:text" json:"errorMessage,omitempty"`
	StartedAt    *time.Time  `json:"startedAt,omitempty"`
	FinishedAt   *time.Time  `json:"finishedAt,omitempty"`
	CreatedAt    time.Time   `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt    time.Time   `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (ImportChunk) TableName() string {
	return "ingest_chunks"
}

// Rows 返回分块覆盖的数据行数。
func (c ImportChunk) Rows() int {
	return c.EndRow - c.StartRow
}
