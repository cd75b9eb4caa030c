// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"catalog-ingest-go/internal/config"
	"catalog-ingest-go/internal/model"
	"catalog-ingest-go/internal/repository"
	"catalog-ingest-go/pkg/log"
	"catalog-ingest-go/pkg/metrics"
	"catalog-ingest-go/pkg/storage"
	"catalog-ingest-go/pkg/tasks"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrUploadNotFound = errors.New("upload not found")
	ErrUploadFinished = errors.New("upload already finished")
	ErrInvalidUpload  = errors.New("invalid upload")
)

// TaskQueue 是服务层投递任务的出口，生产环境中由 queue.Queue 实现。
type TaskQueue interface {
	Enqueue(ctx context.Context, task tasks.Task, delay time.Duration) error
}

// SubmitRequest 是一次文件提交。
type SubmitRequest struct {
	FileName       string
	Size           int64
	Body           io.Reader
	DatasetContext string
	UploadedBy     string
}

// UploadView 是面向调用方的上传状态视图。
type UploadView struct {
	ID               uint               `json:"id"`
	FileName         string             `json:"fileName"`
	Kind             model.UploadKind   `json:"kind"`
	Status           model.UploadStatus `json:"status"`
	BatchID          string             `json:"batchId"`
	DatasetContext   string             `json:"datasetContext"`
	UploadedBy       string             `json:"uploadedBy,omitempty"`
	TotalRecords     int                `json:"totalRecords"`
	ProcessedRecords int                `json:"processedRecords"`
	CreatedRecords   int                `json:"createdRecords"`
	UpdatedRecords   int                `json:"updatedRecords"`
	ChunkCount       int                `json:"chunkCount"`
	RowsEstimated    bool               `json:"rowsEstimated"`
	CreatedAt        model.LocalTime    `json:"createdAt"`
	CompletedAt      *model.LocalTime   `json:"completedAt,omitempty"`
	Logs             []string           `json:"logs,omitempty"`
	Children         []UploadView       `json:"children,omitempty"`
}

// ChunkView 是分块列表中的一项。
type ChunkView struct {
	Sequence     int               `json:"sequence"`
	StartRow     int               `json:"startRow"`
	EndRow       int               `json:"endRow"`
	Status       model.ChunkStatus `json:"status"`
	CreatedCount int               `json:"createdCount"`
	UpdatedCount int               `json:"updatedCount"`
	Attempts     int               `json:"attempts"`
	DurationMs   int64             `json:"durationMs"`
	Error        string            `json:"error,omitempty"`
}

// UploadService 接口定义了导入流水线对外提供的操作。
type UploadService interface {
	Submit(ctx context.Context, req SubmitRequest) (*model.Upload, error)
	Status(ctx context.Context, id uint) (*UploadView, error)
	List(ctx context.Context, limit int) ([]UploadView, error)
	ListChunks(ctx context.Context, id uint) ([]ChunkView, error)
	Cancel(ctx context.Context, id uint) (int64, error)
}

type uploadService struct {
	uploads repository.UploadRepository
	chunks  repository.ChunkRepository
	store   storage.BlobStore
	queue   TaskQueue
	cfg     config.IngestConfig
}

// NewUploadService 创建一个新的 UploadService 实例。
func NewUploadService(uploads repository.UploadRepository, chunks repository.ChunkRepository, store storage.BlobStore, queue TaskQueue, cfg config.IngestConfig) UploadService {
	return &uploadService{
		uploads: uploads,
		chunks:  chunks,
		store:   store,
		queue:   queue,
		cfg:     cfg,
	}
}

func isArchive(name string) bool {
	return strings.EqualFold(path.Ext(name), ".zip")
}

// Submit 暂存文件、创建 pending 上传并投递第一个任务，不等待处理。
// 文件先写入临时 key，拿到上传 ID 后再移动到 uploads/<batch>/<id>/<name>。
func (s *uploadService) Submit(ctx context.Context, req SubmitRequest) (*model.Upload, error) {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(req.FileName), "\\", "/"))
	if name == "" || name == "." || name == "/" {
		return nil, fmt.Errorf("%w: 缺少文件名", ErrInvalidUpload)
	}
	if req.Body == nil || req.Size == 0 {
		return nil, fmt.Errorf("%w: 文件为空", ErrInvalidUpload)
	}
	datasetContext := strings.TrimSpace(req.DatasetContext)
	if datasetContext == "" {
		datasetContext = s.cfg.DefaultDatasetContext
	}

	batchID := uuid.NewString()
	staging := fmt.Sprintf("incoming/%s/%s", uuid.NewString(), name)
	if err := s.store.Put(ctx, staging, req.Body, req.Size); err != nil {
		log.Errorf("[UploadService] 暂存文件失败, file=%s, error: %v", name, err)
		return nil, fmt.Errorf("暂存文件失败: %w", err)
	}

	kind, first := model.UploadKindSpreadsheet, tasks.KindAnalyze
	if isArchive(name) {
		kind, first = model.UploadKindArchive, tasks.KindExpandArchive
	}
	upload := &model.Upload{
		FileName:       name,
		Kind:           kind,
		Status:         model.UploadPending,
		BatchID:        batchID,
		DatasetContext: datasetContext,
		ObjectKey:      staging,
		FileSize:       req.Size,
		UploadedBy:     req.UploadedBy,
	}
	if err := s.uploads.Create(ctx, upload); err != nil {
		_ = s.store.Delete(context.WithoutCancel(ctx), staging)
		return nil, fmt.Errorf("创建上传记录失败: %w", err)
	}

	final := fmt.Sprintf("uploads/%s/%d/%s", batchID, upload.ID, name)
	if err := s.store.Move(ctx, staging, final); err != nil {
		s.abandon(ctx, upload.ID, fmt.Errorf("移动暂存文件失败: %w", err))
		return nil, err
	}
	if err := s.uploads.SetObjectKey(ctx, upload.ID, final); err != nil {
		s.abandon(ctx, upload.ID, err)
		return nil, err
	}
	upload.ObjectKey = final

	task := tasks.Task{Kind: first, UploadID: upload.ID, Attempt: 1, MaxAttempts: 3}
	if err := s.queue.Enqueue(ctx, task, 0); err != nil {
		s.abandon(ctx, upload.ID, fmt.Errorf("投递任务失败: %w", err))
		return nil, err
	}

	_ = s.uploads.AppendLog(ctx, upload.ID, fmt.Sprintf("已接收文件 %s (%d 字节), 数据集 %s", name, req.Size, datasetContext))
	log.Infow("[UploadService] 已接收上传", "uploadId", upload.ID, "file", name, "kind", kind, "batchId", batchID, "datasetContext", datasetContext)
	return upload, nil
}

// abandon 把提交过程中途失败的上传标记为 failed，避免留下永远 pending 的记录。
func (s *uploadService) abandon(ctx context.Context, id uint, cause error) {
	ctx = context.WithoutCancel(ctx)
	log.Errorf("[UploadService] 上传 %d 提交失败: %v", id, cause)
	if ok, err := s.uploads.Finalize(ctx, id, model.UploadFailed, repository.Rollup{}); err == nil && ok {
		metrics.UploadsFinalized.WithLabelValues(string(model.UploadFailed)).Inc()
		_ = s.uploads.AppendLog(ctx, id, fmt.Sprintf("提交失败: %v", cause))
	}
}

func (s *uploadService) get(ctx context.Context, id uint) (*model.Upload, error) {
	u, err := s.uploads.Get(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUploadNotFound
	}
	return u, err
}

// Status 返回上传的状态、计数、处理日志，以及压缩包的子上传。
func (s *uploadService) Status(ctx context.Context, id uint) (*UploadView, error) {
	u, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	view, err := s.view(ctx, u, true)
	if err != nil {
		return nil, err
	}
	if u.Kind == model.UploadKindArchive {
		children, err := s.uploads.ListChildren(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		for i := range children {
			cv, err := s.view(ctx, &children[i], true)
			if err != nil {
				return nil, err
			}
			view.Children = append(view.Children, *cv)
		}
	}
	return view, nil
}

func (s *uploadService) view(ctx context.Context, u *model.Upload, withLogs bool) (*UploadView, error) {
	v := &UploadView{
		ID:               u.ID,
		FileName:         u.FileName,
		Kind:             u.Kind,
		Status:           u.Status,
		BatchID:          u.BatchID,
		DatasetContext:   u.DatasetContext,
		UploadedBy:       u.UploadedBy,
		TotalRecords:     u.TotalRecords,
		ProcessedRecords: u.ProcessedRecords,
		CreatedRecords:   u.CreatedRecords,
		UpdatedRecords:   u.UpdatedRecords,
		ChunkCount:       u.ChunkCount,
		RowsEstimated:    u.RowsEstimated,
		CreatedAt:        model.LocalTime(u.CreatedAt),
		CompletedAt:      model.LocalTimePtr(u.CompletedAt),
	}
	if withLogs {
		logs, err := s.uploads.Logs(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		for _, l := range logs {
			v.Logs = append(v.Logs, l.Message)
		}
	}
	return v, nil
}

// List 返回最近的顶层上传，不含日志。
func (s *uploadService) List(ctx context.Context, limit int) ([]UploadView, error) {
	uploads, err := s.uploads.ListRecent(ctx, limit)
	if err != nil {
		return nil, err
	}
	views := make([]UploadView, 0, len(uploads))
	for i := range uploads {
		v, _ := s.view(ctx, &uploads[i], false)
		views = append(views, *v)
	}
	return views, nil
}

// ListChunks 按序号返回上传的所有分块。
func (s *uploadService) ListChunks(ctx context.Context, id uint) ([]ChunkView, error) {
	if _, err := s.get(ctx, id); err != nil {
		return nil, err
	}
	chunks, err := s.chunks.ListByUpload(ctx, id)
	if err != nil {
		return nil, err
	}
	views := make([]ChunkView, 0, len(chunks))
	for _, c := range chunks {
		views = append(views, ChunkView{
			Sequence:     c.Sequence,
			StartRow:     c.StartRow,
			EndRow:       c.EndRow,
			Status:       c.Status,
			CreatedCount: c.CreatedCount,
			UpdatedCount: c.UpdatedCount,
			Attempts:     c.Attempts,
			DurationMs:   c.DurationMs,
			Error:        c.ErrorMessage,
		})
	}
	return views, nil
}

// Cancel 取消一个尚未结束的上传，返回被取消的分块数。
// 处理中的上传只取消尚未开始的分块，已认领的分块照常完成，随后由聚合器按正常规则收尾；
// 还没有分块的上传直接标记为 failed。压缩包会逐个取消其子上传。
func (s *uploadService) Cancel(ctx context.Context, id uint) (int64, error) {
	u, err := s.get(ctx, id)
	if err != nil {
		return 0, err
	}
	if u.Status.IsTerminal() {
		return 0, ErrUploadFinished
	}

	var cancelled int64
	if u.Kind == model.UploadKindArchive {
		children, err := s.uploads.ListChildren(ctx, u.ID)
		if err != nil {
			return 0, err
		}
		for i := range children {
			if children[i].Status.IsTerminal() {
				continue
			}
			n, err := s.cancelOne(ctx, &children[i])
			if err != nil {
				return cancelled, err
			}
			cancelled += n
		}
		if u.Status == model.UploadProcessing {
			_ = s.uploads.AppendLog(ctx, u.ID, fmt.Sprintf("已取消: %d 个未开始的分块", cancelled))
			return cancelled, nil
		}
	}
	n, err := s.cancelOne(ctx, u)
	return cancelled + n, err
}

func (s *uploadService) cancelOne(ctx context.Context, u *model.Upload) (int64, error) {
	if u.Status == model.UploadProcessing && u.Kind == model.UploadKindSpreadsheet {
		n, err := s.chunks.CancelPending(ctx, u.ID, "cancelled")
		if err != nil {
			return 0, err
		}
		_ = s.uploads.AppendLog(ctx, u.ID, fmt.Sprintf("已取消: %d 个未开始的分块", n))
		log.Infof("[UploadService] 上传 %d 已取消 %d 个未开始的分块", u.ID, n)
		return n, nil
	}

	ok, err := s.uploads.Finalize(ctx, u.ID, model.UploadFailed, repository.Rollup{
		Total:     u.TotalRecords,
		Processed: u.ProcessedRecords,
		Created:   u.CreatedRecords,
		Updated:   u.UpdatedRecords,
	})
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrUploadFinished
	}
	metrics.UploadsFinalized.WithLabelValues(string(model.UploadFailed)).Inc()
	_ = s.uploads.AppendLog(ctx, u.ID, "已取消")
	log.Infof("[UploadService] 上传 %d 在分块前被取消", u.ID)
	return 0, nil
}
