package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"catalog-ingest-go/internal/ingest"
	"catalog-ingest-go/internal/model"
	"catalog-ingest-go/internal/repository"
	"catalog-ingest-go/pkg/log"
	"catalog-ingest-go/pkg/metrics"
	"catalog-ingest-go/pkg/spreadsheet"
	"catalog-ingest-go/pkg/storage"
	"catalog-ingest-go/pkg/tasks"

	"gorm.io/gorm"
)

// Analysis 是对一个表格的分析结果。
type Analysis struct {
	Header     []string
	Rows       int
	Estimated  bool
	Chunked    bool
	ChunkCount int
	// Direct 只在直接导入时有值。
	Direct *ingest.Result
}

// ChunkBuilder 分析表格并决定直接导入还是分块处理。
type ChunkBuilder struct {
	*base
	importer *ingest.Importer
	enrich   *EnrichmentDispatcher
}

// Handle 处理 analyze 任务：下载上传文件并分析。
func (cb *ChunkBuilder) Handle(ctx context.Context, task tasks.Task) error {
	upload, err := cb.loadUpload(ctx, task.UploadID)
	if err != nil {
		return err
	}

	switch upload.Status {
	case model.UploadPending:
		if _, err := cb.uploads.Transition(ctx, upload.ID, model.UploadAnalyzing); err != nil {
			return fmt.Errorf("更新上传状态失败: %w", err)
		}
	case model.UploadAnalyzing:
		log.Infof("[ChunkBuilder] 上传 %d 仍处于 analyzing，重新分析", upload.ID)
	case model.UploadProcessing:
		// 重复投递：分块已经建好，只需补发尚未开始的分块任务。
		return cb.redispatch(ctx, upload)
	default:
		log.Infof("[ChunkBuilder] 上传 %d 已处于终态 %s，跳过", upload.ID, upload.Status)
		return cb.enrich.Ensure(ctx, upload)
	}

	dir, cleanup, err := cb.scratchDir(fmt.Sprintf("analyze-%d", upload.ID))
	if err != nil {
		return err
	}
	defer cleanup()

	local, err := storage.Download(ctx, cb.store, upload.ObjectKey, dir)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			cb.failUpload(ctx, upload.ID, err)
			return Permanent(err)
		}
		return cb.retryOrFail(ctx, task, upload.ID, err)
	}

	a, err := cb.Analyze(ctx, upload, local)
	if err != nil {
		return cb.retryOrFail(ctx, task, upload.ID, err)
	}
	if a.Direct != nil {
		return cb.enrich.Ensure(ctx, upload)
	}
	return nil
}

// retryOrFail 在任务还能重试时原样返回错误，否则把上传标记为失败。
func (cb *ChunkBuilder) retryOrFail(ctx context.Context, task tasks.Task, uploadID uint, err error) error {
	if IsPermanent(err) || !task.CanRetry() {
		cb.failUpload(ctx, uploadID, err)
		return Permanent(err)
	}
	log.Warnf("[ChunkBuilder] 分析上传 %d 失败，将重试: %v", uploadID, err)
	return err
}

// Analyze 分析本地文件 path 并执行分块或直接导入。upload 必须处于 analyzing 状态。
// 文件无法解析时上传被标记为 failed，并返回永久错误。
func (cb *ChunkBuilder) Analyze(ctx context.Context, upload *model.Upload, path string) (*Analysis, error) {
	r, err := spreadsheet.Open(path)
	if err != nil {
		return nil, cb.parseFailure(ctx, upload, err)
	}
	defer r.Close()

	header, err := r.Header()
	if err != nil {
		return nil, cb.parseFailure(ctx, upload, err)
	}
	if !cb.importer.Fields().Resolve(header).HasPartNumber() {
		return nil, cb.parseFailure(ctx, upload, fmt.Errorf("%w: 表头中没有零件号列 %v", ErrParse, header))
	}

	a := &Analysis{Header: header}
	var size int64 = -1
	if info, statErr := os.Stat(path); statErr == nil {
		size = info.Size()
	}

	a.Rows, err = r.RowCount()
	if err != nil {
		if isParseError(err) {
			return nil, cb.parseFailure(ctx, upload, err)
		}
		// 行数未知时按文件大小估算，并且一定走分块处理。
		a.Estimated = true
		a.Rows = estimateRows(size, cb.cfg.EstimatedRowBytes)
		log.Warnf("[ChunkBuilder] 无法统计上传 %d 的行数，按文件大小估算为 %d 行: %v", upload.ID, a.Rows, err)
	}

	a.Chunked = a.Estimated || size < 0 || size > cb.cfg.LargeFileBytes || a.Rows > cb.cfg.DirectRowLimit

	headerJSON, _ := json.Marshal(header)
	if err := cb.uploads.SetAnalysis(ctx, upload.ID, headerJSON, a.Rows, a.Estimated); err != nil {
		return nil, fmt.Errorf("写入分析结果失败: %w", err)
	}
	upload.HeaderRow = headerJSON
	upload.TotalRecords = a.Rows
	upload.RowsEstimated = a.Estimated

	if a.Chunked {
		return a, cb.createChunks(ctx, upload, a, size)
	}
	return a, cb.importDirect(ctx, upload, a, r)
}

func (cb *ChunkBuilder) parseFailure(ctx context.Context, upload *model.Upload, err error) error {
	log.Warnf("[ChunkBuilder] 上传 %d (%s) 无法解析: %v", upload.ID, upload.FileName, err)
	cb.failUpload(ctx, upload.ID, fmt.Errorf("文件无法解析: %w", err))
	return Permanent(err)
}

// PlanChunks 把 [0, rows) 切分为每段 size 行的连续区间，返回 ceil(rows/size) 个分块。
// rows 为 0 时返回一个空分块，保证每个分块上传至少有一个可聚合的单元。
func PlanChunks(uploadID uint, rows, size int) []model.ImportChunk {
	if size <= 0 {
		size = 500
	}
	n := (rows + size - 1) / size
	if n == 0 {
		n = 1
	}
	chunks := make([]model.ImportChunk, 0, n)
	for seq := 0; seq < n; seq++ {
		start := seq * size
		end := start + size
		if end > rows {
			end = rows
		}
		if end < start {
			end = start
		}
		chunks = append(chunks, model.ImportChunk{
			UploadID: uploadID,
			Sequence: seq,
			StartRow: start,
			EndRow:   end,
			Status:   model.ChunkPending,
		})
	}
	return chunks
}

func (cb *ChunkBuilder) createChunks(ctx context.Context, upload *model.Upload, a *Analysis, size int64) error {
	chunks := PlanChunks(upload.ID, a.Rows, cb.cfg.ChunkSize)
	a.ChunkCount = len(chunks)

	err := cb.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := cb.chunks.WithTx(tx).CreateBatch(ctx, chunks); err != nil {
			return err
		}
		ok, err := cb.uploads.WithTx(tx).SetProcessing(ctx, upload.ID, len(chunks))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("上传 %d 不在 analyzing 状态", upload.ID)
		}
		return cb.uploads.WithTx(tx).AppendLog(ctx, upload.ID, fmt.Sprintf(
			"分块处理: 文件 %d 字节, 数据行 %d%s, 每块 %d 行, 共 %d 个分块",
			size, a.Rows, estimatedSuffix(a.Estimated), cb.cfg.ChunkSize, len(chunks)))
	})
	if err != nil {
		return fmt.Errorf("创建分块失败: %w", err)
	}
	upload.Status = model.UploadProcessing
	upload.ChunkCount = len(chunks)
	log.Infof("[ChunkBuilder] 上传 %d 已切分为 %d 个分块 (数据行 %d)", upload.ID, len(chunks), a.Rows)

	created, err := cb.chunks.ListByUpload(ctx, upload.ID)
	if err != nil {
		return err
	}
	return cb.dispatchChunks(ctx, upload, created, 0)
}

// dispatchChunks 按序号错峰投递 pending 分块，并安排第一次聚合检查。
func (cb *ChunkBuilder) dispatchChunks(ctx context.Context, upload *model.Upload, chunks []model.ImportChunk, poll int) error {
	pending := 0
	for _, c := range chunks {
		if c.Status != model.ChunkPending {
			continue
		}
		task := tasks.Task{
			Kind:        tasks.KindProcessChunk,
			UploadID:    upload.ID,
			ChunkID:     c.ID,
			Attempt:     1,
			MaxAttempts: cb.cfg.ChunkMaxAttempts,
		}
		if err := cb.queue.Enqueue(ctx, task, time.Duration(c.Sequence)*cb.cfg.ChunkStagger); err != nil {
			return fmt.Errorf("投递分块任务失败: %w", err)
		}
		pending++
	}

	delay := cb.cfg.AggregatorInitialDelay + time.Duration(len(chunks))*cb.cfg.AggregatorPerChunk
	aggr := tasks.Task{Kind: tasks.KindAggregateUpload, UploadID: upload.ID, Attempt: 1, MaxAttempts: 3, Poll: poll}
	if err := cb.queue.Enqueue(ctx, aggr, delay); err != nil {
		return fmt.Errorf("安排聚合检查失败: %w", err)
	}
	log.Infof("[ChunkBuilder] 上传 %d 已投递 %d 个分块任务，%s 后开始聚合检查", upload.ID, pending, delay)
	return nil
}

func (cb *ChunkBuilder) redispatch(ctx context.Context, upload *model.Upload) error {
	chunks, err := cb.chunks.ListByUpload(ctx, upload.ID)
	if err != nil {
		return err
	}
	log.Infof("[ChunkBuilder] 上传 %d 已在处理中，重新投递未开始的分块", upload.ID)
	return cb.dispatchChunks(ctx, upload, chunks, 0)
}

// importDirect 在一个事务里导入全部数据行并直接完成上传，不创建分块。
func (cb *ChunkBuilder) importDirect(ctx context.Context, upload *model.Upload, a *Analysis, r spreadsheet.Reader) error {
	start := cb.now()
	rows, err := r.ReadRange(0, a.Rows)
	if err != nil {
		if isParseError(err) {
			return cb.parseFailure(ctx, upload, err)
		}
		return err
	}

	var res ingest.Result
	status := model.UploadCompleted
	err = cb.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = cb.importer.Import(ctx, tx, scopeOf(upload), a.Header, rows)
		if err != nil {
			return err
		}
		ok, err := cb.uploads.WithTx(tx).Finalize(ctx, upload.ID, status, repository.Rollup{
			Total:     maxInt(a.Rows, res.Processed()),
			Processed: res.Processed(),
			Created:   res.Created,
			Updated:   res.Updated,
		})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("上传 %d 不在 analyzing 状态", upload.ID)
		}
		return cb.uploads.WithTx(tx).AppendLog(ctx, upload.ID, fmt.Sprintf(
			"直接导入: 数据行 %d, 新增 %d, 更新 %d, 跳过 %d, 耗时 %dms",
			a.Rows, res.Created, res.Updated, res.Skipped, cb.now().Sub(start).Milliseconds()))
	})
	if err != nil {
		return fmt.Errorf("直接导入失败: %w", err)
	}
	a.Direct = &res
	upload.Status = status
	upload.ProcessedRecords = res.Processed()

	metrics.UploadsFinalized.WithLabelValues(string(status)).Inc()
	metrics.RecordsTotal.WithLabelValues("created").Add(float64(res.Created))
	metrics.RecordsTotal.WithLabelValues("updated").Add(float64(res.Updated))
	log.Infof("[ChunkBuilder] 上传 %d 直接导入完成: 新增 %d, 更新 %d", upload.ID, res.Created, res.Updated)
	if res.Mismatched > 0 {
		cb.appendLog(ctx, upload.ID, "警告: 直接导入有 %d 行写入后未回查到记录 ID，这些行的属性未重写", res.Mismatched)
	}
	return nil
}

func scopeOf(u *model.Upload) ingest.Scope {
	return ingest.Scope{UploadID: u.ID, BatchID: u.BatchID, DatasetContext: u.DatasetContext}
}

func estimateRows(size, rowBytes int64) int {
	if size <= 0 {
		return 0
	}
	if rowBytes <= 0 {
		rowBytes = 128
	}
	return int((size + rowBytes - 1) / rowBytes)
}

func estimatedSuffix(estimated bool) string {
	if estimated {
		return " (按文件大小估算)"
	}
	return ""
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
