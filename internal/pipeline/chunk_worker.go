package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"

	"catalog-ingest-go/internal/ingest"
	"catalog-ingest-go/internal/model"
	"catalog-ingest-go/pkg/log"
	"catalog-ingest-go/pkg/metrics"
	"catalog-ingest-go/pkg/spreadsheet"
	"catalog-ingest-go/pkg/storage"
	"catalog-ingest-go/pkg/tasks"

	"gorm.io/gorm"
)

// ChunkWorker 处理单个分块：读取行区间、归一化并写入零件目录。
type ChunkWorker struct {
	*base
	importer *ingest.Importer
}

// Process 处理 process_chunk 任务。同一分块的重复投递是安全的：
// 终态分块直接跳过，正在被其他 worker 处理的分块无法被认领。
func (w *ChunkWorker) Process(ctx context.Context, task tasks.Task) error {
	chunk, err := w.chunks.Get(ctx, task.ChunkID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Permanent(fmt.Errorf("分块 %d 不存在", task.ChunkID))
	}
	if err != nil {
		return fmt.Errorf("读取分块 %d 失败: %w", task.ChunkID, err)
	}
	if chunk.Status.IsTerminal() {
		log.Infof("[ChunkWorker] 分块 %d 已处于终态 %s，跳过", chunk.ID, chunk.Status)
		return nil
	}

	upload, err := w.loadUpload(ctx, chunk.UploadID)
	if err != nil {
		return err
	}

	claimed, err := w.chunks.Claim(ctx, chunk.ID, w.now().Add(-w.cfg.ChunkTimeout))
	if err != nil {
		return fmt.Errorf("认领分块 %d 失败: %w", chunk.ID, err)
	}
	if !claimed {
		log.Infof("[ChunkWorker] 分块 %d 正由其他 worker 处理或已结束，跳过", chunk.ID)
		return nil
	}
	attempt := chunk.Attempts + 1

	start := w.now()
	log.Infof("[ChunkWorker] 开始处理分块: upload=%d, chunk=%d, seq=%d, rows=[%d,%d), attempt=%d",
		upload.ID, chunk.ID, chunk.Sequence, chunk.StartRow, chunk.EndRow, attempt)

	res, err := w.run(ctx, upload, chunk)
	elapsed := w.now().Sub(start)
	if err == nil {
		metrics.ChunksTotal.WithLabelValues(string(model.ChunkCompleted)).Inc()
		metrics.RecordsTotal.WithLabelValues("created").Add(float64(res.Created))
		metrics.RecordsTotal.WithLabelValues("updated").Add(float64(res.Updated))
		log.Infof("[ChunkWorker] 分块处理完成: upload=%d, chunk=%d, 新增 %d, 更新 %d, 跳过 %d, 耗时 %s",
			upload.ID, chunk.ID, res.Created, res.Updated, res.Skipped, elapsed)
		if res.Mismatched > 0 {
			w.appendLog(ctx, upload.ID, "警告: 分块 #%d 有 %d 行写入后未回查到记录 ID，这些行的属性未重写",
				chunk.Sequence, res.Mismatched)
		}
		return nil
	}

	// 处理上下文可能已经超时，状态回写使用独立的上下文。
	bg := context.WithoutCancel(ctx)
	final := IsPermanent(err) || isParseError(err) || attempt >= w.cfg.ChunkMaxAttempts || !task.CanRetry()
	if !final {
		if _, rerr := w.chunks.Requeue(bg, chunk.ID, err.Error()); rerr != nil {
			log.Errorf("[ChunkWorker] 分块 %d 退回 pending 失败: %v", chunk.ID, rerr)
		}
		log.Warnf("[ChunkWorker] 分块处理失败，等待重试: upload=%d, chunk=%d, attempt=%d, error: %v",
			upload.ID, chunk.ID, attempt, err)
		return err
	}

	if _, ferr := w.chunks.Fail(bg, chunk.ID, err.Error(), elapsed); ferr != nil {
		log.Errorf("[ChunkWorker] 标记分块 %d 失败时出错: %v", chunk.ID, ferr)
		return ferr
	}
	metrics.ChunksTotal.WithLabelValues(string(model.ChunkFailed)).Inc()
	log.Errorf("[ChunkWorker] 分块最终失败: upload=%d, chunk=%d, attempt=%d, error: %v", upload.ID, chunk.ID, attempt, err)
	w.appendLog(bg, upload.ID, "分块 #%d (行 %d-%d) 失败: %v", chunk.Sequence, chunk.StartRow, chunk.EndRow, err)
	return Permanent(err)
}

// run 下载文件、读取行区间，并在一个事务中完成写入与分块完成标记。
func (w *ChunkWorker) run(ctx context.Context, upload *model.Upload, chunk *model.ImportChunk) (ingest.Result, error) {
	var res ingest.Result

	dir, cleanup, err := w.scratchDir(fmt.Sprintf("chunk-%d", chunk.ID))
	if err != nil {
		return res, err
	}
	defer cleanup()

	local, err := storage.Download(ctx, w.store, upload.ObjectKey, dir)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return res, Permanent(err)
		}
		return res, err
	}
	r, err := spreadsheet.Open(local)
	if err != nil {
		return res, err
	}
	defer r.Close()

	header := headerOf(upload)
	if header == nil {
		if header, err = r.Header(); err != nil {
			return res, err
		}
	}

	end := chunk.EndRow
	if upload.RowsEstimated && chunk.Sequence == upload.ChunkCount-1 {
		end = math.MaxInt32
	}
	rows, err := r.ReadRange(chunk.StartRow, end)
	if err != nil {
		return res, err
	}

	start := w.now()
	err = w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = w.importer.Import(ctx, tx, scopeOf(upload), header, rows)
		if err != nil {
			return err
		}
		ok, err := w.chunks.WithTx(tx).Complete(ctx, chunk.ID, res.Created, res.Updated, w.now().Sub(start))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("分块 %d 已不在 processing 状态", chunk.ID)
		}
		return nil
	})
	return res, err
}
