package pipeline

import (
	"context"
	"fmt"
	"time"

	"catalog-ingest-go/internal/model"
	"catalog-ingest-go/internal/repository"
	"catalog-ingest-go/pkg/log"
	"catalog-ingest-go/pkg/metrics"
	"catalog-ingest-go/pkg/tasks"
)

// UploadAggregator 周期性检查一个分块上传的所有分块，全部结束后汇总并完成上传。
type UploadAggregator struct {
	*base
	enrich *EnrichmentDispatcher
}

// ChunkRollup 是对一组分块的汇总。
type ChunkRollup struct {
	Completed int
	Failed    int
	Unsettled int
	Created   int
	Updated   int
	Duration  time.Duration
}

// Processed 只统计成功分块写入的记录数。
func (r ChunkRollup) Processed() int {
	return r.Created + r.Updated
}

// RollupChunks 汇总分块计数，失败分块的计数不计入。
func RollupChunks(chunks []model.ImportChunk) ChunkRollup {
	var r ChunkRollup
	for _, c := range chunks {
		switch c.Status {
		case model.ChunkCompleted:
			r.Completed++
			r.Created += c.CreatedCount
			r.Updated += c.UpdatedCount
			r.Duration += time.Duration(c.DurationMs) * time.Millisecond
		case model.ChunkFailed:
			r.Failed++
			r.Duration += time.Duration(c.DurationMs) * time.Millisecond
		default:
			r.Unsettled++
		}
	}
	return r
}

// Check 处理 aggregate_upload 任务。检查过程中出现的异常会把上传标记为 failed，且不再重试。
func (a *UploadAggregator) Check(ctx context.Context, task tasks.Task) error {
	upload, err := a.loadUpload(ctx, task.UploadID)
	if err != nil {
		return err
	}
	if upload.Status.IsTerminal() {
		// 重复投递或补全派发失败后的重试。
		return a.enrich.Ensure(ctx, upload)
	}

	done, err := a.settle(ctx, upload)
	if err != nil {
		log.Errorf("[UploadAggregator] 聚合上传 %d 时出错: %v", upload.ID, err)
		a.failUpload(ctx, upload.ID, fmt.Errorf("聚合失败: %w", err))
		return Permanent(err)
	}
	if done {
		return a.enrich.Ensure(ctx, upload)
	}

	next := task
	next.Poll++
	next.Attempt = 1
	delay := a.backoff(next.Poll)
	if err := a.queue.Enqueue(ctx, next, delay); err != nil {
		return fmt.Errorf("重新安排聚合检查失败: %w", err)
	}
	log.Debugf("[UploadAggregator] 上传 %d 仍有分块未结束，%s 后再次检查 (第 %d 次)", upload.ID, delay, next.Poll)
	return nil
}

// settle 在所有分块结束时完成上传并返回 true；否则返回 false。
// 轮询阶段只按状态计数，所有分块结束后才加载完整列表做汇总。
// 等待超过上限时，未结束的分块被标记为失败并发出卡住告警，然后按正常规则完成上传。
func (a *UploadAggregator) settle(ctx context.Context, upload *model.Upload) (bool, error) {
	counts, err := a.chunks.CountByStatus(ctx, upload.ID)
	if err != nil {
		return false, err
	}
	if unsettled := counts[model.ChunkPending] + counts[model.ChunkProcessing]; unsettled > 0 {
		if !a.waitedTooLong(upload.ProcessingStartedAt) {
			return false, nil
		}
		if err := a.giveUp(ctx, upload, unsettled); err != nil {
			return false, err
		}
	}
	chunks, err := a.chunks.ListByUpload(ctx, upload.ID)
	if err != nil {
		return false, err
	}
	return true, a.finalize(ctx, upload, RollupChunks(chunks))
}

func (a *UploadAggregator) giveUp(ctx context.Context, upload *model.Upload, unsettled int) error {
	msg := fmt.Sprintf("stuck: 等待超过 %s 仍未结束", a.cfg.AggregatorMaxWait)
	n, err := a.chunks.FailUnfinished(ctx, upload.ID, msg)
	if err != nil {
		return err
	}
	metrics.UploadsStuck.Inc()
	log.Errorw("[UploadAggregator] 上传卡住，放弃等待未结束的分块",
		"uploadId", upload.ID, "unsettled", unsettled, "failed", n, "maxWait", a.cfg.AggregatorMaxWait.String())
	a.appendLog(ctx, upload.ID, "告警: %d 个分块等待超过 %s 仍未结束，已标记为失败", n, a.cfg.AggregatorMaxWait)
	return nil
}

// finalize 按三分类规则完成上传并写入汇总日志。补全由调用方随后派发。
func (a *UploadAggregator) finalize(ctx context.Context, upload *model.Upload, rollup ChunkRollup) error {
	status := model.Classify(rollup.Completed, rollup.Failed)
	ok, err := a.uploads.Finalize(ctx, upload.ID, status, repository.Rollup{
		Total:     maxInt(upload.TotalRecords, rollup.Processed()),
		Processed: rollup.Processed(),
		Created:   rollup.Created,
		Updated:   rollup.Updated,
	})
	if err != nil {
		return err
	}
	if !ok {
		// 另一个聚合器或取消操作已经完成了它。
		return nil
	}
	upload.Status = status
	upload.ProcessedRecords = rollup.Processed()

	metrics.UploadsFinalized.WithLabelValues(string(status)).Inc()
	a.appendLog(ctx, upload.ID, "导入结束: 状态 %s, 分块 %d (成功 %d, 失败 %d), 新增 %d, 更新 %d, 分块累计耗时 %dms",
		status, rollup.Completed+rollup.Failed, rollup.Completed, rollup.Failed,
		rollup.Created, rollup.Updated, rollup.Duration.Milliseconds())
	if total, err := a.parts.CountByContext(ctx, upload.DatasetContext); err != nil {
		log.Warnf("[UploadAggregator] 统计数据集 %s 的零件数失败: %v", upload.DatasetContext, err)
	} else {
		a.appendLog(ctx, upload.ID, "数据集 %s 现有零件 %d 条", upload.DatasetContext, total)
	}
	log.Infof("[UploadAggregator] 上传 %d 已完成: %s, 新增 %d, 更新 %d", upload.ID, status, rollup.Created, rollup.Updated)
	return nil
}
