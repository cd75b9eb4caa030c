package pipeline

import (
	"context"
	"fmt"

	"catalog-ingest-go/internal/config"
	"catalog-ingest-go/internal/model"
	"catalog-ingest-go/pkg/es"
	"catalog-ingest-go/pkg/log"
	"catalog-ingest-go/pkg/metrics"
	"catalog-ingest-go/pkg/tasks"

	"golang.org/x/time/rate"
)

// EnrichmentDispatcher 在上传完成后对其记录做外部商品匹配。
type EnrichmentDispatcher struct {
	*base
	matcher Matcher
	cfg     config.EnrichmentConfig
}

// EnrichmentSummary 是一次补全运行的统计。
type EnrichmentSummary struct {
	Batches   int
	Matched   int
	Unmatched int
	Failed    int
}

// maxInlineRecordIDs 限制随任务一起投递的记录 ID 数量，超出时任务只带上传 ID，
// 由 Run 自行按上传读取，避免消息超过 Kafka 的大小上限。
const maxInlineRecordIDs = 10000

// Dispatch 为上传投递一次补全任务。每个上传只会派发一次；
// 投递失败时撤销派发标记并写入上传日志，调用方返回的错误会让任务重试后再次派发。
func (d *EnrichmentDispatcher) Dispatch(ctx context.Context, uploadID uint) error {
	ctx = context.WithoutCancel(ctx)
	ok, err := d.uploads.MarkEnrichmentDispatched(ctx, uploadID)
	if err != nil {
		return fmt.Errorf("标记补全派发失败: %w", err)
	}
	if !ok {
		log.Debugf("[Enrichment] 上传 %d 的补全任务已派发过", uploadID)
		return nil
	}
	ids, err := d.parts.IDsByUpload(ctx, uploadID)
	if err != nil {
		return d.release(ctx, uploadID, err)
	}
	if len(ids) == 0 {
		return nil
	}
	task := tasks.Task{Kind: tasks.KindEnrich, UploadID: uploadID, Attempt: 1, MaxAttempts: d.cfg.MaxAttempts}
	if len(ids) <= maxInlineRecordIDs {
		task.RecordIDs = ids
	}
	if err := d.queue.Enqueue(ctx, task, 0); err != nil {
		return d.release(ctx, uploadID, err)
	}
	log.Infof("[Enrichment] 已派发上传 %d 的补全任务，记录数 %d", uploadID, len(ids))
	return nil
}

func (d *EnrichmentDispatcher) release(ctx context.Context, uploadID uint, cause error) error {
	log.Errorf("[Enrichment] 派发上传 %d 的补全任务失败: %v", uploadID, cause)
	d.appendLog(ctx, uploadID, "补全派发失败，稍后重试: %v", cause)
	if err := d.uploads.ClearEnrichmentDispatched(ctx, uploadID); err != nil {
		log.Errorf("[Enrichment] 撤销上传 %d 的派发标记失败: %v", uploadID, err)
	}
	return fmt.Errorf("派发补全任务失败: %w", cause)
}

// Ensure 为已成功结束、有记录写入但补全尚未派发的表格上传补发补全任务。
func (d *EnrichmentDispatcher) Ensure(ctx context.Context, u *model.Upload) error {
	if u.Kind != model.UploadKindSpreadsheet || !u.Status.Succeeded() ||
		u.ProcessedRecords == 0 || u.EnrichmentDispatchedAt != nil {
		return nil
	}
	return d.Dispatch(ctx, u.ID)
}

// Run 处理 enrich 任务：按批调用外部匹配，批次之间限速。
// 单个批次失败只计入失败数，不会中断其余批次。
func (d *EnrichmentDispatcher) Run(ctx context.Context, task tasks.Task) error {
	if _, err := d.loadUpload(ctx, task.UploadID); err != nil {
		return err
	}
	if d.matcher == nil {
		d.appendLog(ctx, task.UploadID, "补全跳过: 未配置外部匹配服务")
		return nil
	}

	size := d.cfg.BatchSize
	if size <= 0 {
		size = 20
	}
	limit := rate.Inf
	if d.cfg.BatchInterval > 0 {
		limit = rate.Every(d.cfg.BatchInterval)
	}
	limiter := rate.NewLimiter(limit, 1)

	ids := task.RecordIDs
	if len(ids) == 0 {
		var err error
		if ids, err = d.parts.IDsByUpload(ctx, task.UploadID); err != nil {
			return fmt.Errorf("读取上传记录失败: %w", err)
		}
	}

	var sum EnrichmentSummary
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("补全被中断: %w", err)
		}
		sum.Batches++

		matched, unmatched, failed := d.runBatch(ctx, task.UploadID, batch)
		sum.Matched += matched
		sum.Unmatched += unmatched
		sum.Failed += failed
	}

	d.appendLog(ctx, task.UploadID, "补全完成: 记录 %d, 批次 %d, 匹配 %d, 未匹配 %d, 失败 %d",
		len(ids), sum.Batches, sum.Matched, sum.Unmatched, sum.Failed)
	log.Infof("[Enrichment] 上传 %d 补全完成: 匹配 %d, 未匹配 %d, 失败 %d", task.UploadID, sum.Matched, sum.Unmatched, sum.Failed)
	return nil
}

func (d *EnrichmentDispatcher) runBatch(ctx context.Context, uploadID uint, batch []uint) (matched, unmatched, failed int) {
	parts, err := d.parts.FindByIDs(ctx, batch)
	if err != nil {
		log.Warnf("[Enrichment] 上传 %d 读取批次记录失败: %v", uploadID, err)
		metrics.EnrichmentBatches.WithLabelValues("error").Inc()
		return 0, 0, len(batch)
	}
	keys := make([]es.PartKey, 0, len(parts))
	for _, p := range parts {
		keys = append(keys, es.PartKey{ID: p.ID, PartNumber: p.PartNumber, Manufacturer: p.Manufacturer})
	}

	res, err := d.matcher.MatchBatch(ctx, keys)
	if err != nil {
		log.Warnf("[Enrichment] 上传 %d 批次匹配失败 (%d 条): %v", uploadID, len(batch), err)
		metrics.EnrichmentBatches.WithLabelValues("error").Inc()
		return 0, 0, len(batch)
	}
	if err := d.parts.SetExternalIDs(ctx, res.Matched); err != nil {
		log.Warnf("[Enrichment] 上传 %d 写入外部 ID 失败: %v", uploadID, err)
		metrics.EnrichmentBatches.WithLabelValues("error").Inc()
		return 0, 0, len(batch)
	}
	metrics.EnrichmentBatches.WithLabelValues("ok").Inc()

	matched = len(res.Matched)
	failed = len(res.Failed)
	// 已被删除的记录不会出现在 keys 中，按未匹配计。
	unmatched = len(batch) - matched - failed
	if unmatched < 0 {
		unmatched = 0
	}
	return matched, unmatched, failed
}
