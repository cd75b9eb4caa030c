// Package pipeline 定义了批量导入流水线的核心流程：分析、分块处理、聚合与补全。
// 各个任务之间不共享进程内状态，所有协调都通过数据库中的上传与分块记录完成。
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"catalog-ingest-go/internal/config"
	"catalog-ingest-go/internal/ingest"
	"catalog-ingest-go/internal/model"
	"catalog-ingest-go/internal/repository"
	"catalog-ingest-go/pkg/es"
	"catalog-ingest-go/pkg/log"
	"catalog-ingest-go/pkg/metrics"
	"catalog-ingest-go/pkg/storage"
	"catalog-ingest-go/pkg/tasks"

	"gorm.io/gorm"
)

// TaskQueue 是流水线投递后续任务的出口。delay ≤ 0 表示立即投递。
type TaskQueue interface {
	Enqueue(ctx context.Context, task tasks.Task, delay time.Duration) error
}

// Matcher 是外部商品匹配能力，生产环境中由 es.Matcher 实现。
type Matcher interface {
	MatchBatch(ctx context.Context, keys []es.PartKey) (es.MatchResult, error)
}

// Deps 汇总了流水线的外部依赖。
type Deps struct {
	DB         *gorm.DB
	Store      storage.BlobStore
	Queue      TaskQueue
	Matcher    Matcher
	Ingest     config.IngestConfig
	Enrichment config.EnrichmentConfig
	// Now 用于测试中控制时间，默认为 time.Now。
	Now func() time.Time
}

// Processor 按任务类型把任务路由到具体组件，实现 kafka.TaskProcessor。
type Processor struct {
	Builder          *ChunkBuilder
	Worker           *ChunkWorker
	UploadAggregator *UploadAggregator
	Expander         *ArchiveExpander
	ArchiveAggr      *ArchiveAggregator
	Enrichment       *EnrichmentDispatcher
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(d Deps) *Processor {
	b := newBase(d)
	enrich := &EnrichmentDispatcher{base: b, matcher: d.Matcher, cfg: d.Enrichment}
	builder := &ChunkBuilder{base: b, importer: ingest.NewImporter(d.Ingest), enrich: enrich}
	aggr := &UploadAggregator{base: b, enrich: enrich}
	return &Processor{
		Builder:          builder,
		Worker:           &ChunkWorker{base: b, importer: builder.importer},
		UploadAggregator: aggr,
		Expander:         &ArchiveExpander{base: b, builder: builder},
		ArchiveAggr:      &ArchiveAggregator{base: b, uploadAggr: aggr, enrich: enrich},
		Enrichment:       enrich,
	}
}

// Process 是任务处理的入口。
func (p *Processor) Process(ctx context.Context, task tasks.Task) error {
	switch task.Kind {
	case tasks.KindAnalyze:
		return p.Builder.Handle(ctx, task)
	case tasks.KindExpandArchive:
		return p.Expander.Expand(ctx, task)
	case tasks.KindProcessChunk:
		return p.Worker.Process(ctx, task)
	case tasks.KindAggregateUpload:
		return p.UploadAggregator.Check(ctx, task)
	case tasks.KindAggregateArchive:
		return p.ArchiveAggr.Check(ctx, task)
	case tasks.KindEnrich:
		return p.Enrichment.Run(ctx, task)
	default:
		return Permanent(fmt.Errorf("未知的任务类型: %q", task.Kind))
	}
}

// base 是各组件共用的依赖与辅助方法。
type base struct {
	db      *gorm.DB
	uploads repository.UploadRepository
	chunks  repository.ChunkRepository
	parts   repository.PartRepository
	store   storage.BlobStore
	queue   TaskQueue
	cfg     config.IngestConfig
	now     func() time.Time
}

func newBase(d Deps) *base {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &base{
		db:      d.DB,
		uploads: repository.NewUploadRepository(d.DB),
		chunks:  repository.NewChunkRepository(d.DB),
		parts:   repository.NewPartRepository(d.DB),
		store:   d.Store,
		queue:   d.Queue,
		cfg:     d.Ingest,
		now:     now,
	}
}

// appendLog 追加一行用户可见的处理日志。写入失败只记录到进程日志，不影响主流程。
func (b *base) appendLog(ctx context.Context, uploadID uint, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if err := b.uploads.AppendLog(context.WithoutCancel(ctx), uploadID, msg); err != nil {
		log.Errorf("[Pipeline] 写入上传日志失败, uploadID=%d, message=%q, error: %v", uploadID, msg, err)
	}
}

// failUpload 把上传标记为 failed 并记录原因，对已处于终态的上传无效。
func (b *base) failUpload(ctx context.Context, uploadID uint, cause error) {
	ctx = context.WithoutCancel(ctx)
	ok, err := b.uploads.Finalize(ctx, uploadID, model.UploadFailed, b.currentRollup(ctx, uploadID))
	if err != nil {
		log.Errorf("[Pipeline] 标记上传失败时出错, uploadID=%d, error: %v", uploadID, err)
		return
	}
	if ok {
		metrics.UploadsFinalized.WithLabelValues(string(model.UploadFailed)).Inc()
		b.appendLog(ctx, uploadID, "处理失败: %v", cause)
	}
}

func (b *base) currentRollup(ctx context.Context, uploadID uint) repository.Rollup {
	u, err := b.uploads.Get(ctx, uploadID)
	if err != nil {
		return repository.Rollup{}
	}
	return repository.Rollup{Total: u.TotalRecords, Processed: u.ProcessedRecords, Created: u.CreatedRecords, Updated: u.UpdatedRecords}
}

// loadUpload 读取上传记录，记录不存在时返回永久错误。
func (b *base) loadUpload(ctx context.Context, id uint) (*model.Upload, error) {
	u, err := b.uploads.Get(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, Permanent(fmt.Errorf("上传记录 %d 不存在", id))
	}
	if err != nil {
		return nil, fmt.Errorf("读取上传记录 %d 失败: %w", id, err)
	}
	return u, nil
}

// scratchDir 创建一个本地临时目录，返回的 cleanup 可重复调用。
func (b *base) scratchDir(prefix string) (string, func(), error) {
	root := b.cfg.ScratchDir
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", func() {}, err
	}
	dir, err := os.MkdirTemp(root, prefix+"-*")
	if err != nil {
		return "", func() {}, err
	}
	return dir, func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Warnf("[Pipeline] 清理临时目录失败: %s, error: %v", dir, err)
		}
	}, nil
}

// backoff 返回第 poll 次重排的延迟：初始延迟按 2 的幂增长，不超过上限。
func (b *base) backoff(poll int) time.Duration {
	d := b.cfg.AggregatorInitialDelay
	if d <= 0 {
		d = time.Second
	}
	max := b.cfg.AggregatorMaxBackoff
	for i := 0; i < poll; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// waitedTooLong 报告从 start 开始的等待是否已超过配置的最长等待时间。
func (b *base) waitedTooLong(start *time.Time) bool {
	if start == nil || b.cfg.AggregatorMaxWait <= 0 {
		return false
	}
	return b.now().Sub(*start) > b.cfg.AggregatorMaxWait
}

func headerOf(u *model.Upload) []string {
	var header []string
	if len(u.HeaderRow) > 0 {
		_ = json.Unmarshal(u.HeaderRow, &header)
	}
	return header
}
