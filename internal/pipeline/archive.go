package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"catalog-ingest-go/internal/ingest"
	"catalog-ingest-go/internal/model"
	"catalog-ingest-go/internal/repository"
	"catalog-ingest-go/pkg/archive"
	"catalog-ingest-go/pkg/log"
	"catalog-ingest-go/pkg/metrics"
	"catalog-ingest-go/pkg/storage"
	"catalog-ingest-go/pkg/tasks"
)

// ArchiveExpander 解压压缩包上传，为每个表格成员创建子上传并立即分析。
// 图片成员暂不处理，只记录路径，等所有子上传结束后由 ArchiveAggregator 统一关联。
type ArchiveExpander struct {
	*base
	builder *ChunkBuilder
}

// Expand 处理 expand_archive 任务。
func (e *ArchiveExpander) Expand(ctx context.Context, task tasks.Task) error {
	parent, err := e.loadUpload(ctx, task.UploadID)
	if err != nil {
		return err
	}
	switch parent.Status {
	case model.UploadPending:
		if _, err := e.uploads.Transition(ctx, parent.ID, model.UploadAnalyzing); err != nil {
			return fmt.Errorf("更新上传状态失败: %w", err)
		}
	case model.UploadAnalyzing:
		log.Infof("[ArchiveExpander] 压缩包 %d 仍处于 analyzing，继续展开", parent.ID)
	case model.UploadProcessing:
		return e.scheduleAggregation(ctx, parent, 0)
	default:
		return nil
	}

	dir, cleanup, err := e.scratchDir(fmt.Sprintf("archive-%d", parent.ID))
	if err != nil {
		return err
	}
	defer cleanup()

	local, err := storage.Download(ctx, e.store, parent.ObjectKey, dir)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || !task.CanRetry() {
			e.failUpload(ctx, parent.ID, err)
			return Permanent(err)
		}
		return err
	}

	members, err := archive.ExtractFile(local, path.Join(dir, "members"))
	if err != nil {
		if isParseError(err) || !task.CanRetry() {
			e.failUpload(ctx, parent.ID, fmt.Errorf("压缩包无法解压: %w", err))
			e.discardStaged(ctx, parent)
			return Permanent(err)
		}
		return err
	}

	counts := archive.Count(members)
	var images []string
	for _, m := range members {
		if m.Class == archive.ClassImage {
			images = append(images, m.RelPath)
		}
	}
	if len(images) > 0 {
		imagesJSON, _ := json.Marshal(images)
		if err := e.uploads.SetImageMembers(ctx, parent.ID, imagesJSON); err != nil {
			return fmt.Errorf("记录图片成员失败: %w", err)
		}
	}
	e.appendLog(ctx, parent.ID, "压缩包已解压: 表格 %d, 图片 %d, 文档 %d",
		counts[archive.ClassSpreadsheet], counts[archive.ClassImage], counts[archive.ClassDocument])

	if counts[archive.ClassSpreadsheet] == 0 {
		e.failUpload(ctx, parent.ID, errors.New("压缩包中没有可导入的表格"))
		e.discardStaged(ctx, parent)
		return nil
	}

	existing, err := e.uploads.ListChildren(ctx, parent.ID)
	if err != nil {
		return err
	}
	done := make(map[string]bool, len(existing))
	for _, c := range existing {
		done[c.FileName] = true
	}

	for _, m := range members {
		if m.Class != archive.ClassSpreadsheet || done[m.RelPath] {
			continue
		}
		if err := e.expandMember(ctx, parent, m); err != nil {
			return err
		}
	}

	children, err := e.uploads.ListChildren(ctx, parent.ID)
	if err != nil {
		return err
	}
	if _, err := e.uploads.SetProcessing(ctx, parent.ID, len(children)); err != nil {
		return fmt.Errorf("更新压缩包状态失败: %w", err)
	}
	parent.Status = model.UploadProcessing
	log.Infof("[ArchiveExpander] 压缩包 %d 已展开为 %d 个子上传", parent.ID, len(children))
	return e.scheduleAggregation(ctx, parent, 0)
}

// expandMember 为一个表格成员创建子上传、暂存其文件并立即分析。
// 子上传的解析错误只影响它自己；只有无法创建子上传时才返回错误。
func (e *ArchiveExpander) expandMember(ctx context.Context, parent *model.Upload, m archive.Member) error {
	datasetContext := archive.DatasetFolder(m.RelPath)
	if datasetContext == "" {
		datasetContext = parent.DatasetContext
	}
	child := &model.Upload{
		FileName:       m.RelPath,
		Kind:           model.UploadKindSpreadsheet,
		Status:         model.UploadPending,
		BatchID:        parent.BatchID,
		DatasetContext: datasetContext,
		ObjectKey:      fmt.Sprintf("%s/members/%s", path.Dir(parent.ObjectKey), m.RelPath),
		FileSize:       m.Size,
		UploadedBy:     parent.UploadedBy,
		ParentID:       &parent.ID,
	}
	if err := storage.PutFile(ctx, e.store, child.ObjectKey, m.AbsPath); err != nil {
		return fmt.Errorf("暂存成员 %s 失败: %w", m.RelPath, err)
	}
	if err := e.uploads.Create(ctx, child); err != nil {
		return fmt.Errorf("创建子上传失败: %w", err)
	}
	if _, err := e.uploads.Transition(ctx, child.ID, model.UploadAnalyzing); err != nil {
		return fmt.Errorf("更新子上传状态失败: %w", err)
	}
	child.Status = model.UploadAnalyzing

	a, err := e.builder.Analyze(ctx, child, m.AbsPath)
	switch {
	case err != nil && IsPermanent(err):
		e.appendLog(ctx, parent.ID, "子文件 %s 无法解析: %v", m.RelPath, err)
	case err != nil:
		// 展开不会重新分析已创建的子上传，这里直接判定失败。
		e.failUpload(ctx, child.ID, err)
		e.appendLog(ctx, parent.ID, "子文件 %s 分析失败: %v", m.RelPath, err)
	case a.Chunked:
		e.appendLog(ctx, parent.ID, "子文件 %s (数据集 %s): 分块处理, %d 个分块", m.RelPath, datasetContext, a.ChunkCount)
	default:
		e.appendLog(ctx, parent.ID, "子文件 %s (数据集 %s): 直接导入, 新增 %d, 更新 %d",
			m.RelPath, datasetContext, a.Direct.Created, a.Direct.Updated)
	}
	return nil
}

func (e *ArchiveExpander) scheduleAggregation(ctx context.Context, parent *model.Upload, poll int) error {
	children, err := e.uploads.ListChildren(ctx, parent.ID)
	if err != nil {
		return err
	}
	chunkTotal := 0
	for _, c := range children {
		chunkTotal += c.ChunkCount
	}
	delay := e.cfg.AggregatorInitialDelay + time.Duration(chunkTotal)*e.cfg.AggregatorPerChunk
	task := tasks.Task{Kind: tasks.KindAggregateArchive, UploadID: parent.ID, Attempt: 1, MaxAttempts: 3, Poll: poll}
	if err := e.queue.Enqueue(ctx, task, delay); err != nil {
		return fmt.Errorf("安排压缩包聚合检查失败: %w", err)
	}
	return nil
}

// discardStaged 删除上传暂存在对象存储里的原始字节。
func (b *base) discardStaged(ctx context.Context, u *model.Upload) {
	if u.ObjectKey == "" {
		return
	}
	if err := b.store.Delete(context.WithoutCancel(ctx), u.ObjectKey); err != nil {
		log.Warnf("[Pipeline] 删除暂存文件 %s 失败: %v", u.ObjectKey, err)
	}
}

// ArchiveAggregator 等待压缩包的所有子上传结束，完成图片关联并汇总到父上传。
type ArchiveAggregator struct {
	*base
	uploadAggr *UploadAggregator
	enrich     *EnrichmentDispatcher
}

// Check 处理 aggregate_archive 任务。
func (a *ArchiveAggregator) Check(ctx context.Context, task tasks.Task) error {
	parent, err := a.loadUpload(ctx, task.UploadID)
	if err != nil {
		return err
	}
	if parent.Status.IsTerminal() {
		return a.ensureEnrichment(ctx, parent)
	}

	done, err := a.settle(ctx, parent)
	if err != nil {
		log.Errorf("[ArchiveAggregator] 聚合压缩包 %d 时出错: %v", parent.ID, err)
		a.failUpload(ctx, parent.ID, fmt.Errorf("聚合失败: %w", err))
		a.discardStaged(ctx, parent)
		return Permanent(err)
	}
	if done {
		a.discardArchive(ctx, parent)
		return a.ensureEnrichment(ctx, parent)
	}

	next := task
	next.Poll++
	next.Attempt = 1
	delay := a.backoff(next.Poll)
	if err := a.queue.Enqueue(ctx, next, delay); err != nil {
		return fmt.Errorf("重新安排压缩包聚合检查失败: %w", err)
	}
	log.Debugf("[ArchiveAggregator] 压缩包 %d 仍有子上传未结束，%s 后再次检查", parent.ID, delay)
	return nil
}

// discardArchive 在父上传结束后删除压缩包和所有子上传暂存的成员文件。
func (a *ArchiveAggregator) discardArchive(ctx context.Context, parent *model.Upload) {
	children, err := a.uploads.ListChildren(ctx, parent.ID)
	if err != nil {
		log.Warnf("[ArchiveAggregator] 列出压缩包 %d 的子上传失败，成员文件未清理: %v", parent.ID, err)
	}
	for i := range children {
		a.discardStaged(ctx, &children[i])
	}
	a.discardStaged(ctx, parent)
}

// ensureEnrichment 为成功结束且尚未派发补全的子上传派发补全任务。
// 任一派发失败时返回错误，任务重试时会再次补发。
func (a *ArchiveAggregator) ensureEnrichment(ctx context.Context, parent *model.Upload) error {
	children, err := a.uploads.ListChildren(ctx, parent.ID)
	if err != nil {
		return err
	}
	var errs []error
	for i := range children {
		if err := a.enrich.Ensure(ctx, &children[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *ArchiveAggregator) settle(ctx context.Context, parent *model.Upload) (bool, error) {
	children, err := a.uploads.ListChildren(ctx, parent.ID)
	if err != nil {
		return false, err
	}

	stuck := a.waitedTooLong(parent.ProcessingStartedAt)
	unsettled, forced := 0, false
	for i := range children {
		child := &children[i]
		if child.Status.IsTerminal() {
			continue
		}
		forced = forced || stuck
		settled, err := a.settleChild(ctx, child, stuck)
		if err != nil {
			return false, err
		}
		if !settled {
			unsettled++
		}
	}
	if unsettled > 0 {
		return false, nil
	}
	if forced {
		metrics.UploadsStuck.Inc()
		log.Errorw("[ArchiveAggregator] 压缩包等待子上传超时，已强制结束", "uploadId", parent.ID, "maxWait", a.cfg.AggregatorMaxWait.String())
		a.appendLog(ctx, parent.ID, "告警: 子上传等待超过 %s，未结束的部分已标记为失败", a.cfg.AggregatorMaxWait)
	}

	var succeeded []uint
	for _, c := range children {
		if c.Status.Succeeded() {
			succeeded = append(succeeded, c.ID)
		}
	}

	a.associateImages(ctx, parent, succeeded)
	return true, a.finalize(ctx, parent, children)
}

// settleChild 根据子上传自己的分块推断其是否已结束，必要时代为完成。
// 没有分块的子上传只有在放弃等待时才会被判定失败。
func (a *ArchiveAggregator) settleChild(ctx context.Context, child *model.Upload, stuck bool) (bool, error) {
	chunks, err := a.chunks.ListByUpload(ctx, child.ID)
	if err != nil {
		return false, err
	}
	if len(chunks) == 0 {
		if !stuck {
			return false, nil
		}
		a.failUpload(ctx, child.ID, errors.New("stuck: 子上传未能完成分析"))
		return a.refresh(ctx, child)
	}

	rollup := RollupChunks(chunks)
	if rollup.Unsettled > 0 {
		if !stuck {
			return false, nil
		}
		if err := a.uploadAggr.giveUp(ctx, child, rollup.Unsettled); err != nil {
			return false, err
		}
		if chunks, err = a.chunks.ListByUpload(ctx, child.ID); err != nil {
			return false, err
		}
		rollup = RollupChunks(chunks)
	}
	log.Infof("[ArchiveAggregator] 子上传 %d 的分块已全部结束，代为完成", child.ID)
	if err := a.uploadAggr.finalize(ctx, child, rollup); err != nil {
		return false, err
	}
	return a.refresh(ctx, child)
}

func (a *ArchiveAggregator) refresh(ctx context.Context, child *model.Upload) (bool, error) {
	fresh, err := a.uploads.Get(ctx, child.ID)
	if err != nil {
		return false, err
	}
	*child = *fresh
	return child.Status.IsTerminal(), nil
}

// associateImages 重新解压压缩包，把图片上传到对象存储并关联到成功子上传中文件名匹配的记录。
// 图片关联失败不影响父上传的完成。
func (a *ArchiveAggregator) associateImages(ctx context.Context, parent *model.Upload, succeeded []uint) {
	var images []string
	if len(parent.ImageMembers) > 0 {
		_ = json.Unmarshal(parent.ImageMembers, &images)
	}
	if len(images) == 0 || len(succeeded) == 0 {
		return
	}

	dir, cleanup, err := a.scratchDir(fmt.Sprintf("images-%d", parent.ID))
	if err != nil {
		a.appendLog(ctx, parent.ID, "图片关联失败: %v", err)
		return
	}
	defer cleanup()

	local, err := storage.Download(ctx, a.store, parent.ObjectKey, dir)
	if err != nil {
		a.appendLog(ctx, parent.ID, "图片关联失败: 无法读取暂存的压缩包: %v", err)
		return
	}
	members, err := archive.ExtractFile(local, path.Join(dir, "members"))
	if err != nil {
		a.appendLog(ctx, parent.ID, "图片关联失败: %v", err)
		return
	}

	wanted := make(map[string]bool, len(images))
	for _, img := range images {
		wanted[img] = true
	}
	attached, linkedImages := int64(0), 0
	for _, m := range members {
		if m.Class != archive.ClassImage || !wanted[m.RelPath] {
			continue
		}
		n, err := a.attachImage(ctx, parent, succeeded, m)
		if err != nil {
			log.Warnf("[ArchiveAggregator] 关联图片 %s 失败: %v", m.RelPath, err)
			continue
		}
		if n > 0 {
			linkedImages++
			attached += n
		}
	}
	a.appendLog(ctx, parent.ID, "图片关联: 图片 %d, 已关联 %d, 更新记录 %d", len(images), linkedImages, attached)
}

func (a *ArchiveAggregator) attachImage(ctx context.Context, parent *model.Upload, succeeded []uint, m archive.Member) (int64, error) {
	key := fmt.Sprintf("images/%d/%s", parent.ID, m.RelPath)
	if err := storage.PutFile(ctx, a.store, key, m.AbsPath); err != nil {
		return 0, err
	}
	return a.parts.AttachImage(ctx, succeeded, ingest.ImageMatchNames(m.RelPath), key)
}

func (a *ArchiveAggregator) finalize(ctx context.Context, parent *model.Upload, children []model.Upload) error {
	var rollup repository.Rollup
	succeeded, failed := 0, 0
	for _, c := range children {
		rollup.Total += c.TotalRecords
		rollup.Processed += c.ProcessedRecords
		rollup.Created += c.CreatedRecords
		rollup.Updated += c.UpdatedRecords
		if c.Status.Succeeded() {
			succeeded++
		}
		if c.Status != model.UploadCompleted {
			failed++
		}
	}
	status := model.Classify(succeeded, failed)
	ok, err := a.uploads.Finalize(ctx, parent.ID, status, rollup)
	if err != nil || !ok {
		return err
	}
	metrics.UploadsFinalized.WithLabelValues(string(status)).Inc()
	a.appendLog(ctx, parent.ID, "压缩包导入结束: 状态 %s, 子上传 %d (成功 %d), 记录 %d/%d, 新增 %d, 更新 %d",
		status, len(children), succeeded, rollup.Processed, rollup.Total, rollup.Created, rollup.Updated)
	log.Infof("[ArchiveAggregator] 压缩包 %d 已完成: %s", parent.ID, status)
	return nil
}
