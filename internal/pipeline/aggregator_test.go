package pipeline

import (
	"context"
	"testing"
	"time"

	"catalog-ingest-go/internal/config"
	"catalog-ingest-go/internal/model"
	"catalog-ingest-go/pkg/storage"
	"catalog-ingest-go/pkg/tasks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRollupChunksIgnoresFailedCounts(t *testing.T) {
	r := RollupChunks([]model.ImportChunk{
		{Status: model.ChunkCompleted, CreatedCount: 4, UpdatedCount: 1, DurationMs: 10},
		{Status: model.ChunkFailed, CreatedCount: 99, DurationMs: 5},
		{Status: model.ChunkProcessing},
		{Status: model.ChunkPending},
		{Status: model.ChunkCompleted, UpdatedCount: 3, DurationMs: 1},
	})
	assert.Equal(t, 2, r.Completed)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, 2, r.Unsettled)
	assert.Equal(t, 4, r.Created)
	assert.Equal(t, 4, r.Updated)
	assert.Equal(t, 8, r.Processed())
	assert.Equal(t, 16*time.Millisecond, r.Duration)
}

func TestAggregatorBackoffIsCapped(t *testing.T) {
	b := &base{cfg: config.IngestConfig{AggregatorInitialDelay: 10 * time.Second, AggregatorMaxBackoff: 5 * time.Minute}}
	assert.Equal(t, 10*time.Second, b.backoff(0))
	assert.Equal(t, 20*time.Second, b.backoff(1))
	assert.Equal(t, 160*time.Second, b.backoff(4))
	assert.Equal(t, 5*time.Minute, b.backoff(5))
	assert.Equal(t, 5*time.Minute, b.backoff(50))
}

func TestClassifyOutcomes(t *testing.T) {
	assert.Equal(t, model.UploadCompleted, model.Classify(3, 0))
	assert.Equal(t, model.UploadCompletedWithErrors, model.Classify(2, 1))
	assert.Equal(t, model.UploadFailed, model.Classify(0, 3))
	assert.Equal(t, model.UploadFailed, model.Classify(0, 0))
}

func TestChunkFailureYieldsCompletedWithErrors(t *testing.T) {
	// Get #1 是分析，#2 是分块 0 的第一次尝试，#5 是它的重试。
	h := newHarness(t, withStore(func(s storage.BlobStore) storage.BlobStore {
		return &flakyStore{BlobStore: s, failGets: map[int]bool{2: true, 5: true}}
	}))
	u := h.submit("large.csv", csvFile(25, 0), "default")

	h.drain()

	got := h.upload(u.ID)
	assert.Equal(t, model.UploadCompletedWithErrors, got.Status)
	assert.Equal(t, 25, got.TotalRecords)
	assert.Equal(t, 15, got.ProcessedRecords)
	assert.Equal(t, 15, got.CreatedRecords)
	assert.EqualValues(t, 15, h.partCount("default"))

	chunks, err := h.chunks.ListByUpload(context.Background(), u.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, model.ChunkFailed, chunks[0].Status)
	assert.Equal(t, 2, chunks[0].Attempts)
	assert.Contains(t, chunks[0].ErrorMessage, "连接被重置")
	assert.Equal(t, 0, chunks[0].CreatedCount)
	assert.Equal(t, model.ChunkCompleted, chunks[1].Status)
	assert.Equal(t, model.ChunkCompleted, chunks[2].Status)

	logs := h.logs(u.ID)
	assert.True(t, containsLine(logs, "分块 #0 (行 0-10) 失败"), logs)
	assert.True(t, containsLine(logs, "状态 completed_with_errors"), logs)
	assert.Len(t, h.queue.enqueued(tasks.KindEnrich), 1)
}

func TestAllChunksFailingFailsUpload(t *testing.T) {
	h := newHarness(t)
	u := h.submit("large.csv", csvFile(25, 0), "default")

	task, ok, err := h.step()
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, tasks.KindAnalyze, task.Kind)
	require.NoError(t, h.mem.Delete(context.Background(), u.ObjectKey))

	h.drain()

	got := h.upload(u.ID)
	assert.Equal(t, model.UploadFailed, got.Status)
	assert.Equal(t, 0, got.ProcessedRecords)
	assert.EqualValues(t, 0, h.partCount("default"))
	assert.Empty(t, h.queue.enqueued(tasks.KindEnrich))

	chunks, err := h.chunks.ListByUpload(context.Background(), u.ID)
	require.NoError(t, err)
	for _, c := range chunks {
		assert.Equal(t, model.ChunkFailed, c.Status)
		assert.Equal(t, 1, c.Attempts, "对象不存在不应重试")
	}
}

// dropChunkTasks 丢弃队列中的分块任务，模拟消息丢失。
func dropChunkTasks(h *harness) int {
	return h.queue.drop(tasks.KindProcessChunk)
}

func TestAggregatorReschedulesWhileChunksAreOutstanding(t *testing.T) {
	h := newHarness(t)
	u := h.submit("large.csv", csvFile(25, 0), "default")
	_, _, err := h.step()
	require.NoError(t, err)
	require.Equal(t, 3, dropChunkTasks(h))

	task, ok, err := h.step()
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, tasks.KindAggregateUpload, task.Kind)

	assert.Equal(t, model.UploadProcessing, h.upload(u.ID).Status)
	polls := h.queue.enqueued(tasks.KindAggregateUpload)
	require.Len(t, polls, 2)
	assert.Equal(t, 1, polls[1].task.Poll)
	assert.Equal(t, 2*h.cfg.AggregatorInitialDelay, polls[1].delay)
}

func TestStuckUploadIsForcedToFinish(t *testing.T) {
	h := newHarness(t)
	u := h.submit("large.csv", csvFile(25, 0), "default")
	_, _, err := h.step()
	require.NoError(t, err)
	require.Equal(t, 3, dropChunkTasks(h))

	h.now = time.Now().Add(h.cfg.AggregatorMaxWait + time.Minute)
	h.drain()

	got := h.upload(u.ID)
	assert.Equal(t, model.UploadFailed, got.Status)

	chunks, err := h.chunks.ListByUpload(context.Background(), u.ID)
	require.NoError(t, err)
	for _, c := range chunks {
		assert.Equal(t, model.ChunkFailed, c.Status)
		assert.Contains(t, c.ErrorMessage, "stuck")
	}
	assert.True(t, containsLine(h.logs(u.ID), "告警: 3 个分块"))
}

func TestAggregatorIgnoresFinishedUpload(t *testing.T) {
	h := newHarness(t)
	u := h.submit("small.csv", csvFile(3, 0), "default")
	h.drain()
	before := len(h.logs(u.ID))

	err := h.proc.Process(context.Background(), tasks.Task{Kind: tasks.KindAggregateUpload, UploadID: u.ID, Attempt: 1})
	require.NoError(t, err)
	assert.Len(t, h.logs(u.ID), before)
	assert.Equal(t, 0, h.queue.len())
}

func TestAggregatorForMissingUploadIsPermanent(t *testing.T) {
	h := newHarness(t)
	err := h.proc.Process(context.Background(), tasks.Task{Kind: tasks.KindAggregateUpload, UploadID: 404, Attempt: 1})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}
