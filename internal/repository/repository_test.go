package repository_test

import (
	"context"
	"testing"
	"time"

	"catalog-ingest-go/internal/model"
	"catalog-ingest-go/internal/repository"
	"catalog-ingest-go/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUpload(t *testing.T, repo repository.UploadRepository) *model.Upload {
	t.Helper()
	u := &model.Upload{FileName: "parts.csv", Kind: model.UploadKindSpreadsheet, BatchID: "b1", DatasetContext: "default"}
	require.NoError(t, repo.Create(context.Background(), u))
	require.NotZero(t, u.ID)
	return u
}

func TestUploadTransitionsFollowStateMachine(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewUploadRepository(testutil.NewDB(t))
	u := newUpload(t, repo)
	assert.Equal(t, model.UploadPending, u.Status)

	ok, err := repo.Transition(ctx, u.ID, model.UploadProcessing)
	require.NoError(t, err)
	assert.False(t, ok, "pending cannot jump to processing")

	ok, err = repo.Transition(ctx, u.ID, model.UploadAnalyzing)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.SetProcessing(ctx, u.ID, 3)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Finalize(ctx, u.ID, model.UploadCompletedWithErrors, repository.Rollup{Total: 10, Processed: 7, Created: 5, Updated: 2})
	require.NoError(t, err)
	assert.True(t, ok)

	// 终态之后任何迁移都不生效。
	ok, err = repo.Finalize(ctx, u.ID, model.UploadCompleted, repository.Rollup{})
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = repo.Transition(ctx, u.ID, model.UploadFailed)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, model.UploadCompletedWithErrors, got.Status)
	assert.Equal(t, 3, got.ChunkCount)
	assert.Equal(t, 7, got.ProcessedRecords)
	assert.NotNil(t, got.CompletedAt)
}

func TestUploadLogsAreOrdered(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewUploadRepository(testutil.NewDB(t))
	u := newUpload(t, repo)

	for _, line := range []string{"one", "two", "three"} {
		require.NoError(t, repo.AppendLog(ctx, u.ID, line))
	}
	logs, err := repo.Logs(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "one", logs[0].Message)
	assert.Equal(t, "three", logs[2].Message)
}

func TestEnrichmentDispatchedOnlyOnce(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewUploadRepository(testutil.NewDB(t))
	u := newUpload(t, repo)

	first, err := repo.MarkEnrichmentDispatched(ctx, u.ID)
	require.NoError(t, err)
	second, err := repo.MarkEnrichmentDispatched(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)

	require.NoError(t, repo.ClearEnrichmentDispatched(ctx, u.ID))
	got, err := repo.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Nil(t, got.EnrichmentDispatchedAt)
	third, err := repo.MarkEnrichmentDispatched(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, third)
}

func TestChildrenListedByParent(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewUploadRepository(testutil.NewDB(t))
	parent := newUpload(t, repo)
	for i := 0; i < 2; i++ {
		child := &model.Upload{FileName: "c.csv", Kind: model.UploadKindSpreadsheet, BatchID: "b1", DatasetContext: "x", ParentID: &parent.ID}
		require.NoError(t, repo.Create(ctx, child))
	}
	children, err := repo.ListChildren(ctx, parent.ID)
	require.NoError(t, err)
	assert.Len(t, children, 2)
}

func TestChunkLifecycle(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	uploads := repository.NewUploadRepository(db)
	chunks := repository.NewChunkRepository(db)
	u := newUpload(t, uploads)

	require.NoError(t, chunks.CreateBatch(ctx, []model.ImportChunk{
		{UploadID: u.ID, Sequence: 0, StartRow: 0, EndRow: 2, Status: model.ChunkPending},
		{UploadID: u.ID, Sequence: 1, StartRow: 2, EndRow: 4, Status: model.ChunkPending},
		{UploadID: u.ID, Sequence: 2, StartRow: 4, EndRow: 5, Status: model.ChunkPending},
	}))
	list, err := chunks.ListByUpload(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, list, 3)

	staleBefore := time.Now().Add(-time.Hour)
	ok, err := chunks.Claim(ctx, list[0].ID, staleBefore)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = chunks.Claim(ctx, list[0].ID, staleBefore)
	require.NoError(t, err)
	assert.False(t, ok, "a fresh processing chunk cannot be claimed twice")

	ok, err = chunks.Complete(ctx, list[0].ID, 2, 0, 15*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = chunks.Claim(ctx, list[0].ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "terminal chunks are never claimed again")

	ok, err = chunks.Claim(ctx, list[1].ID, staleBefore)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = chunks.Requeue(ctx, list[1].ID, "deadlock")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := chunks.CancelPending(ctx, u.ID, "cancelled")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	counts, err := chunks.CountByStatus(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, map[model.ChunkStatus]int{model.ChunkCompleted: 1, model.ChunkFailed: 2}, counts)

	got, err := chunks.Get(ctx, list[1].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "cancelled", got.ErrorMessage)
}

func TestDuplicateChunkSequenceRejected(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	u := newUpload(t, repository.NewUploadRepository(db))
	chunks := repository.NewChunkRepository(db)

	err := chunks.CreateBatch(ctx, []model.ImportChunk{
		{UploadID: u.ID, Sequence: 0, EndRow: 1, Status: model.ChunkPending},
		{UploadID: u.ID, Sequence: 0, StartRow: 1, EndRow: 2, Status: model.ChunkPending},
	})
	assert.Error(t, err)

	list, err := chunks.ListByUpload(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, list, "the batch insert is atomic")
}

func plannedChunks(uploadID uint, n int) []model.ImportChunk {
	out := make([]model.ImportChunk, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, model.ImportChunk{UploadID: uploadID, Sequence: i, StartRow: i * 500, EndRow: (i + 1) * 500, Status: model.ChunkPending})
	}
	return out
}

func TestCreateBatchSplitsLargePlansIntoSeveralInserts(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	u := newUpload(t, repository.NewUploadRepository(db))
	chunks := repository.NewChunkRepository(db)

	planned := plannedChunks(u.ID, 2500)
	require.NoError(t, chunks.CreateBatch(ctx, planned))
	for _, c := range planned {
		require.NotZero(t, c.ID)
	}

	list, err := chunks.ListByUpload(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, list, 2500)
	assert.Equal(t, 2499, list[2499].Sequence)
}

func TestCreateBatchRollsBackEarlierInsertsOnFailure(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	u := newUpload(t, repository.NewUploadRepository(db))
	chunks := repository.NewChunkRepository(db)

	planned := plannedChunks(u.ID, 2500)
	planned[2400].Sequence = 0
	assert.Error(t, chunks.CreateBatch(ctx, planned))

	list, err := chunks.ListByUpload(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, list, "前面已经写入的批次也要回滚")
}
