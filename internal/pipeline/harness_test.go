package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"catalog-ingest-go/internal/config"
	"catalog-ingest-go/internal/model"
	"catalog-ingest-go/internal/repository"
	"catalog-ingest-go/internal/testutil"
	"catalog-ingest-go/pkg/es"
	"catalog-ingest-go/pkg/storage"
	"catalog-ingest-go/pkg/tasks"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type queued struct {
	task  tasks.Task
	delay time.Duration
}

// fakeQueue 按先进先出保存任务，忽略延迟。
type fakeQueue struct {
	mu    sync.Mutex
	items []queued
	log   []queued
	// failures 是某类任务接下来需要投递失败的次数。
	failures map[tasks.Kind]int
}

func (q *fakeQueue) Enqueue(_ context.Context, task tasks.Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failures[task.Kind] > 0 {
		q.failures[task.Kind]--
		return fmt.Errorf("broker unavailable: %s", task.Kind)
	}
	q.items = append(q.items, queued{task: task, delay: delay})
	q.log = append(q.log, queued{task: task, delay: delay})
	return nil
}

func (q *fakeQueue) pop() (queued, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return queued{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *fakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// failNext 让接下来 n 次某类任务的投递失败。
func (q *fakeQueue) failNext(kind tasks.Kind, n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failures == nil {
		q.failures = map[tasks.Kind]int{}
	}
	q.failures[kind] = n
}

// drop 从队列中移除某类任务，不影响投递记录，返回移除的数量。
func (q *fakeQueue) drop(kind tasks.Kind) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	dropped := 0
	for _, it := range q.items {
		if it.task.Kind == kind {
			dropped++
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
	return dropped
}

// enqueued 返回曾经投递过的某类任务。
func (q *fakeQueue) enqueued(kind tasks.Kind) []queued {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []queued
	for _, it := range q.log {
		if it.task.Kind == kind {
			out = append(out, it)
		}
	}
	return out
}

// flakyStore 让指定序号的 Get 调用失败，序号从 1 开始。
type flakyStore struct {
	storage.BlobStore
	mu       sync.Mutex
	gets     int
	failGets map[int]bool
}

func (s *flakyStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	s.gets++
	n := s.gets
	s.mu.Unlock()
	if s.failGets[n] {
		return nil, fmt.Errorf("连接被重置 (get #%d)", n)
	}
	return s.BlobStore.Get(ctx, key)
}

type fakeMatcher struct {
	mu       sync.Mutex
	known    map[string]string
	failWith map[string]bool
	calls    int
}

func (m *fakeMatcher) MatchBatch(_ context.Context, keys []es.PartKey) (es.MatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	res := es.MatchResult{Matched: map[uint]string{}}
	for _, k := range keys {
		if m.failWith[k.PartNumber] {
			return es.MatchResult{}, errors.New("search cluster unavailable")
		}
		if ext, ok := m.known[k.PartNumber]; ok {
			res.Matched[k.ID] = ext
		}
	}
	return res, nil
}

type harness struct {
	t       *testing.T
	db      *gorm.DB
	mem     *storage.MemoryStore
	store   storage.BlobStore
	queue   *fakeQueue
	matcher *fakeMatcher
	proc    *Processor
	uploads repository.UploadRepository
	chunks  repository.ChunkRepository
	parts   repository.PartRepository
	now     time.Time
	cfg     config.IngestConfig
}

type harnessOption func(*harness)

func withStore(wrap func(storage.BlobStore) storage.BlobStore) harnessOption {
	return func(h *harness) { h.store = wrap(h.mem) }
}

func withIngest(mutate func(*config.IngestConfig)) harnessOption {
	return func(h *harness) { mutate(&h.cfg) }
}

func testIngestConfig(t *testing.T) config.IngestConfig {
	cfg := config.Default().Ingest
	cfg.ScratchDir = t.TempDir()
	cfg.DirectRowLimit = 5
	cfg.ChunkSize = 10
	cfg.ChunkMaxAttempts = 2
	cfg.UpsertBatchSize = 4
	cfg.AttributeBatchSize = 7
	return cfg
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	db := testutil.NewDB(t)
	mem := storage.NewMemoryStore()
	h := &harness{
		t:       t,
		db:      db,
		mem:     mem,
		store:   mem,
		queue:   &fakeQueue{},
		matcher: &fakeMatcher{known: map[string]string{}},
		uploads: repository.NewUploadRepository(db),
		chunks:  repository.NewChunkRepository(db),
		parts:   repository.NewPartRepository(db),
		now:     time.Now(),
		cfg:     testIngestConfig(t),
	}
	for _, opt := range opts {
		opt(h)
	}
	enrichCfg := config.Default().Enrichment
	enrichCfg.BatchSize = 3
	enrichCfg.BatchInterval = 0
	h.proc = NewProcessor(Deps{
		DB:         db,
		Store:      h.store,
		Queue:      h.queue,
		Matcher:    h.matcher,
		Ingest:     h.cfg,
		Enrichment: enrichCfg,
		Now:        func() time.Time { return h.now },
	})
	return h
}

// submit 暂存文件、创建 pending 上传并投递第一个任务。
func (h *harness) submit(name string, data []byte, datasetContext string) *model.Upload {
	h.t.Helper()
	ctx := context.Background()
	kind := model.UploadKindSpreadsheet
	first := tasks.KindAnalyze
	if strings.HasSuffix(strings.ToLower(name), ".zip") {
		kind = model.UploadKindArchive
		first = tasks.KindExpandArchive
	}
	u := &model.Upload{
		FileName:       name,
		Kind:           kind,
		Status:         model.UploadPending,
		BatchID:        "batch-test",
		DatasetContext: datasetContext,
		FileSize:       int64(len(data)),
	}
	require.NoError(h.t, h.uploads.Create(ctx, u))
	u.ObjectKey = fmt.Sprintf("uploads/batch-test/%d/%s", u.ID, name)
	require.NoError(h.t, h.mem.Put(ctx, u.ObjectKey, bytes.NewReader(data), int64(len(data))))
	require.NoError(h.t, h.db.Model(u).Update("object_key", u.ObjectKey).Error)
	require.NoError(h.t, h.queue.Enqueue(ctx, tasks.Task{Kind: first, UploadID: u.ID, Attempt: 1, MaxAttempts: 3}, 0))
	return u
}

// step 处理队首任务，失败时按消费者的规则重新投递。
func (h *harness) step() (task tasks.Task, ok bool, err error) {
	item, ok := h.queue.pop()
	if !ok {
		return tasks.Task{}, false, nil
	}
	err = h.proc.Process(context.Background(), item.task)
	if err != nil && !IsPermanent(err) && item.task.CanRetry() {
		_ = h.queue.Enqueue(context.Background(), item.task.Next(), 0)
	}
	return item.task, true, err
}

// drain 处理队列直到为空。
func (h *harness) drain() {
	h.t.Helper()
	for i := 0; i < 1000; i++ {
		if _, ok, _ := h.step(); !ok {
			return
		}
	}
	h.t.Fatalf("队列在 1000 步内没有清空，剩余 %d 个任务", h.queue.len())
}

func (h *harness) upload(id uint) *model.Upload {
	h.t.Helper()
	u, err := h.uploads.Get(context.Background(), id)
	require.NoError(h.t, err)
	return u
}

func (h *harness) logs(id uint) []string {
	h.t.Helper()
	logs, err := h.uploads.Logs(context.Background(), id)
	require.NoError(h.t, err)
	out := make([]string, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Message)
	}
	return out
}

func (h *harness) partCount(datasetContext string) int64 {
	h.t.Helper()
	n, err := h.parts.CountByContext(context.Background(), datasetContext)
	require.NoError(h.t, err)
	return n
}

func containsLine(lines []string, substr string) bool {
	for _, l := range lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

// csvFile 生成带表头的 CSV，行号从 start 开始。
func csvFile(rows, start int) []byte {
	var b strings.Builder
	b.WriteString("Part Number,Description,Manufacturer,Package\n")
	for i := start; i < start+rows; i++ {
		fmt.Fprintf(&b, "PN-%04d,Part %d,TI,SOIC-%d\n", i, i, i%16)
	}
	return []byte(b.String())
}

func zipFile(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}
