package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"catalog-ingest-go/pkg/tasks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcProcessor func(ctx context.Context, task tasks.Task) error

func (f funcProcessor) Process(ctx context.Context, task tasks.Task) error { return f(ctx, task) }

type delayed struct {
	task  tasks.Task
	delay time.Duration
}

type recordingRetrier struct {
	got []delayed
}

func (r *recordingRetrier) Enqueue(_ context.Context, task tasks.Task, delay time.Duration) error {
	r.got = append(r.got, delayed{task: task, delay: delay})
	return nil
}

func newTestConsumer(p TaskProcessor, r Retrier) *consumer {
	return &consumer{processor: p, retrier: r, opts: ConsumerOptions{ChunkTimeout: time.Second, RetryBackoff: 2 * time.Second}}
}

func TestHandleRetriesWithBackoff(t *testing.T) {
	r := &recordingRetrier{}
	c := newTestConsumer(funcProcessor(func(context.Context, tasks.Task) error {
		return errors.New("deadlock")
	}), r)

	c.handle(context.Background(), tasks.Task{Kind: tasks.KindProcessChunk, UploadID: 1, ChunkID: 2, Attempt: 2, MaxAttempts: 3})

	require.Len(t, r.got, 1)
	assert.Equal(t, 3, r.got[0].task.Attempt)
	assert.Equal(t, 4*time.Second, r.got[0].delay)
}

func TestHandleDropsPermanentAndExhaustedFailures(t *testing.T) {
	r := &recordingRetrier{}
	permanent := newTestConsumer(funcProcessor(func(context.Context, tasks.Task) error {
		return tasks.Permanent(errors.New("unsupported file"))
	}), r)
	permanent.handle(context.Background(), tasks.Task{Kind: tasks.KindAnalyze, Attempt: 1, MaxAttempts: 3})

	exhausted := newTestConsumer(funcProcessor(func(context.Context, tasks.Task) error {
		return errors.New("timeout")
	}), r)
	exhausted.handle(context.Background(), tasks.Task{Kind: tasks.KindProcessChunk, Attempt: 3, MaxAttempts: 3})

	assert.Empty(t, r.got)
}

func TestHandleRecoversPanics(t *testing.T) {
	r := &recordingRetrier{}
	c := newTestConsumer(funcProcessor(func(context.Context, tasks.Task) error {
		panic("nil map")
	}), r)

	assert.NotPanics(t, func() {
		c.handle(context.Background(), tasks.Task{Kind: tasks.KindEnrich, Attempt: 1, MaxAttempts: 2})
	})
	assert.Len(t, r.got, 1)
}

func TestHandleAppliesChunkTimeout(t *testing.T) {
	var deadline bool
	c := newTestConsumer(funcProcessor(func(ctx context.Context, task tasks.Task) error {
		_, deadline = ctx.Deadline()
		return nil
	}), &recordingRetrier{})

	c.handle(context.Background(), tasks.Task{Kind: tasks.KindProcessChunk, Attempt: 1})
	assert.True(t, deadline)

	c.handle(context.Background(), tasks.Task{Kind: tasks.KindAggregateUpload, Attempt: 1})
	assert.False(t, deadline)
}

func TestBrokersAndBackoff(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, brokers(" a:9092, ,b:9092"))
	assert.Equal(t, time.Second, backoff(0, 1))
	assert.Equal(t, 8*time.Second, backoff(time.Second, 4))
}
