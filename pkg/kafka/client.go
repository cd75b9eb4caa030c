// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"catalog-ingest-go/internal/config"
	"catalog-ingest-go/pkg/log"
	"catalog-ingest-go/pkg/metrics"
	"catalog-ingest-go/pkg/tasks"

	"github.com/segmentio/kafka-go"
)

// TaskProcessor defines the interface for any service that can process a task.
// This decouples the Kafka consumer from the concrete pipeline implementation.
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.Task) error
}

// Retrier 负责把失败的任务延迟后重新投递，通常由 queue.Queue 实现。
type Retrier interface {
	Enqueue(ctx context.Context, task tasks.Task, delay time.Duration) error
}

// Producer 是对 kafka.Writer 的薄封装。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	p := &Producer{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers(cfg.Brokers)...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}}
	log.Info("Kafka 生产者初始化成功")
	return p
}

// Produce 发送一个任务到 Kafka。
func (p *Producer) Produce(ctx context.Context, task tasks.Task) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: task.Key(), Value: taskBytes})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// ConsumerOptions 控制消费者的行为。
type ConsumerOptions struct {
	// ChunkTimeout 是单个 process_chunk 任务的处理时限，0 表示不限制。
	ChunkTimeout time.Duration
	// RetryBackoff 是第一次重试的延迟，之后按 2 的幂增长。
	RetryBackoff time.Duration
}

// StartConsumer 按 cfg.Concurrency 启动同一消费组内的多个 reader，阻塞直到 ctx 结束。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, opts ConsumerOptions, processor TaskProcessor, retrier Retrier) error {
	n := cfg.Concurrency
	if n <= 0 {
		n = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers(cfg.Brokers),
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10e6, // 10MB
			MaxWait:  500 * time.Millisecond,
		})
		c := &consumer{id: i, reader: r, processor: processor, retrier: retrier, opts: opts}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.run(ctx)
		}()
	}
	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'，并发数 %d", cfg.Topic, n)

	wg.Wait()
	return ctx.Err()
}

type consumer struct {
	id        int
	reader    *kafka.Reader
	processor TaskProcessor
	retrier   Retrier
	opts      ConsumerOptions
}

func (c *consumer) run(ctx context.Context) {
	defer func() {
		if err := c.reader.Close(); err != nil {
			log.Errorf("[Consumer-%d] 关闭 Kafka 消费者失败: %v", c.id, err)
		}
	}()

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("从 Kafka 读取消息失败", err)
			time.Sleep(time.Second)
			continue
		}

		var task tasks.Task
		if err := json.Unmarshal(m.Value, &task); err != nil {
			log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞队列
			c.commit(ctx, m)
			continue
		}
		if task.Attempt == 0 {
			task.Attempt = 1
		}

		c.handle(ctx, task)
		// 无论成功、重投还是放弃，offset 都要提交，重试通过延迟队列重新投递。
		c.commit(ctx, m)
	}
}

func (c *consumer) handle(ctx context.Context, task tasks.Task) {
	taskCtx := ctx
	if task.Kind == tasks.KindProcessChunk && c.opts.ChunkTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, c.opts.ChunkTimeout)
		defer cancel()
	}

	start := time.Now()
	err := c.safeProcess(taskCtx, task)
	metrics.TaskDuration.WithLabelValues(string(task.Kind)).Observe(time.Since(start).Seconds())
	if err == nil {
		log.Debugf("[Consumer-%d] 任务处理成功: %s", c.id, task)
		return
	}

	if tasks.IsPermanent(err) || !task.CanRetry() {
		log.Errorf("[Consumer-%d] 任务最终失败，不再重试: %s, error: %v", c.id, task, err)
		metrics.TasksTotal.WithLabelValues(string(task.Kind), "failed").Inc()
		return
	}

	delay := backoff(c.opts.RetryBackoff, task.Attempt)
	log.Warnf("[Consumer-%d] 任务失败，%s 后重试: %s, error: %v", c.id, delay, task, err)
	metrics.TasksTotal.WithLabelValues(string(task.Kind), "retried").Inc()
	if rerr := c.retrier.Enqueue(ctx, task.Next(), delay); rerr != nil {
		log.Errorf("[Consumer-%d] 重新投递任务失败: %s, error: %v", c.id, task, rerr)
	}
}

// safeProcess 把处理器中的 panic 转换为普通错误。
func (c *consumer) safeProcess(ctx context.Context, task tasks.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing %s: %v", task, r)
		}
	}()
	return c.processor.Process(ctx, task)
}

func (c *consumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
	}
}

func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 10 {
		attempt = 10
	}
	return base << (attempt - 1)
}

func brokers(list string) []string {
	var out []string
	for _, b := range strings.Split(list, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
