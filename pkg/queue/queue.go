// Package queue 在 Kafka 之上提供延迟投递：立即任务直接写入 Kafka，
// 延迟任务先进入 Redis 有序集合，到期后由 Pump 转发。
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"catalog-ingest-go/internal/config"
	"catalog-ingest-go/pkg/log"
	"catalog-ingest-go/pkg/tasks"

	"github.com/go-redis/redis/v8"
)

// Producer 是立即投递的下游，生产环境中为 *kafka.Producer。
type Producer interface {
	Produce(ctx context.Context, task tasks.Task) error
}

const pumpBatch = 100

// Queue 实现 pipeline.TaskQueue。
type Queue struct {
	rdb      *redis.Client
	producer Producer
	key      string
	interval time.Duration
}

// New 创建一个延迟队列，rdb 可以为 nil，此时所有任务都立即投递。
func New(rdb *redis.Client, producer Producer, cfg config.KafkaConfig) *Queue {
	interval := cfg.PumpInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &Queue{rdb: rdb, producer: producer, key: cfg.DelayQueueKey, interval: interval}
}

// Enqueue 投递一个任务；delay > 0 时写入 Redis，在到期后由 Pump 转发。
func (q *Queue) Enqueue(ctx context.Context, task tasks.Task, delay time.Duration) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}
	if task.Attempt == 0 {
		task.Attempt = 1
	}
	if delay <= 0 || q.rdb == nil {
		return q.producer.Produce(ctx, task)
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	due := time.Now().Add(delay)
	if err := q.rdb.ZAdd(ctx, q.key, &redis.Z{Score: float64(due.UnixMilli()), Member: payload}).Err(); err != nil {
		return fmt.Errorf("写入延迟队列失败: %w", err)
	}
	return nil
}

// Pump 周期性地把到期任务转发到 Kafka，直到 ctx 结束。
func (q *Queue) Pump(ctx context.Context) error {
	if q.rdb == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	log.Infof("[DelayQueue] 延迟队列转发已启动, key=%s, interval=%s", q.key, q.interval)
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for {
				n, err := q.pumpOnce(ctx, time.Now())
				if err != nil {
					if ctx.Err() == nil {
						log.Error("[DelayQueue] 转发延迟任务失败", err)
					}
					break
				}
				if n < pumpBatch {
					break
				}
			}
		}
	}
}

// pumpOnce 转发最多 pumpBatch 个到期任务，返回扫描到的到期任务数。
func (q *Queue) pumpOnce(ctx context.Context, now time.Time) (int, error) {
	members, err := q.rdb.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: pumpBatch,
	}).Result()
	if err != nil {
		return 0, err
	}

	for _, m := range members {
		// 只有成功 ZREM 的实例负责转发，多个 worker 进程同时运行时任务不会重复投递。
		removed, err := q.rdb.ZRem(ctx, q.key, m).Result()
		if err != nil {
			return 0, err
		}
		if removed == 0 {
			continue
		}

		var task tasks.Task
		if err := json.Unmarshal([]byte(m), &task); err != nil {
			log.Errorf("[DelayQueue] 丢弃无法解析的延迟任务: %v, value: %s", err, m)
			continue
		}
		if err := q.producer.Produce(ctx, task); err != nil {
			// 放回集合，下一轮再试。
			q.rdb.ZAdd(ctx, q.key, &redis.Z{Score: float64(now.UnixMilli()), Member: m})
			return 0, fmt.Errorf("转发任务 %s 失败: %w", task, err)
		}
	}
	return len(members), nil
}
