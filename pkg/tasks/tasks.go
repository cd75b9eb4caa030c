// Package tasks defines the messages that travel through the work queue.
// Every task carries all of its inputs so that any worker process can run it.
package tasks

import (
	"fmt"
	"time"
)

// Kind names the handler a task is routed to.
type Kind string

const (
	KindAnalyze          Kind = "analyze"
	KindExpandArchive    Kind = "expand_archive"
	KindProcessChunk     Kind = "process_chunk"
	KindAggregateUpload  Kind = "aggregate_upload"
	KindAggregateArchive Kind = "aggregate_archive"
	KindEnrich           Kind = "enrich"
)

// Task is the unit of work sent to Kafka.
type Task struct {
	Kind     Kind   `json:"kind"`
	UploadID uint   `json:"upload_id"`
	ChunkID  uint   `json:"chunk_id,omitempty"`
	// RecordIDs 只在 enrich 任务中使用。
	RecordIDs []uint `json:"record_ids,omitempty"`
	// Attempt 从 1 开始，由消费者在重试时递增。
	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"max_attempts"`
	// Poll 是聚合器已经自我重排的次数，用于计算退避。
	Poll       int       `json:"poll,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Key 用作 Kafka 消息 key。分块任务按分块打散到各分区以便并行消费，
// 其余任务按上传聚合到同一分区。
func (t Task) Key() []byte {
	if t.Kind == KindProcessChunk && t.ChunkID != 0 {
		return []byte(fmt.Sprintf("chunk-%d", t.ChunkID))
	}
	return []byte(fmt.Sprintf("upload-%d", t.UploadID))
}

// String 返回适合日志的简短描述。
func (t Task) String() string {
	if t.ChunkID != 0 {
		return fmt.Sprintf("%s(upload=%d, chunk=%d, attempt=%d)", t.Kind, t.UploadID, t.ChunkID, t.Attempt)
	}
	return fmt.Sprintf("%s(upload=%d, attempt=%d)", t.Kind, t.UploadID, t.Attempt)
}

// CanRetry 报告任务是否还有剩余的重试次数。
func (t Task) CanRetry() bool {
	max := t.MaxAttempts
	if max <= 0 {
		max = 1
	}
	return t.Attempt < max
}

// Next 返回用于下一次投递的副本。
func (t Task) Next() Task {
	n := t
	n.Attempt++
	n.EnqueuedAt = time.Now()
	return n
}
