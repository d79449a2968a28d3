// Package queue delivers serialized events at least once.
//
// Two backends share one interface:
//
//   - MemoryQueue: a buffered channel. Nothing survives a restart; suited to
//     single-process deployments and tests.
//   - RedisQueue: a Redis list (RPUSH / BLPOP). Survives restarts and can be
//     drained by several workers.
//
// Items that keep failing are parked in a DeadLetterQueue, from which they
// can be listed and re-enqueued.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Queue holds opaque JSON payloads in FIFO order
type Queue interface {
	// Enqueue appends a payload
	Enqueue(ctx context.Context, payload []byte) error

	// Dequeue blocks until at least one payload is available, then returns up to maxItems
	Dequeue(ctx context.Context, maxItems int) ([][]byte, error)

	// DequeueWithTimeout is Dequeue bounded by timeout; it returns an empty batch on expiry
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([][]byte, error)

	Length(ctx context.Context) (int, error)
	Close() error
}

// DeadLetterQueue parks payloads that exhausted their retries
type DeadLetterQueue interface {
	Add(ctx context.Context, payload []byte, cause error) error

	// List returns parked items, oldest first. maxItems <= 0 means all.
	List(ctx context.Context, maxItems int) ([]DeadLetterItem, error)

	Get(ctx context.Context, id string) (*DeadLetterItem, error)
	Remove(ctx context.Context, id string) error
	Close() error
}

// DeadLetterItem is a parked payload and the error that parked it
type DeadLetterItem struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error"`
	Timestamp time.Time       `json:"timestamp"`
}

// Config holds worker-side queue settings
type Config struct {
	// QueueName is the Redis key suffix ("queue:<name>", "dlq:<name>")
	QueueName string

	// BatchSize is the maximum number of items handled per batch
	BatchSize int

	// BatchTimeout bounds how long a worker waits for a partial batch
	BatchTimeout time.Duration

	// MaxRetries is the number of retries after the first attempt
	MaxRetries int

	// RetryBackoff is the initial backoff, doubled on every retry
	RetryBackoff time.Duration
}

// DefaultConfig returns default queue configuration
func DefaultConfig(queueName string) *Config {
	return &Config{
		QueueName:    queueName,
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 1 * time.Second,
	}
}
