package logging

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSinkFull is returned when the buffer cannot accept another record
var ErrSinkFull = errors.New("audit sink buffer full")

// ErrSinkClosed is returned after Shutdown
var ErrSinkClosed = errors.New("audit sink closed")

// BatchWriter persists a batch of audit records and returns where they went
type BatchWriter interface {
	WriteBatch(ctx context.Context, records []*CostAuditRecord) (string, error)
}

// BufferedSinkConfig holds the buffering knobs
type BufferedSinkConfig struct {
	BufferSize    int
	FlushSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

// BufferedSink batches audit records in memory and flushes them to a
// BatchWriter when the batch is full or the flush interval elapses.
type BufferedSink struct {
	writer BatchWriter
	config BufferedSinkConfig
	logger *Logger

	recCh  chan *CostAuditRecord
	doneCh chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewBufferedSink creates the sink and starts its flush goroutine
func NewBufferedSink(writer BatchWriter, config BufferedSinkConfig) *BufferedSink {
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.FlushSize <= 0 {
		config.FlushSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Minute
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 30 * time.Second
	}

	s := &BufferedSink{
		writer: writer,
		config: config,
		logger: NewLogger("audit-sink"),
		recCh:  make(chan *CostAuditRecord, config.BufferSize),
		doneCh: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()

	return s
}

// Enqueue queues a record without blocking. If the buffer is full the record is dropped.
func (s *BufferedSink) Enqueue(rec *CostAuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}

	select {
	case s.recCh <- rec:
		return nil
	default:
		s.logger.Warn("Audit buffer full, dropping record", "message_id", rec.MessageID)
		return ErrSinkFull
	}
}

// Shutdown flushes buffered records and stops the flush goroutine
func (s *BufferedSink) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.doneCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *BufferedSink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]*CostAuditRecord, 0, s.config.FlushSize)

	for {
		select {
		case rec := <-s.recCh:
			batch = append(batch, rec)
			if len(batch) >= s.config.FlushSize {
				batch = s.flush(batch)
			}
		case <-ticker.C:
			batch = s.flush(batch)
		case <-s.doneCh:
			// Drain what is left
			for {
				select {
				case rec := <-s.recCh:
					batch = append(batch, rec)
				default:
					s.flush(batch)
					return
				}
			}
		}
	}
}

func (s *BufferedSink) flush(batch []*CostAuditRecord) []*CostAuditRecord {
	if len(batch) == 0 {
		return batch
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.WriteTimeout)
	defer cancel()

	if _, err := s.writer.WriteBatch(ctx, batch); err != nil {
		s.logger.Error("Failed to write audit batch", "count", len(batch), "error", err)
	}

	return make([]*CostAuditRecord, 0, s.config.FlushSize)
}
