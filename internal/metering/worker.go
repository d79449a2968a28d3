package metering

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"usage_meter/internal/logging"
	"usage_meter/internal/metrics"
	"usage_meter/internal/queue"
)

// Event results reported to metrics
const (
	eventProcessed  = "processed"
	eventRetried    = "retried"
	eventDeadLetter = "dead_letter"
)

// EventWorker drains recompute events and dispatches them to the orchestrator
type EventWorker struct {
	queue        queue.Queue
	dlq          queue.DeadLetterQueue
	orchestrator *Orchestrator
	config       *queue.Config
	metrics      metrics.Metrics
	logger       *logging.Logger

	stopOnce    sync.Once
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewEventWorker creates a worker. dlq may be nil, in which case exhausted
// events are dropped after logging.
func NewEventWorker(q queue.Queue, dlq queue.DeadLetterQueue, orchestrator *Orchestrator, config *queue.Config, m metrics.Metrics) *EventWorker {
	if config == nil {
		config = queue.DefaultConfig("recompute")
	}
	if m == nil {
		m = metrics.NewNoopMetrics()
	}

	return &EventWorker{
		queue:        q,
		dlq:          dlq,
		orchestrator: orchestrator,
		config:       config,
		metrics:      m,
		logger:       logging.NewLogger("event-worker"),
		stopChan:     make(chan struct{}),
		stoppedChan:  make(chan struct{}),
	}
}

// Start starts the worker goroutine
func (w *EventWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop waits for the current batch to finish. Start must have been called.
func (w *EventWorker) Stop() error {
	w.stopOnce.Do(func() { close(w.stopChan) })
	<-w.stoppedChan
	return nil
}

func (w *EventWorker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Event worker stopping")
			return
		case <-ctx.Done():
			w.logger.Info("Event worker context cancelled")
			return
		default:
			w.processBatch(ctx)
		}
	}
}

func (w *EventWorker) processBatch(ctx context.Context) {
	payloads, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, w.config.BatchTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Error("Failed to dequeue recompute events", "error", err)
		// Back off on error
		select {
		case <-time.After(time.Second):
		case <-w.stopChan:
		case <-ctx.Done():
		}
		return
	}

	if len(payloads) > 0 {
		w.logger.Debug("Processing recompute batch", "count", len(payloads))

		for _, payload := range payloads {
			if err := w.processPayload(ctx, payload); err != nil {
				w.logger.Error("Failed to process recompute event", "error", err)
			}
		}
	}

	w.reportQueueDepth(ctx)
}

func (w *EventWorker) reportQueueDepth(ctx context.Context) {
	n, err := w.QueueLength(ctx)
	if err != nil {
		w.logger.Debug("Failed to read queue length", "error", err)
		return
	}
	w.metrics.SetQueueDepth(n)
}

// processPayload handles one event with retries. Permanent failures go
// straight to the dead letter queue.
func (w *EventWorker) processPayload(ctx context.Context, payload []byte) error {
	ev, err := decodeEvent(payload)
	if err != nil {
		return w.deadLetter(ctx, payload, err)
	}

	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			w.logger.Debug("Retrying recompute event", "event_id", ev.ID, "attempt", attempt, "backoff", backoff)
			w.metrics.IncEvent(eventRetried)
			if err := sleep(ctx, backoff); err != nil {
				return err
			}
		}

		lastErr = w.dispatch(ctx, ev)
		if lastErr == nil {
			w.metrics.IncEvent(eventProcessed)
			return nil
		}
		if isPermanent(lastErr) {
			break
		}
		w.logger.Warn("Recompute event failed", "event_id", ev.ID, "message_id", ev.MessageID, "attempt", attempt, "error", lastErr)
	}

	return w.deadLetter(ctx, payload, lastErr)
}

// dispatch routes an event to its hook
func (w *EventWorker) dispatch(ctx context.Context, ev *RecomputeEvent) error {
	switch ev.Kind {
	case EventAssistantMessageCreated:
		_, err := w.orchestrator.OnAssistantMessageCreated(ctx, ev.MessageID)
		return err
	case EventAttachmentLinked:
		_, err := w.orchestrator.OnAttachmentLinked(ctx, ev.AttachmentID, ev.MessageID, ev.Source)
		return err
	case EventManualRecompute:
		_, err := w.orchestrator.Recompute(ctx, ev.MessageID, TriggerManual)
		return err
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}

func (w *EventWorker) deadLetter(ctx context.Context, payload []byte, cause error) error {
	w.metrics.IncEvent(eventDeadLetter)

	if w.dlq == nil {
		return fmt.Errorf("event dropped: %w", cause)
	}
	if err := w.dlq.Add(ctx, payload, cause); err != nil {
		w.logger.Error("Failed to add to dead letter queue", "error", err)
		return fmt.Errorf("event dropped: %w", cause)
	}

	w.logger.Warn("Recompute event moved to DLQ", "error", cause)
	return fmt.Errorf("%w: %w", queue.ErrMaxRetriesExceeded, cause)
}

// isPermanent reports errors that no retry can fix. Only storage failures,
// surfaced as RecomputeError, are worth retrying.
func isPermanent(err error) bool {
	var re *RecomputeError
	return !errors.As(err, &re)
}

// QueueLength returns the number of pending events
func (w *EventWorker) QueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}

// DeadLetterItems lists parked events, oldest first
func (w *EventWorker) DeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetterItem, error) {
	if w.dlq == nil {
		return nil, fmt.Errorf("dead letter queue not configured")
	}
	return w.dlq.List(ctx, maxItems)
}

// RetryDeadLetterItem re-enqueues a parked event
func (w *EventWorker) RetryDeadLetterItem(ctx context.Context, id string) error {
	if w.dlq == nil {
		return fmt.Errorf("dead letter queue not configured")
	}

	item, err := w.dlq.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := w.queue.Enqueue(ctx, item.Payload); err != nil {
		return fmt.Errorf("failed to re-enqueue item: %w", err)
	}
	if err := w.dlq.Remove(ctx, id); err != nil {
		return fmt.Errorf("failed to remove from DLQ: %w", err)
	}
	return nil
}
