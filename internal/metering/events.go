package metering

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"usage_meter/internal/models"
	"usage_meter/internal/queue"
)

// EventKind selects the hook an event is dispatched to
type EventKind string

const (
	EventAssistantMessageCreated EventKind = "assistant_message_created"
	EventAttachmentLinked        EventKind = "attachment_linked"
	EventManualRecompute         EventKind = "manual_recompute"
)

// RecomputeEvent is a hook invocation in transit
type RecomputeEvent struct {
	ID           string                  `json:"id"`
	Kind         EventKind               `json:"kind"`
	MessageID    string                  `json:"message_id"`
	AttachmentID string                  `json:"attachment_id,omitempty"`
	Source       models.AttachmentSource `json:"source,omitempty"`
	EnqueuedAt   time.Time               `json:"enqueued_at"`
}

func decodeEvent(payload []byte) (*RecomputeEvent, error) {
	var ev RecomputeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode recompute event: %w", err)
	}
	if ev.MessageID == "" {
		return nil, fmt.Errorf("recompute event %s has no message id", ev.ID)
	}
	return &ev, nil
}

// Publisher enqueues hook invocations for the EventWorker. Delivery is at
// least once; the orchestrator absorbs duplicates.
type Publisher struct {
	queue queue.Queue
	now   func() time.Time
}

func NewPublisher(q queue.Queue) *Publisher {
	return &Publisher{queue: q, now: time.Now}
}

func (p *Publisher) PublishAssistantMessageCreated(ctx context.Context, messageID string) (*RecomputeEvent, error) {
	return p.publish(ctx, &RecomputeEvent{Kind: EventAssistantMessageCreated, MessageID: messageID})
}

func (p *Publisher) PublishAttachmentLinked(ctx context.Context, attachmentID, messageID string, source models.AttachmentSource) (*RecomputeEvent, error) {
	if !source.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSource, source)
	}
	return p.publish(ctx, &RecomputeEvent{
		Kind:         EventAttachmentLinked,
		MessageID:    messageID,
		AttachmentID: attachmentID,
		Source:       source,
	})
}

func (p *Publisher) PublishManualRecompute(ctx context.Context, messageID string) (*RecomputeEvent, error) {
	return p.publish(ctx, &RecomputeEvent{Kind: EventManualRecompute, MessageID: messageID})
}

func (p *Publisher) publish(ctx context.Context, ev *RecomputeEvent) (*RecomputeEvent, error) {
	ev.ID = uuid.NewString()
	ev.EnqueuedAt = p.now().UTC()

	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode recompute event: %w", err)
	}
	if err := p.queue.Enqueue(ctx, payload); err != nil {
		return nil, fmt.Errorf("failed to enqueue recompute event: %w", err)
	}
	return ev, nil
}
