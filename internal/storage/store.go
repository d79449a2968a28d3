package storage

import (
	"context"
	"time"

	"usage_meter/internal/models"
)

// Reader is the read side shared by the store and its transactions
type Reader interface {
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	// ListReadyAttachments returns ready attachments linked to messageID with the given source
	ListReadyAttachments(ctx context.Context, messageID string, source models.AttachmentSource) ([]models.Attachment, error)
	CountAnnotations(ctx context.Context, messageID string) (int64, error)
	GetCostRecord(ctx context.Context, messageID string) (*models.CostRecord, error)
}

// Tx is one unit of work scoped to a single assistant message.
// Everything written through a Tx commits or rolls back together.
type Tx interface {
	Reader

	// UpsertCostRecord replaces the ledger entry for rec.MessageID
	UpsertCostRecord(ctx context.Context, rec *models.CostRecord) error

	// LockDailyUsage returns the (userID, day) rollup, creating an empty one
	// if needed, and holds it exclusively until the Tx ends
	LockDailyUsage(ctx context.Context, userID string, day time.Time) (*models.DailyUsage, error)
	SaveDailyUsage(ctx context.Context, d *models.DailyUsage) error
}

// Store is the durable state of the metering engine
type Store interface {
	Reader

	// WithMessageTx runs fn in a transaction that is serialized against every
	// other WithMessageTx for the same messageID. If fn returns an error the
	// transaction is rolled back. Serialization failures surface as ErrConflict.
	WithMessageTx(ctx context.Context, messageID string, fn func(tx Tx) error) error

	GetAttachment(ctx context.Context, id string) (*models.Attachment, error)
	// ListPairedAssistantMessages returns the ids of assistant messages paired with userMessageID
	ListPairedAssistantMessages(ctx context.Context, userMessageID string) ([]string, error)
	// GetDailyUsage returns the rollup, or an empty one if nothing was billed that day
	GetDailyUsage(ctx context.Context, userID string, day time.Time) (*models.DailyUsage, error)

	Ping(ctx context.Context) error
	Close() error
}
