package models

import (
	"time"
)

//
// Messages and attachments (messages, attachments, annotations tables)
//

type MessageRole string
type AttachmentSource string
type AttachmentStatus string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"

	SourceUser      AttachmentSource = "user"
	SourceAssistant AttachmentSource = "assistant"

	AttachmentReady   AttachmentStatus = "ready"
	AttachmentDeleted AttachmentStatus = "deleted"
)

// Valid reports whether s is a known attachment source
func (s AttachmentSource) Valid() bool {
	return s == SourceUser || s == SourceAssistant
}

// Message is one turn of a conversation as seen by the metering engine.
// Token fields are provider-reported and never mutated here; corrected values
// live on the CostRecord.
type Message struct {
	ID             string      `db:"id" json:"id"`
	ConversationID string      `db:"conversation_id" json:"conversation_id"`
	UserID         string      `db:"user_id" json:"user_id"`
	Role           MessageRole `db:"role" json:"role"`
	ModelID        string      `db:"model_id" json:"model_id,omitempty"`

	// Set on assistant messages only
	PairedUserMessageID *string `db:"paired_user_message_id" json:"paired_user_message_id,omitempty"`

	PromptTokens      int64  `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens  int64  `db:"completion_tokens" json:"completion_tokens"`
	OutputImageTokens *int64 `db:"output_image_tokens" json:"output_image_tokens,omitempty"`
	OutputImageIntent bool   `db:"output_image_intent" json:"output_image_intent"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// IsAssistant reports whether the message is billable
func (m *Message) IsAssistant() bool {
	return m != nil && m.Role == RoleAssistant
}

// ReportedOutputImageTokens returns the provider-reported image token count.
// Zero and absent are both treated as "not reported".
func (m *Message) ReportedOutputImageTokens() (int64, bool) {
	if m.OutputImageTokens == nil || *m.OutputImageTokens <= 0 {
		return 0, false
	}
	return *m.OutputImageTokens, true
}

// UsageDay is the calendar day (UTC) the message is billed against
func (m *Message) UsageDay() time.Time {
	return UsageDay(m.CreatedAt)
}

// Attachment is a stored media object, linked to at most one message
type Attachment struct {
	ID        string           `db:"id" json:"id"`
	MessageID *string          `db:"message_id" json:"message_id,omitempty"`
	Source    AttachmentSource `db:"source" json:"source"`
	Status    AttachmentStatus `db:"status" json:"status"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
}

// LinkedTo reports whether the attachment is ready and linked to messageID with the given source
func (a *Attachment) LinkedTo(messageID string, source AttachmentSource) bool {
	return a.MessageID != nil && *a.MessageID == messageID &&
		a.Source == source && a.Status == AttachmentReady
}
