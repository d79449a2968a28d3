package storage

import "errors"

var (
	// ErrMessageNotFound is returned when a message is not found
	ErrMessageNotFound = errors.New("message not found")

	// ErrAttachmentNotFound is returned when an attachment is not found
	ErrAttachmentNotFound = errors.New("attachment not found")

	// ErrCostRecordNotFound is returned when a message has no ledger entry yet
	ErrCostRecordNotFound = errors.New("cost record not found")

	// ErrConflict is returned when a transaction lost a serialization race
	// and can be retried as a whole
	ErrConflict = errors.New("concurrent update conflict")
)
