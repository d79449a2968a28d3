package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"usage_meter/internal/models"
)

// MemoryStore is an in-process Store. Message transactions are serialized
// with per-key locks and stage their writes until commit.
type MemoryStore struct {
	mu          sync.RWMutex
	messages    map[string]models.Message
	attachments map[string]models.Attachment
	annotations map[string]int64
	costs       map[string]models.CostRecord
	daily       map[string]models.DailyUsage

	messageLocks *keyedMutex
	dailyLocks   *keyedMutex

	conflictMu        sync.Mutex
	pendingConflicts  int
	injectedConflicts int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:     make(map[string]models.Message),
		attachments:  make(map[string]models.Attachment),
		annotations:  make(map[string]int64),
		costs:        make(map[string]models.CostRecord),
		daily:        make(map[string]models.DailyUsage),
		messageLocks: newKeyedMutex(),
		dailyLocks:   newKeyedMutex(),
	}
}

func dailyKey(userID string, day time.Time) string {
	return userID + "|" + models.UsageDay(day).Format(models.DayLayout)
}

//
// Seeding (the message and attachment stores are owned elsewhere)
//

// PutMessage inserts or replaces a message
func (s *MemoryStore) PutMessage(msg *models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ID] = *msg
}

// PutAttachment inserts or replaces an attachment
func (s *MemoryStore) PutAttachment(a *models.Attachment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachments[a.ID] = *a
}

// LinkAttachment sets the owning message of an attachment
func (s *MemoryStore) LinkAttachment(attachmentID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attachments[attachmentID]
	if !ok {
		return ErrAttachmentNotFound
	}
	a.MessageID = &messageID
	s.attachments[attachmentID] = a
	return nil
}

// SetAnnotationCount sets the number of web-search annotations on a message
func (s *MemoryStore) SetAnnotationCount(messageID string, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.annotations[messageID] = n
}

// SimulateConflicts makes the next n message transactions roll back with ErrConflict
func (s *MemoryStore) SimulateConflicts(n int) {
	s.conflictMu.Lock()
	defer s.conflictMu.Unlock()
	s.pendingConflicts = n
}

// InjectedConflicts returns how many transactions were rolled back by SimulateConflicts
func (s *MemoryStore) InjectedConflicts() int {
	s.conflictMu.Lock()
	defer s.conflictMu.Unlock()
	return s.injectedConflicts
}

func (s *MemoryStore) takeConflict() bool {
	s.conflictMu.Lock()
	defer s.conflictMu.Unlock()
	if s.pendingConflicts == 0 {
		return false
	}
	s.pendingConflicts--
	s.injectedConflicts++
	return true
}

//
// Reader
//

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return &msg, nil
}

func (s *MemoryStore) ListReadyAttachments(ctx context.Context, messageID string, source models.AttachmentSource) ([]models.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Attachment
	for _, a := range s.attachments {
		if a.LinkedTo(messageID, source) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CountAnnotations(ctx context.Context, messageID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.annotations[messageID], nil
}

func (s *MemoryStore) GetCostRecord(ctx context.Context, messageID string) (*models.CostRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.costs[messageID]
	if !ok {
		return nil, ErrCostRecordNotFound
	}
	return &rec, nil
}

//
// Store
//

func (s *MemoryStore) GetAttachment(ctx context.Context, id string) (*models.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.attachments[id]
	if !ok {
		return nil, ErrAttachmentNotFound
	}
	return &a, nil
}

func (s *MemoryStore) ListPairedAssistantMessages(ctx context.Context, userMessageID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for _, m := range s.messages {
		if m.IsAssistant() && m.PairedUserMessageID != nil && *m.PairedUserMessageID == userMessageID {
			ids = append(ids, m.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) GetDailyUsage(ctx context.Context, userID string, day time.Time) (*models.DailyUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.daily[dailyKey(userID, day)]
	if !ok {
		return models.NewDailyUsage(userID, day), nil
	}
	return &d, nil
}

func (s *MemoryStore) WithMessageTx(ctx context.Context, messageID string, fn func(tx Tx) error) error {
	unlock, err := s.messageLocks.Lock(ctx, messageID)
	if err != nil {
		return fmt.Errorf("failed to lock message %s: %w", messageID, err)
	}
	defer unlock()

	tx := &memoryTx{
		store: s,
		costs: make(map[string]models.CostRecord),
		daily: make(map[string]models.DailyUsage),
		held:  make(map[string]func()),
	}
	defer tx.releaseAll()

	if err := fn(tx); err != nil {
		return err
	}

	if s.takeConflict() {
		return ErrConflict
	}

	tx.commit()
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// memoryTx stages writes and holds daily row locks until the tx ends
type memoryTx struct {
	store *MemoryStore
	costs map[string]models.CostRecord
	daily map[string]models.DailyUsage
	held  map[string]func()
}

func (tx *memoryTx) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	return tx.store.GetMessage(ctx, id)
}

func (tx *memoryTx) ListReadyAttachments(ctx context.Context, messageID string, source models.AttachmentSource) ([]models.Attachment, error) {
	return tx.store.ListReadyAttachments(ctx, messageID, source)
}

func (tx *memoryTx) CountAnnotations(ctx context.Context, messageID string) (int64, error) {
	return tx.store.CountAnnotations(ctx, messageID)
}

func (tx *memoryTx) GetCostRecord(ctx context.Context, messageID string) (*models.CostRecord, error) {
	if rec, ok := tx.costs[messageID]; ok {
		return &rec, nil
	}
	return tx.store.GetCostRecord(ctx, messageID)
}

func (tx *memoryTx) UpsertCostRecord(ctx context.Context, rec *models.CostRecord) error {
	tx.costs[rec.MessageID] = *rec
	return nil
}

func (tx *memoryTx) LockDailyUsage(ctx context.Context, userID string, day time.Time) (*models.DailyUsage, error) {
	key := dailyKey(userID, day)

	if d, ok := tx.daily[key]; ok {
		return &d, nil
	}

	if _, ok := tx.held[key]; !ok {
		unlock, err := tx.store.dailyLocks.Lock(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to lock daily usage: %w", err)
		}
		tx.held[key] = unlock
	}

	d, err := tx.store.GetDailyUsage(ctx, userID, day)
	if err != nil {
		return nil, err
	}
	tx.daily[key] = *d
	return d, nil
}

func (tx *memoryTx) SaveDailyUsage(ctx context.Context, d *models.DailyUsage) error {
	key := dailyKey(d.UserID, d.Day)
	if _, ok := tx.held[key]; !ok {
		return fmt.Errorf("daily usage %s saved without lock", key)
	}
	tx.daily[key] = *d
	return nil
}

func (tx *memoryTx) commit() {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	for id, rec := range tx.costs {
		tx.store.costs[id] = rec
	}
	for key, d := range tx.daily {
		tx.store.daily[key] = d
	}
}

func (tx *memoryTx) releaseAll() {
	for key, unlock := range tx.held {
		unlock()
		delete(tx.held, key)
	}
}
