package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"usage_meter/internal/billing"
	"usage_meter/internal/logging"
	"usage_meter/internal/metrics"
	"usage_meter/internal/models"
	"usage_meter/internal/storage"
	"usage_meter/internal/usage"
)

// Trigger names what caused a recompute
type Trigger string

const (
	TriggerAssistantMessageCreated   Trigger = "assistant_message_created"
	TriggerUserAttachmentLinked      Trigger = "user_attachment_linked"
	TriggerAssistantAttachmentLinked Trigger = "assistant_attachment_linked"
	TriggerManual                    Trigger = "manual"
)

// Anomaly kinds, logged as anomaly=<kind>
const (
	AnomalyNegativeToken      = "negative_token"
	AnomalyAggregateUnderflow = "aggregate_underflow"
)

// Recompute outcomes reported to metrics
const (
	outcomeFirst     = "first"
	outcomeChanged   = "changed"
	outcomeUnchanged = "unchanged"
	outcomeError     = "error"
)

// PriceResolver returns the unit prices of a model. It never fails.
type PriceResolver interface {
	Resolve(ctx context.Context, modelID string) models.PricingSnapshot
}

// Config holds the conflict retry policy
type Config struct {
	MaxConflictRetries int
	RetryBackoff       time.Duration
}

// DefaultConfig returns the default retry policy
func DefaultConfig() Config {
	return Config{
		MaxConflictRetries: 5,
		RetryBackoff:       10 * time.Millisecond,
	}
}

// Result describes one committed recompute
type Result struct {
	MessageID      string             `json:"message_id"`
	Trigger        Trigger            `json:"trigger"`
	Previous       decimal.Decimal    `json:"previous_total"`
	New            decimal.Decimal    `json:"new_total"`
	Delta          decimal.Decimal    `json:"delta"`
	FirstRecompute bool               `json:"first_recompute"`
	Anomalies      []string           `json:"anomalies,omitempty"`
	Record         *models.CostRecord `json:"cost_record"`
}

// Orchestrator recomputes the cost of assistant messages. For one message it
// extracts usage, prices it, replaces the ledger entry and applies the delta
// to the daily rollup, all in a single transaction serialized per message.
type Orchestrator struct {
	store      storage.Store
	resolver   PriceResolver
	extractor  *usage.Extractor
	calculator *billing.Calculator
	ledger     *billing.Ledger
	aggregator *billing.Aggregator

	spend   billing.SpendMirror
	sink    logging.Sink
	metrics metrics.Metrics
	logger  *logging.Logger

	config Config
}

// Option configures optional collaborators of the orchestrator
type Option func(*Orchestrator)

// WithSpendMirror mirrors committed deltas into a hot spend counter.
// Mirror failures are logged and never fail a recompute.
func WithSpendMirror(m billing.SpendMirror) Option {
	return func(o *Orchestrator) { o.spend = m }
}

// WithAuditSink emits one audit record per committed recompute
func WithAuditSink(s logging.Sink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithMetrics records recompute outcomes and anomaly counts
func WithMetrics(m metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger replaces the default "metering" logger
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator creates an orchestrator. Optional collaborators default to no-ops.
func NewOrchestrator(store storage.Store, resolver PriceResolver, extractor *usage.Extractor, calculator *billing.Calculator, config Config, opts ...Option) *Orchestrator {
	if config.MaxConflictRetries < 0 {
		config.MaxConflictRetries = 0
	}

	o := &Orchestrator{
		store:      store,
		resolver:   resolver,
		extractor:  extractor,
		calculator: calculator,
		ledger:     billing.NewLedger(),
		aggregator: billing.NewAggregator(),
		spend:      billing.NewNoopSpendMirror(),
		sink:       logging.NewNoopSink(),
		metrics:    metrics.NewNoopMetrics(),
		logger:     logging.NewLogger("metering"),
		config:     config,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// OnAssistantMessageCreated is the hook called once an assistant message is persisted
func (o *Orchestrator) OnAssistantMessageCreated(ctx context.Context, messageID string) (*Result, error) {
	return o.Recompute(ctx, messageID, TriggerAssistantMessageCreated)
}

// OnAttachmentLinked is the hook called when an attachment is linked to a
// message. The stored attachment must be linked to messageID with the given
// source. A user attachment recomputes every assistant message paired with
// the user message; none paired yet is not an error.
func (o *Orchestrator) OnAttachmentLinked(ctx context.Context, attachmentID, messageID string, source models.AttachmentSource) ([]*Result, error) {
	if !source.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSource, source)
	}

	msg, err := o.store.GetMessage(ctx, messageID)
	if errors.Is(err, storage.ErrMessageNotFound) {
		return nil, fmt.Errorf("failed to load message %s: %w", messageID, err)
	}
	if err != nil {
		return nil, &RecomputeError{MessageID: messageID, Attempts: 1, Err: err}
	}

	if err := o.checkAttachment(ctx, attachmentID, messageID, source); err != nil {
		return nil, err
	}

	logger := o.logger.With("attachment_id", attachmentID, "message_id", messageID, "source", string(source))

	if source == models.SourceAssistant {
		if !msg.IsAssistant() {
			return nil, fmt.Errorf("%w: assistant attachment on %s message", ErrInvalidSource, msg.Role)
		}
		res, err := o.Recompute(ctx, messageID, TriggerAssistantAttachmentLinked)
		if err != nil {
			return nil, err
		}
		return []*Result{res}, nil
	}

	if msg.Role != models.RoleUser {
		return nil, fmt.Errorf("%w: user attachment on %s message", ErrInvalidSource, msg.Role)
	}

	ids, err := o.store.ListPairedAssistantMessages(ctx, messageID)
	if err != nil {
		return nil, &RecomputeError{MessageID: messageID, Attempts: 1, Err: err}
	}
	if len(ids) == 0 {
		logger.Debug("No paired assistant message yet")
		return []*Result{}, nil
	}

	results := make([]*Result, 0, len(ids))
	var errs []error
	for _, id := range ids {
		res, err := o.Recompute(ctx, id, TriggerUserAttachmentLinked)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// checkAttachment verifies the hook against the stored attachment
func (o *Orchestrator) checkAttachment(ctx context.Context, attachmentID, messageID string, source models.AttachmentSource) error {
	att, err := o.store.GetAttachment(ctx, attachmentID)
	if errors.Is(err, storage.ErrAttachmentNotFound) {
		return fmt.Errorf("failed to load attachment %s: %w", attachmentID, err)
	}
	if err != nil {
		return &RecomputeError{MessageID: messageID, Attempts: 1, Err: err}
	}

	if att.MessageID == nil || *att.MessageID != messageID {
		return fmt.Errorf("%w: attachment %s is not linked to message %s", storage.ErrAttachmentNotFound, attachmentID, messageID)
	}
	if att.Source != source {
		return fmt.Errorf("%w: attachment %s has source %q, hook claims %q", ErrInvalidSource, attachmentID, att.Source, source)
	}
	return nil
}

// Recompute brings the cost record of an assistant message and its day's
// rollup up to date. Running it again with unchanged inputs is a no-op on the
// rollup.
func (o *Orchestrator) Recompute(ctx context.Context, messageID string, trigger Trigger) (*Result, error) {
	start := time.Now()

	msg, err := o.store.GetMessage(ctx, messageID)
	if err != nil {
		o.metrics.ObserveRecompute(string(trigger), outcomeError, time.Since(start))
		if errors.Is(err, storage.ErrMessageNotFound) {
			return nil, fmt.Errorf("failed to load message %s: %w", messageID, err)
		}
		return nil, &RecomputeError{MessageID: messageID, Attempts: 1, Err: err}
	}
	if !msg.IsAssistant() {
		return nil, fmt.Errorf("%w: %s", ErrNotAssistantMessage, messageID)
	}

	snap := o.resolver.Resolve(ctx, msg.ModelID)

	var c *commit
	attempts := 0
	for {
		attempts++
		c, err = o.recomputeOnce(ctx, msg, snap)
		if err == nil {
			break
		}

		if errors.Is(err, storage.ErrConflict) && attempts <= o.config.MaxConflictRetries {
			o.metrics.IncConflictRetry()
			backoff := o.config.RetryBackoff * time.Duration(1<<uint(attempts-1))
			o.logger.Debug("Recompute conflict, retrying", "message_id", messageID, "attempt", attempts, "backoff", backoff)

			if err := sleep(ctx, backoff); err != nil {
				o.metrics.ObserveRecompute(string(trigger), outcomeError, time.Since(start))
				return nil, &RecomputeError{MessageID: messageID, Attempts: attempts, Err: err}
			}
			continue
		}

		o.metrics.ObserveRecompute(string(trigger), outcomeError, time.Since(start))
		o.logger.Error("Failed to recompute message cost", "message_id", messageID, "trigger", string(trigger), "attempts", attempts, "error", err)
		return nil, &RecomputeError{MessageID: messageID, Attempts: attempts, Err: err}
	}

	res := o.afterCommit(ctx, msg, trigger, c)
	o.metrics.ObserveRecompute(string(trigger), outcome(res), time.Since(start))
	return res, nil
}

// GetCostRecord returns the stored cost record of an assistant message
func (o *Orchestrator) GetCostRecord(ctx context.Context, messageID string) (*models.CostRecord, error) {
	return o.store.GetCostRecord(ctx, messageID)
}

// GetDailyUsage returns the user's rollup for the UTC day containing day
func (o *Orchestrator) GetDailyUsage(ctx context.Context, userID string, day time.Time) (*models.DailyUsage, error) {
	return o.store.GetDailyUsage(ctx, userID, day)
}

// commit is what one successful transaction produced
type commit struct {
	breakdown *models.CostBreakdown
	diff      *billing.Diff
	aggregate *billing.AggregateResult
}

func (o *Orchestrator) recomputeOnce(ctx context.Context, msg *models.Message, snap models.PricingSnapshot) (*commit, error) {
	var c *commit

	err := o.store.WithMessageTx(ctx, msg.ID, func(tx storage.Tx) error {
		// A first recompute may go ahead at missing prices; an existing
		// record keeps its last good pricing until the catalog is back.
		if snap.Degraded {
			_, err := tx.GetCostRecord(ctx, msg.ID)
			if err == nil {
				return ErrPricingUnavailable
			}
			if !errors.Is(err, storage.ErrCostRecordNotFound) {
				return err
			}
		}

		in, err := o.loadInput(ctx, tx, msg)
		if err != nil {
			return err
		}

		b := o.calculator.Calculate(o.extractor.Extract(in), snap)

		diff, err := o.ledger.UpsertAndDiff(ctx, tx, msg, b)
		if err != nil {
			return err
		}

		agg, err := o.aggregator.ApplyDelta(ctx, tx, msg.UserID, msg.UsageDay(), b.Usage, diff.Delta, diff.First)
		if err != nil {
			return err
		}

		c = &commit{breakdown: b, diff: diff, aggregate: agg}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// loadInput reads the attachments and annotations the extractor needs
func (o *Orchestrator) loadInput(ctx context.Context, tx storage.Tx, msg *models.Message) (usage.Input, error) {
	in := usage.Input{Message: msg}

	if msg.PairedUserMessageID != nil {
		user, err := tx.GetMessage(ctx, *msg.PairedUserMessageID)
		switch {
		case errors.Is(err, storage.ErrMessageNotFound):
			o.logger.Warn("Paired user message not found", "message_id", msg.ID, "user_message_id", *msg.PairedUserMessageID)
		case err != nil:
			return in, fmt.Errorf("failed to load paired user message: %w", err)
		default:
			in.PairedUser = user
			atts, err := tx.ListReadyAttachments(ctx, user.ID, models.SourceUser)
			if err != nil {
				return in, err
			}
			in.Attachments = append(in.Attachments, atts...)
		}
	}

	atts, err := tx.ListReadyAttachments(ctx, msg.ID, models.SourceAssistant)
	if err != nil {
		return in, err
	}
	in.Attachments = append(in.Attachments, atts...)

	n, err := tx.CountAnnotations(ctx, msg.ID)
	if err != nil {
		return in, err
	}
	in.AnnotationCount = n

	return in, nil
}

// afterCommit reports anomalies and feeds the side channels. It runs once per
// committed recompute, so conflict retries never log twice.
func (o *Orchestrator) afterCommit(ctx context.Context, msg *models.Message, trigger Trigger, c *commit) *Result {
	b, diff, agg := c.breakdown, c.diff, c.aggregate

	res := &Result{
		MessageID:      msg.ID,
		Trigger:        trigger,
		Previous:       diff.Previous,
		New:            diff.New,
		Delta:          diff.Delta,
		FirstRecompute: diff.First,
		Record:         diff.Record,
	}

	if b.Usage.Clamped {
		res.Anomalies = append(res.Anomalies, AnomalyNegativeToken)
		o.metrics.IncAnomaly(AnomalyNegativeToken)
		o.logger.Warn("Completion tokens below output image tokens, text completion clamped to zero",
			"anomaly", AnomalyNegativeToken,
			"message_id", msg.ID,
			"completion_tokens", b.Usage.CompletionTokens,
			"output_image_tokens", b.Usage.OutputImageTokens,
		)
	}

	if agg.Underflow {
		res.Anomalies = append(res.Anomalies, AnomalyAggregateUnderflow)
		o.metrics.IncAnomaly(AnomalyAggregateUnderflow)
		o.logger.Warn("Daily estimated cost would go negative, clamped to zero",
			"anomaly", AnomalyAggregateUnderflow,
			"message_id", msg.ID,
			"user_id", msg.UserID,
			"usage_day", msg.UsageDay().Format(models.DayLayout),
			"delta", diff.Delta.String(),
			"unclamped", agg.Unclamped.String(),
		)
	}

	for _, d := range models.Dimensions {
		o.metrics.IncPricingBasis(string(d), string(b.PricingSource.Dimension(d).Basis))
	}

	if agg.Daily != nil {
		o.mirrorSpend(ctx, msg, diff.Delta, agg)
	}

	audit := &logging.CostAuditRecord{
		Timestamp:      diff.Record.UpdatedAt,
		MessageID:      msg.ID,
		UserID:         msg.UserID,
		ConversationID: msg.ConversationID,
		ModelID:        msg.ModelID,
		UsageDay:       msg.UsageDay().Format(models.DayLayout),
		Trigger:        string(trigger),
		FirstRecompute: diff.First,
		PreviousTotal:  diff.Previous,
		NewTotal:       diff.New,
		Delta:          diff.Delta,
		Anomalies:      res.Anomalies,
		PricingSource:  b.PricingSource,
	}
	if err := o.sink.Enqueue(audit); err != nil {
		o.logger.Warn("Failed to enqueue cost audit record", "message_id", msg.ID, "error", err)
	}

	o.logger.Debug("Message cost recomputed",
		"message_id", msg.ID,
		"trigger", string(trigger),
		"total_cost", diff.New.String(),
		"delta", diff.Delta.String(),
		"first", diff.First,
	)

	return res
}

// mirrorSpend updates the hot spend counter. After an underflow the durable
// value is copied instead of the delta.
func (o *Orchestrator) mirrorSpend(ctx context.Context, msg *models.Message, delta decimal.Decimal, agg *billing.AggregateResult) {
	var err error
	if agg.Underflow {
		err = o.spend.Reconcile(ctx, agg.Daily)
	} else {
		_, err = o.spend.ApplyDelta(ctx, msg.UserID, msg.UsageDay(), delta)
	}
	if err != nil {
		o.logger.Warn("Failed to update spend mirror", "user_id", msg.UserID, "message_id", msg.ID, "error", err)
	}
}

func outcome(res *Result) string {
	switch {
	case res.FirstRecompute:
		return outcomeFirst
	case res.Delta.IsZero():
		return outcomeUnchanged
	default:
		return outcomeChanged
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
