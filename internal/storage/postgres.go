package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq" // PostgreSQL driver

	"usage_meter/internal/logging"
	"usage_meter/internal/models"
)

// PostgreSQL error codes retried as ErrConflict
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

// DBConfig holds database configuration
type DBConfig struct {
	URL string

	// Pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultDBConfig returns default pool settings
func DefaultDBConfig() DBConfig {
	return DBConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// PostgresStore is the durable Store. Message transactions take a
// transaction-scoped advisory lock on the message id; daily rows are
// locked with SELECT ... FOR UPDATE.
type PostgresStore struct {
	conn   *sqlx.DB
	logger *logging.Logger
}

// NewPostgresStore connects and configures the pool
func NewPostgresStore(cfg DBConfig) (*PostgresStore, error) {
	conn, err := sqlx.Connect("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return NewPostgresStoreFromDB(conn), nil
}

// NewPostgresStoreFromDB wraps an existing connection
func NewPostgresStoreFromDB(conn *sqlx.DB) *PostgresStore {
	return &PostgresStore{
		conn:   conn,
		logger: logging.NewLogger("postgres-store"),
	}
}

// Conn returns the underlying sqlx connection
func (s *PostgresStore) Conn() *sqlx.DB {
	return s.conn
}

func (s *PostgresStore) Close() error {
	return s.conn.Close()
}

// Ping checks that the database is reachable and answers queries
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := s.conn.GetContext(ctx, &result, "SELECT 1"); err != nil {
		return fmt.Errorf("health check query failed: %w", err)
	}

	return nil
}

// Catalog returns the model catalog backed by this database
func (s *PostgresStore) Catalog() *ModelRepository {
	return NewModelRepository(s.conn)
}

func (s *PostgresStore) WithMessageTx(ctx context.Context, messageID string, fn func(tx Tx) error) error {
	tx, err := s.conn.BeginTxx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}

	rollback := func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("Failed to roll back transaction", "message_id", messageID, "error", rbErr)
		}
	}

	// Serializes every recompute of this message until commit or rollback
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, messageID); err != nil {
		rollback()
		return mapError(fmt.Errorf("failed to lock message %s: %w", messageID, err))
	}

	if err := fn(&postgresTx{tx: tx}); err != nil {
		rollback()
		return mapError(err)
	}

	if err := tx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit: %w", err))
	}

	return nil
}

// mapError turns retryable PostgreSQL failures into ErrConflict
func mapError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqSerializationFailure, pqDeadlockDetected:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}

//
// Reader (shared by the store and its transactions)
//

const messageColumns = `
	id, conversation_id, user_id, role, model_id, paired_user_message_id,
	prompt_tokens, completion_tokens, output_image_tokens, output_image_intent,
	created_at`

const attachmentColumns = `id, message_id, source, status, created_at`

const costRecordColumns = `
	id, message_id, user_message_id, user_id, conversation_id, model_id, usage_day,
	prompt_tokens, completion_tokens, text_completion_tokens, prompt_cost, completion_cost,
	input_image_units, input_image_cost,
	output_image_tokens, output_image_units, output_image_cost,
	websearch_results, websearch_cost,
	total_cost, heuristic, pricing_source,
	recompute_count, created_at, updated_at`

const dailyUsageColumns = `
	user_id, usage_day, message_count, prompt_tokens, text_completion_tokens,
	output_image_tokens, input_images, output_images, websearch_results,
	estimated_cost, updated_at`

type reader struct {
	q sqlx.QueryerContext
}

func (r reader) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var msg models.Message
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	if err := sqlx.GetContext(ctx, r.q, &msg, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}

func (r reader) ListReadyAttachments(ctx context.Context, messageID string, source models.AttachmentSource) ([]models.Attachment, error) {
	var atts []models.Attachment
	query := `
		SELECT ` + attachmentColumns + `
		FROM attachments
		WHERE message_id = $1 AND source = $2 AND status = $3
		ORDER BY id`

	if err := sqlx.SelectContext(ctx, r.q, &atts, query, messageID, source, models.AttachmentReady); err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	return atts, nil
}

func (r reader) CountAnnotations(ctx context.Context, messageID string) (int64, error) {
	var n int64
	if err := sqlx.GetContext(ctx, r.q, &n, `SELECT COUNT(*) FROM annotations WHERE message_id = $1`, messageID); err != nil {
		return 0, fmt.Errorf("failed to count annotations: %w", err)
	}
	return n, nil
}

func (r reader) GetCostRecord(ctx context.Context, messageID string) (*models.CostRecord, error) {
	var rec models.CostRecord
	query := `SELECT ` + costRecordColumns + ` FROM message_costs WHERE message_id = $1`

	if err := sqlx.GetContext(ctx, r.q, &rec, query, messageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCostRecordNotFound
		}
		return nil, fmt.Errorf("failed to get cost record: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) reader() reader {
	return reader{q: s.conn}
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	return s.reader().GetMessage(ctx, id)
}

func (s *PostgresStore) ListReadyAttachments(ctx context.Context, messageID string, source models.AttachmentSource) ([]models.Attachment, error) {
	return s.reader().ListReadyAttachments(ctx, messageID, source)
}

func (s *PostgresStore) CountAnnotations(ctx context.Context, messageID string) (int64, error) {
	return s.reader().CountAnnotations(ctx, messageID)
}

func (s *PostgresStore) GetCostRecord(ctx context.Context, messageID string) (*models.CostRecord, error) {
	return s.reader().GetCostRecord(ctx, messageID)
}

func (s *PostgresStore) GetAttachment(ctx context.Context, id string) (*models.Attachment, error) {
	var a models.Attachment
	query := `SELECT ` + attachmentColumns + ` FROM attachments WHERE id = $1`

	if err := s.conn.GetContext(ctx, &a, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAttachmentNotFound
		}
		return nil, fmt.Errorf("failed to get attachment: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) ListPairedAssistantMessages(ctx context.Context, userMessageID string) ([]string, error) {
	var ids []string
	query := `
		SELECT id FROM messages
		WHERE paired_user_message_id = $1 AND role = $2
		ORDER BY id`

	if err := s.conn.SelectContext(ctx, &ids, query, userMessageID, models.RoleAssistant); err != nil {
		return nil, fmt.Errorf("failed to list paired messages: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) GetDailyUsage(ctx context.Context, userID string, day time.Time) (*models.DailyUsage, error) {
	var d models.DailyUsage
	query := `SELECT ` + dailyUsageColumns + ` FROM daily_usage WHERE user_id = $1 AND usage_day = $2`

	err := s.conn.GetContext(ctx, &d, query, userID, models.UsageDay(day))
	if errors.Is(err, sql.ErrNoRows) {
		return models.NewDailyUsage(userID, day), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get daily usage: %w", err)
	}
	return &d, nil
}

//
// Tx
//

type postgresTx struct {
	tx *sqlx.Tx
}

func (t *postgresTx) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	return reader{q: t.tx}.GetMessage(ctx, id)
}

func (t *postgresTx) ListReadyAttachments(ctx context.Context, messageID string, source models.AttachmentSource) ([]models.Attachment, error) {
	return reader{q: t.tx}.ListReadyAttachments(ctx, messageID, source)
}

func (t *postgresTx) CountAnnotations(ctx context.Context, messageID string) (int64, error) {
	return reader{q: t.tx}.CountAnnotations(ctx, messageID)
}

func (t *postgresTx) GetCostRecord(ctx context.Context, messageID string) (*models.CostRecord, error) {
	return reader{q: t.tx}.GetCostRecord(ctx, messageID)
}

func (t *postgresTx) UpsertCostRecord(ctx context.Context, rec *models.CostRecord) error {
	query := `
		INSERT INTO message_costs (` + costRecordColumns + `)
		VALUES (
			:id, :message_id, :user_message_id, :user_id, :conversation_id, :model_id, :usage_day,
			:prompt_tokens, :completion_tokens, :text_completion_tokens, :prompt_cost, :completion_cost,
			:input_image_units, :input_image_cost,
			:output_image_tokens, :output_image_units, :output_image_cost,
			:websearch_results, :websearch_cost,
			:total_cost, :heuristic, :pricing_source,
			:recompute_count, :created_at, :updated_at
		)
		ON CONFLICT (message_id) DO UPDATE SET
			user_message_id = EXCLUDED.user_message_id,
			model_id = EXCLUDED.model_id,
			prompt_tokens = EXCLUDED.prompt_tokens,
			completion_tokens = EXCLUDED.completion_tokens,
			text_completion_tokens = EXCLUDED.text_completion_tokens,
			prompt_cost = EXCLUDED.prompt_cost,
			completion_cost = EXCLUDED.completion_cost,
			input_image_units = EXCLUDED.input_image_units,
			input_image_cost = EXCLUDED.input_image_cost,
			output_image_tokens = EXCLUDED.output_image_tokens,
			output_image_units = EXCLUDED.output_image_units,
			output_image_cost = EXCLUDED.output_image_cost,
			websearch_results = EXCLUDED.websearch_results,
			websearch_cost = EXCLUDED.websearch_cost,
			total_cost = EXCLUDED.total_cost,
			heuristic = EXCLUDED.heuristic,
			pricing_source = EXCLUDED.pricing_source,
			recompute_count = EXCLUDED.recompute_count,
			updated_at = EXCLUDED.updated_at`

	if _, err := t.tx.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("failed to upsert cost record: %w", err)
	}
	return nil
}

func (t *postgresTx) LockDailyUsage(ctx context.Context, userID string, day time.Time) (*models.DailyUsage, error) {
	day = models.UsageDay(day)

	// The row must exist before it can be locked
	insert := `INSERT INTO daily_usage (user_id, usage_day) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	if _, err := t.tx.ExecContext(ctx, insert, userID, day); err != nil {
		return nil, fmt.Errorf("failed to create daily usage: %w", err)
	}

	var d models.DailyUsage
	query := `SELECT ` + dailyUsageColumns + ` FROM daily_usage WHERE user_id = $1 AND usage_day = $2 FOR UPDATE`
	if err := t.tx.GetContext(ctx, &d, query, userID, day); err != nil {
		return nil, fmt.Errorf("failed to lock daily usage: %w", err)
	}
	return &d, nil
}

func (t *postgresTx) SaveDailyUsage(ctx context.Context, d *models.DailyUsage) error {
	query := `
		UPDATE daily_usage SET
			message_count = :message_count,
			prompt_tokens = :prompt_tokens,
			text_completion_tokens = :text_completion_tokens,
			output_image_tokens = :output_image_tokens,
			input_images = :input_images,
			output_images = :output_images,
			websearch_results = :websearch_results,
			estimated_cost = :estimated_cost,
			updated_at = :updated_at
		WHERE user_id = :user_id AND usage_day = :usage_day`

	if _, err := t.tx.NamedExecContext(ctx, query, d); err != nil {
		return fmt.Errorf("failed to save daily usage: %w", err)
	}
	return nil
}
