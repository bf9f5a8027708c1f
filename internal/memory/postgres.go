package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/haasonsaas/runloop/pkg/models"
)

// PostgresProvider implements Provider on PostgreSQL. Appends serialize on
// the conversation row (SELECT ... FOR UPDATE), so concurrent writers to the
// same conversation cannot interleave positions.
type PostgresProvider struct {
	db *sql.DB

	stmtGetMetadata *sql.Stmt
	stmtGetMessages *sql.Stmt
	stmtDelete      *sql.Stmt
}

// PostgresConfig holds connection settings.
type PostgresConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default configuration.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "runloop",
		Password:        "",
		Database:        "runloop",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewPostgresProvider connects using config fields.
func NewPostgresProvider(config *PostgresConfig) (*PostgresProvider, error) {
	if config == nil {
		config = DefaultPostgresConfig()
	}
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		config.Host, config.Port, config.User, config.Password,
		config.Database, config.SSLMode, int(config.ConnectTimeout.Seconds()),
	)
	return newPostgresProviderWithDSN(dsn, config)
}

// NewPostgresProviderFromDSN connects using a raw DSN/URL.
func NewPostgresProviderFromDSN(dsn string, config *PostgresConfig) (*PostgresProvider, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}
	return newPostgresProviderWithDSN(dsn, config)
}

func newPostgresProviderWithDSN(dsn string, config *PostgresConfig) (*PostgresProvider, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	provider, err := NewPostgresProviderFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return provider, nil
}

// NewPostgresProviderFromDB wraps an existing connection, creating the
// schema if needed.
func NewPostgresProviderFromDB(db *sql.DB) (*PostgresProvider, error) {
	p := &PostgresProvider{db: db}
	if err := p.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	if err := p.prepareStatements(); err != nil {
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return p, nil
}

// DB exposes the underlying database connection for related stores.
func (p *PostgresProvider) DB() *sql.DB {
	return p.db
}

func (p *PostgresProvider) ensureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create conversations: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS conversation_messages (
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			position BIGINT NOT NULL,
			message JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (conversation_id, position)
		)
	`)
	if err != nil {
		return fmt.Errorf("create conversation_messages: %w", err)
	}
	return nil
}

func (p *PostgresProvider) prepareStatements() error {
	var err error

	p.stmtGetMetadata, err = p.db.Prepare(`
		SELECT metadata FROM conversations WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get metadata: %w", err)
	}

	p.stmtGetMessages, err = p.db.Prepare(`
		SELECT message FROM conversation_messages
		WHERE conversation_id = $1
		ORDER BY position ASC
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get messages: %w", err)
	}

	p.stmtDelete, err = p.db.Prepare(`
		DELETE FROM conversations WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete: %w", err)
	}

	return nil
}

// Close closes prepared statements and the connection.
func (p *PostgresProvider) Close() error {
	var errs []error
	for _, stmt := range []*sql.Stmt{p.stmtGetMetadata, p.stmtGetMessages, p.stmtDelete} {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := p.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing provider: %v", errs)
	}
	return nil
}

func (p *PostgresProvider) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var metadataJSON []byte
	err := p.stmtGetMetadata.QueryRowContext(ctx, id).Scan(&metadataJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	conv := &Conversation{ID: id}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &conv.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	rows, err := p.stmtGetMessages.QueryContext(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		var msg models.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		conv.Messages = append(conv.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return conv, nil
}

func (p *PostgresProvider) AppendMessages(ctx context.Context, id string, msgs []models.Message, metadataPatch map[string]any) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback()

	var metadataJSON []byte
	err = tx.QueryRowContext(ctx,
		`SELECT metadata FROM conversations WHERE id = $1 FOR UPDATE`, id,
	).Scan(&metadataJSON)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (id) VALUES ($1)`, id,
		); err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to lock conversation: %w", err)
	}

	var metadata map[string]any
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	merged, err := json.Marshal(MergeMetadata(metadata, metadataPatch))
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET metadata = $1, updated_at = now() WHERE id = $2`,
		merged, id,
	); err != nil {
		return fmt.Errorf("failed to update metadata: %w", err)
	}

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), -1) + 1 FROM conversation_messages WHERE conversation_id = $1`, id,
	).Scan(&next); err != nil {
		return fmt.Errorf("failed to read position: %w", err)
	}

	for i, msg := range msgs {
		raw, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_messages (conversation_id, position, message) VALUES ($1, $2, $3)`,
			id, next+int64(i), raw,
		); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit append: %w", err)
	}
	return nil
}

func (p *PostgresProvider) StoreMessages(ctx context.Context, id string, msgs []models.Message, metadata map[string]any) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin store: %w", err)
	}
	defer tx.Rollback()

	metadataJSON, err := json.Marshal(MergeMetadata(nil, metadata))
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	result, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, metadata) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		id, metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	created, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if created == 0 {
		// Already exists; creation is idempotent.
		return tx.Commit()
	}

	for i, msg := range msgs {
		raw, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_messages (conversation_id, position, message) VALUES ($1, $2, $3)`,
			id, int64(i), raw,
		); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit store: %w", err)
	}
	return nil
}

func (p *PostgresProvider) DeleteConversation(ctx context.Context, id string) (bool, error) {
	result, err := p.stmtDelete.ExecContext(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete conversation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

func (p *PostgresProvider) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
