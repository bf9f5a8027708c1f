package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/runloop/pkg/models"
)

// SQLiteProvider implements Provider on an embedded SQLite database. Writes
// go through a single connection, so appends to a conversation serialize at
// the database level.
type SQLiteProvider struct {
	db   *sql.DB
	path string
}

// NewSQLiteProvider opens (and initializes) a database at path. Use
// ":memory:" for an ephemeral store.
func NewSQLiteProvider(path string) (*SQLiteProvider, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	p := &SQLiteProvider{db: db, path: path}
	if err := p.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return p, nil
}

func (p *SQLiteProvider) ensureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		);
		CREATE TABLE IF NOT EXISTS conversation_messages (
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			message TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (conversation_id, position)
		);
	`)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// Close closes the database.
func (p *SQLiteProvider) Close() error {
	return p.db.Close()
}

func (p *SQLiteProvider) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var metadataJSON []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT metadata FROM conversations WHERE id = ?`, id,
	).Scan(&metadataJSON)
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

	rows, err := p.db.QueryContext(ctx,
		`SELECT message FROM conversation_messages WHERE conversation_id = ? ORDER BY position ASC`, id,
	)
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

func (p *SQLiteProvider) AppendMessages(ctx context.Context, id string, msgs []models.Message, metadataPatch map[string]any) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback()

	var metadataJSON []byte
	err = tx.QueryRowContext(ctx,
		`SELECT metadata FROM conversations WHERE id = ?`, id,
	).Scan(&metadataJSON)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (id) VALUES (?)`, id,
		); err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to read conversation: %w", err)
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
		`UPDATE conversations SET metadata = ?, updated_at = datetime('now') WHERE id = ?`,
		merged, id,
	); err != nil {
		return fmt.Errorf("failed to update metadata: %w", err)
	}

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), -1) + 1 FROM conversation_messages WHERE conversation_id = ?`, id,
	).Scan(&next); err != nil {
		return fmt.Errorf("failed to read position: %w", err)
	}

	for i, msg := range msgs {
		raw, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_messages (conversation_id, position, message) VALUES (?, ?, ?)`,
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

func (p *SQLiteProvider) StoreMessages(ctx context.Context, id string, msgs []models.Message, metadata map[string]any) error {
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
		`INSERT OR IGNORE INTO conversations (id, metadata) VALUES (?, ?)`,
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
		return tx.Commit()
	}

	for i, msg := range msgs {
		raw, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_messages (conversation_id, position, message) VALUES (?, ?, ?)`,
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

func (p *SQLiteProvider) DeleteConversation(ctx context.Context, id string) (bool, error) {
	result, err := p.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete conversation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

func (p *SQLiteProvider) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
