package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			direction TEXT NOT NULL DEFAULT 'in',
			body TEXT NOT NULL,
			sender TEXT NOT NULL DEFAULT '',
			sender_name TEXT NOT NULL DEFAULT '',
			chat_id TEXT NOT NULL DEFAULT '',
			chat_name TEXT NOT NULL DEFAULT '',
			has_media BOOLEAN NOT NULL DEFAULT FALSE,
			is_group BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_tenant_created ON messages(tenant_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS session_events (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_tenant ON session_events(tenant_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Messages ---

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *Message) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, tenant_id, seq, direction, body, sender, sender_name, chat_id, chat_name, has_media, is_group, created_at)
		 VALUES ($1, $2, (SELECT COALESCE(MAX(seq),0)+1 FROM messages WHERE tenant_id = $2), $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING seq`,
		msg.ID, msg.TenantID, msg.Direction, msg.Body, msg.From, msg.FromName,
		msg.ChatID, msg.ChatName, msg.HasMedia, msg.IsGroup, msg.CreatedAt,
	).Scan(&seq)
	return seq, err
}

func (s *PostgresStore) ListMessages(ctx context.Context, tenantID string, afterSeq int64, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, seq, direction, body, sender, sender_name, chat_id, chat_name, has_media, is_group, created_at
		 FROM messages WHERE tenant_id = $1 AND seq > $2 ORDER BY seq LIMIT $3`,
		tenantID, afterSeq, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.TenantID, &m.Seq, &m.Direction, &m.Body, &m.From, &m.FromName,
			&m.ChatID, &m.ChatName, &m.HasMedia, &m.IsGroup, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// --- Session events ---

func (s *PostgresStore) LogSessionEvent(ctx context.Context, event *SessionEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events (id, tenant_id, event_type, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		event.ID, event.TenantID, event.EventType, detail, event.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListSessionEvents(ctx context.Context, tenantID string, limit, offset int) ([]SessionEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, event_type, detail, created_at
		 FROM session_events WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		tenantID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []SessionEvent
	for rows.Next() {
		var e SessionEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.EventType, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Data Retention ---

func (s *PostgresStore) PurgeOldMessages(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE created_at < $1", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *PostgresStore) PurgeOldSessionEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM session_events WHERE created_at < $1", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
