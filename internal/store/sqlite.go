package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			direction TEXT NOT NULL DEFAULT 'in',
			body TEXT NOT NULL,
			sender TEXT NOT NULL DEFAULT '',
			sender_name TEXT NOT NULL DEFAULT '',
			chat_id TEXT NOT NULL DEFAULT '',
			chat_name TEXT NOT NULL DEFAULT '',
			has_media INTEGER NOT NULL DEFAULT 0,
			is_group INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (tenant_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_tenant_created ON messages(tenant_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS session_events (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
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

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Messages ---

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, tenant_id, seq, direction, body, sender, sender_name, chat_id, chat_name, has_media, is_group, created_at)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq),0)+1 FROM messages WHERE tenant_id = ?), ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING seq`,
		msg.ID, msg.TenantID, msg.TenantID, msg.Direction, msg.Body, msg.From, msg.FromName,
		msg.ChatID, msg.ChatName, msg.HasMedia, msg.IsGroup, msg.CreatedAt,
	).Scan(&seq)
	return seq, err
}

func (s *SQLiteStore) ListMessages(ctx context.Context, tenantID string, afterSeq int64, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, seq, direction, body, sender, sender_name, chat_id, chat_name, has_media, is_group, created_at
		 FROM messages WHERE tenant_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
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

func (s *SQLiteStore) LogSessionEvent(ctx context.Context, event *SessionEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events (id, tenant_id, event_type, detail, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		event.ID, event.TenantID, event.EventType, detail, event.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListSessionEvents(ctx context.Context, tenantID string, limit, offset int) ([]SessionEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, event_type, detail, created_at
		 FROM session_events WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
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

func (s *SQLiteStore) PurgeOldMessages(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE created_at < ?", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) PurgeOldSessionEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM session_events WHERE created_at < ?", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
