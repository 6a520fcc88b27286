package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Migrate creates the relay schema and tables when they do not exist yet.
// Intended for dev and test environments; production schema management can
// stay with an external migration tool.
func (s *Postgres) Migrate(ctx context.Context) error {
	schema := pgx.Identifier{s.schema}.Sanitize()
	threads := pgIdent(s.schema, "threads")
	participants := pgIdent(s.schema, "thread_participants")
	cursors := pgIdent(s.schema, "thread_cursors")
	messages := pgIdent(s.schema, "messages")
	receipts := pgIdent(s.schema, "receipts")
	blocks := pgIdent(s.schema, "user_blocks")

	migrations := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + schema,

		`CREATE TABLE IF NOT EXISTS ` + threads + ` (
			id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			user_a TEXT NOT NULL,
			user_b TEXT NOT NULL,
			last_message_id BIGINT NOT NULL DEFAULT 0,
			last_message_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_a, user_b),
			CHECK (user_a < user_b)
		)`,

		`CREATE TABLE IF NOT EXISTS ` + participants + ` (
			thread_id BIGINT NOT NULL REFERENCES ` + threads + ` (id),
			user_id TEXT NOT NULL,
			muted BOOLEAN NOT NULL DEFAULT FALSE,
			archived BOOLEAN NOT NULL DEFAULT FALSE,
			joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (thread_id, user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS ` + cursors + ` (
			thread_id BIGINT PRIMARY KEY REFERENCES ` + threads + ` (id),
			next_msg_id BIGINT NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		// The (thread_id, client_msg_id) uniqueness constraint is the
		// exactly-once boundary for retried sends.
		`CREATE TABLE IF NOT EXISTS ` + messages + ` (
			thread_id BIGINT NOT NULL REFERENCES ` + threads + ` (id),
			id BIGINT NOT NULL,
			client_msg_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'text',
			body TEXT,
			attachments JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			edited_at TIMESTAMPTZ,
			deleted_at TIMESTAMPTZ,
			PRIMARY KEY (thread_id, id),
			UNIQUE (thread_id, client_msg_id)
		)`,

		`CREATE TABLE IF NOT EXISTS ` + receipts + ` (
			thread_id BIGINT NOT NULL,
			message_id BIGINT NOT NULL,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('sent', 'delivered', 'read')),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (thread_id, message_id, user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS ` + blocks + ` (
			user_id TEXT NOT NULL,
			blocked_user_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, blocked_user_id)
		)`,
	}

	for _, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
