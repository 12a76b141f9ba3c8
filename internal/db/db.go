// internal/db/db.go
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*sql.DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return conn, nil
}

// EnsureSchema creates the campaigns table if it does not exist, so the
// service can run against a fresh database.
func EnsureSchema(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS campaigns (
			id               TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL,
			page_id          TEXT NOT NULL,
			page_name        TEXT NOT NULL DEFAULT '',
			page_token       TEXT NOT NULL DEFAULT '',
			message_template TEXT NOT NULL,
			message_tag      TEXT NOT NULL,
			delay_ms         BIGINT NOT NULL DEFAULT 0,
			recipients       JSONB NOT NULL DEFAULT '[]',
			local_media      JSONB NOT NULL DEFAULT '[]',
			remote_media     JSONB NOT NULL DEFAULT '[]',
			total_recipients INT NOT NULL DEFAULT 0,
			sent_count       INT NOT NULL DEFAULT 0,
			failed_count     INT NOT NULL DEFAULT 0,
			current_index    INT NOT NULL DEFAULT 0,
			failed_list      JSONB NOT NULL DEFAULT '[]',
			last_message     TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL,
			error            TEXT NOT NULL DEFAULT '',
			started_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at     TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_campaigns_user_status ON campaigns (user_id, status);
		CREATE INDEX IF NOT EXISTS idx_campaigns_status ON campaigns (status);
	`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
