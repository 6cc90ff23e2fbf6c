package stores

import (
	"database/sql"
)

var postgres = dialect{
	name:      "postgres",
	quote:     `"`,
	numbered:  true,
	lock:      "FOR UPDATE SKIP LOCKED",
	returning: true,
	schema: func(table string, q func(string) string) []string {
		return []string{
			`CREATE TABLE IF NOT EXISTS ` + q(table) + ` (
    id              BIGSERIAL PRIMARY KEY,
    queue           TEXT NOT NULL,
    session_id      TEXT NOT NULL DEFAULT '',
    type_tag        TEXT NOT NULL,
    message_id      TEXT NOT NULL,
    payload         BYTEA NOT NULL,
    status          TEXT NOT NULL DEFAULT 'pending',
    attempts        INT NOT NULL DEFAULT 0,
    next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    claimed_by      TEXT,
    claimed_at      TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    sent_at         TIMESTAMPTZ,
    last_error      TEXT
)`,
			`CREATE INDEX IF NOT EXISTS ` + q(table+"_claim") + ` ON ` + q(table) + ` (status, next_attempt_at, id)`,
			`CREATE INDEX IF NOT EXISTS ` + q(table+"_session") + ` ON ` + q(table) + ` (session_id, id)`,
		}
	},
}

// NewPostgresStore creates a Store for PostgreSQL. Open db with the pgx stdlib
// driver ("pgx"). Concurrent relays never claim the same row.
func NewPostgresStore(db *sql.DB, opts ...Option) *SQLStore {
	return newSQLStore(db, postgres, opts)
}
