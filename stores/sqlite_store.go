package stores

import (
	"database/sql"
)

var sqlite = dialect{
	name:  "sqlite",
	quote: `"`,
	schema: func(table string, q func(string) string) []string {
		return []string{
			`CREATE TABLE IF NOT EXISTS ` + q(table) + ` (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    queue           TEXT NOT NULL,
    session_id      TEXT NOT NULL DEFAULT '',
    type_tag        TEXT NOT NULL,
    message_id      TEXT NOT NULL,
    payload         BLOB NOT NULL,
    status          TEXT NOT NULL DEFAULT 'pending',
    attempts        INTEGER NOT NULL DEFAULT 0,
    next_attempt_at TIMESTAMP NOT NULL,
    claimed_by      TEXT,
    claimed_at      TIMESTAMP,
    created_at      TIMESTAMP NOT NULL,
    sent_at         TIMESTAMP,
    last_error      TEXT
)`,
			`CREATE INDEX IF NOT EXISTS ` + q(table+"_claim") + ` ON ` + q(table) + ` (status, next_attempt_at, id)`,
			`CREATE INDEX IF NOT EXISTS ` + q(table+"_session") + ` ON ` + q(table) + ` (session_id, id)`,
		}
	},
}

// NewSQLiteStore creates a Store backed by SQLite. SQLite has no row locks, so
// run a single relay per database file.
func NewSQLiteStore(db *sql.DB, opts ...Option) *SQLStore {
	return newSQLStore(db, sqlite, opts)
}
