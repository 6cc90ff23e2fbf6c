package stores

import (
	"database/sql"
)

var mysql = dialect{
	name:  "mysql",
	quote: "`",
	lock:  "FOR UPDATE SKIP LOCKED",
	schema: func(table string, q func(string) string) []string {
		return []string{
			`CREATE TABLE IF NOT EXISTS ` + q(table) + ` (
    id              BIGINT AUTO_INCREMENT PRIMARY KEY,
    queue           VARCHAR(255) NOT NULL,
    session_id      VARCHAR(255) NOT NULL DEFAULT '',
    type_tag        VARCHAR(255) NOT NULL,
    message_id      VARCHAR(64) NOT NULL,
    payload         LONGBLOB NOT NULL,
    status          VARCHAR(16) NOT NULL DEFAULT 'pending',
    attempts        INT NOT NULL DEFAULT 0,
    next_attempt_at DATETIME(6) NOT NULL,
    claimed_by      VARCHAR(255) NULL,
    claimed_at      DATETIME(6) NULL,
    created_at      DATETIME(6) NOT NULL,
    sent_at         DATETIME(6) NULL,
    last_error      TEXT NULL,
    INDEX claim_idx (status, next_attempt_at, id),
    INDEX session_idx (session_id, id)
)`,
		}
	},
}

// NewMySQLStore creates a Store for MySQL 8. The DSN must carry parseTime=true
// and loc=UTC so timestamps scan into time.Time.
func NewMySQLStore(db *sql.DB, opts ...Option) *SQLStore {
	return newSQLStore(db, mysql, opts)
}
