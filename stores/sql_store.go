// Package stores implements txbus.Store on top of database/sql for
// PostgreSQL, MySQL and SQLite.
package stores

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mickamy/txbus"
	"github.com/mickamy/txbus/internal/sqlutil"
)

// DefaultTable is the outbox table name used when WithTable is not given.
const DefaultTable = "txbus_outbox"

const unsentStatuses = "('pending','retry','sending')"

type dialect struct {
	name string
	// quote wraps identifiers.
	quote string
	// numbered placeholders ($1) instead of "?".
	numbered bool
	// lock is appended to the candidate query; empty when the engine has no row locks.
	lock string
	// returning inserts use RETURNING id instead of LastInsertId.
	returning bool
	// schema renders the DDL statements for a table.
	schema func(table string, quote func(string) string) []string
}

// Option configures a SQLStore.
type Option func(*SQLStore)

// WithTable overrides the default table name.
func WithTable(name string) Option {
	return func(s *SQLStore) {
		if name != "" {
			s.table = name
		}
	}
}

// WithNow overrides the clock used for lease and retry timestamps.
func WithNow(now func() time.Time) Option {
	return func(s *SQLStore) {
		if now != nil {
			s.now = now
		}
	}
}

// SQLStore implements txbus.Store for one SQL dialect.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	table   string
	now     func() time.Time
}

var _ txbus.Store = (*SQLStore)(nil)

func newSQLStore(db *sql.DB, d dialect, opts []Option) *SQLStore {
	s := &SQLStore{
		db:      db,
		dialect: d,
		table:   DefaultTable,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dialect returns the SQL dialect name.
func (s *SQLStore) Dialect() string {
	return s.dialect.name
}

// CreateTable creates the outbox table and its indexes when missing.
func (s *SQLStore) CreateTable(ctx context.Context) error {
	quote := func(name string) string {
		return sqlutil.QuoteIdentifier(name, s.dialect.quote)
	}
	for _, stmt := range s.dialect.schema(s.table, quote) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("txbus: create %s table: %w", s.dialect.name, err)
		}
	}
	return nil
}

// Add inserts a pending row within the caller's transaction.
func (s *SQLStore) Add(ctx context.Context, exec txbus.Executor, msg txbus.OutboxMessage) (int64, error) {
	if msg.Queue == "" {
		return 0, errors.New("txbus: queue is required")
	}
	if msg.TypeTag == "" {
		return 0, errors.New("txbus: type tag is required")
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	createdAt = createdAt.UTC()
	b := s.builder()
	query := fmt.Sprintf(
		"INSERT INTO %s (queue, session_id, type_tag, message_id, payload, status, attempts, next_attempt_at, created_at) VALUES (%s, %s, %s, %s, %s, 'pending', 0, %s, %s)",
		s.tableIdent(),
		b.Arg(msg.Queue), b.Arg(msg.SessionID), b.Arg(msg.TypeTag), b.Arg(msg.MessageID),
		b.Arg(msg.Payload), b.Arg(createdAt), b.Arg(createdAt),
	)
	if s.dialect.returning {
		var id int64
		if err := exec.QueryRowContext(ctx, query+" RETURNING id", b.Values()...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := exec.ExecContext(ctx, query, b.Values()...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Claim leases up to limit rows for workerID. A session contributes only the
// unbroken run of rows that starts at its oldest unsent row, so a session
// whose head is leased elsewhere or waiting for a retry is skipped.
func (s *SQLStore) Claim(ctx context.Context, workerID string, limit int, leaseTTL time.Duration) ([]txbus.OutboxMessage, error) {
	if limit <= 0 {
		return nil, errors.New("txbus: batch size must be positive")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := s.now().UTC()
	candidates, err := s.selectCandidates(ctx, tx, now, limit)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, tx.Commit()
	}
	ids, err := s.sessionPrefixes(ctx, tx, candidates)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	if err := s.markSending(ctx, tx, ids, workerID, now, now.Add(leaseTTL)); err != nil {
		return nil, err
	}
	msgs, err := s.fetch(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msgs, nil
}

type candidate struct {
	id        int64
	sessionID string
}

func (s *SQLStore) selectCandidates(ctx context.Context, tx *sql.Tx, now time.Time, limit int) ([]candidate, error) {
	b := s.builder()
	query := fmt.Sprintf(`
SELECT id, session_id FROM %s
WHERE status IN %s
  AND next_attempt_at <= %s
ORDER BY id
LIMIT %d
%s`, s.tableIdent(), unsentStatuses, b.Arg(now), limit, s.dialect.lock)
	rows, err := tx.QueryContext(ctx, query, b.Values()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.sessionID); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// sessionPrefixes keeps unsessioned candidates and, per session, the
// candidates that form a contiguous run from the session's oldest unsent row.
func (s *SQLStore) sessionPrefixes(ctx context.Context, tx *sql.Tx, candidates []candidate) ([]int64, error) {
	eligible := make(map[int64]struct{}, len(candidates))
	var (
		ids      []int64
		sessions []string
		seen     = make(map[string]struct{})
		maxID    int64
	)
	for _, c := range candidates {
		maxID = max(maxID, c.id)
		if c.sessionID == "" {
			ids = append(ids, c.id)
			continue
		}
		eligible[c.id] = struct{}{}
		if _, ok := seen[c.sessionID]; !ok {
			seen[c.sessionID] = struct{}{}
			sessions = append(sessions, c.sessionID)
		}
	}
	if len(sessions) == 0 {
		return ids, nil
	}

	b := s.builder()
	query := fmt.Sprintf(`
SELECT id, session_id FROM %s
WHERE session_id IN (%s)
  AND status IN %s
  AND id <= %s
ORDER BY id`, s.tableIdent(), b.List(toAny(sessions)), unsentStatuses, b.Arg(maxID))
	rows, err := tx.QueryContext(ctx, query, b.Values()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	blocked := make(map[string]bool, len(sessions))
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.sessionID); err != nil {
			return nil, err
		}
		if blocked[c.sessionID] {
			continue
		}
		if _, ok := eligible[c.id]; !ok {
			blocked[c.sessionID] = true
			continue
		}
		ids = append(ids, c.id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) markSending(ctx context.Context, tx *sql.Tx, ids []int64, workerID string, claimedAt, leaseUntil time.Time) error {
	b := s.builder()
	query := fmt.Sprintf(`
UPDATE %s
SET status = 'sending',
    claimed_by = %s,
    claimed_at = %s,
    next_attempt_at = %s
WHERE id IN (%s)`, s.tableIdent(), b.Arg(workerID), b.Arg(claimedAt), b.Arg(leaseUntil), b.List(toAny(ids)))
	_, err := tx.ExecContext(ctx, query, b.Values()...)
	return err
}

func (s *SQLStore) fetch(ctx context.Context, tx *sql.Tx, ids []int64) ([]txbus.OutboxMessage, error) {
	b := s.builder()
	query := fmt.Sprintf(`
SELECT id, queue, session_id, type_tag, message_id, payload, status, attempts,
       next_attempt_at, claimed_by, created_at, sent_at, last_error
FROM %s
WHERE id IN (%s)
ORDER BY session_id, id`, s.tableIdent(), b.List(toAny(ids)))
	rows, err := tx.QueryContext(ctx, query, b.Values()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []txbus.OutboxMessage
	for rows.Next() {
		var (
			m         txbus.OutboxMessage
			status    string
			claimedBy sql.NullString
			sentAt    sql.NullTime
			lastError sql.NullString
		)
		if err := rows.Scan(
			&m.ID, &m.Queue, &m.SessionID, &m.TypeTag, &m.MessageID, &m.Payload, &status, &m.Attempts,
			&m.NextAttemptAt, &claimedBy, &m.CreatedAt, &sentAt, &lastError,
		); err != nil {
			return nil, err
		}
		m.Payload = bytes.Clone(m.Payload)
		m.Status = txbus.Status(status)
		m.ClaimedBy = claimedBy.String
		m.LastError = lastError.String
		if sentAt.Valid {
			t := sentAt.Time
			m.SentAt = &t
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkSent records broker acceptance for ids.
func (s *SQLStore) MarkSent(ctx context.Context, ids []int64, sentAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	b := s.builder()
	query := fmt.Sprintf(
		"UPDATE %s SET status = 'sent', sent_at = %s, claimed_by = NULL, claimed_at = NULL, last_error = NULL WHERE id IN (%s)",
		s.tableIdent(), b.Arg(sentAt.UTC()), b.List(toAny(ids)),
	)
	_, err := s.db.ExecContext(ctx, query, b.Values()...)
	return err
}

// Retry schedules the row for another attempt if workerID still owns it.
func (s *SQLStore) Retry(ctx context.Context, workerID string, id int64, attempts int, nextAttempt time.Time, cause string) error {
	b := s.builder()
	query := fmt.Sprintf(`
UPDATE %s
SET status = 'retry',
    attempts = %s,
    next_attempt_at = %s,
    last_error = %s,
    claimed_by = NULL,
    claimed_at = NULL
WHERE id = %s AND status = 'sending' AND claimed_by = %s`,
		s.tableIdent(), b.Arg(attempts), b.Arg(nextAttempt.UTC()), b.Arg(cause), b.Arg(id), b.Arg(workerID))
	_, err := s.db.ExecContext(ctx, query, b.Values()...)
	return err
}

// Release returns rows still leased by workerID to pending without counting an attempt.
func (s *SQLStore) Release(ctx context.Context, workerID string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	b := s.builder()
	query := fmt.Sprintf(`
UPDATE %s
SET status = 'pending',
    next_attempt_at = %s,
    claimed_by = NULL,
    claimed_at = NULL
WHERE status = 'sending' AND claimed_by = %s AND id IN (%s)`,
		s.tableIdent(), b.Arg(s.now().UTC()), b.Arg(workerID), b.List(toAny(ids)))
	_, err := s.db.ExecContext(ctx, query, b.Values()...)
	return err
}

// Fail marks the row permanently failed.
func (s *SQLStore) Fail(ctx context.Context, id int64, attempts int, cause string) error {
	b := s.builder()
	query := fmt.Sprintf(`
UPDATE %s
SET status = 'failed',
    attempts = %s,
    last_error = %s,
    claimed_by = NULL,
    claimed_at = NULL
WHERE id = %s`, s.tableIdent(), b.Arg(attempts), b.Arg(cause), b.Arg(id))
	_, err := s.db.ExecContext(ctx, query, b.Values()...)
	return err
}

// Purge deletes sent rows whose sent_at is before the cutoff.
func (s *SQLStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	b := s.builder()
	query := fmt.Sprintf("DELETE FROM %s WHERE status = 'sent' AND sent_at < %s",
		s.tableIdent(), b.Arg(before.UTC()))
	res, err := s.db.ExecContext(ctx, query, b.Values()...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Counts returns the number of rows per status. Operators use it for backlog checks.
func (s *SQLStore) Counts(ctx context.Context) (map[txbus.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT status, COUNT(*) FROM %s GROUP BY status", s.tableIdent()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[txbus.Status]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[txbus.Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *SQLStore) tableIdent() string {
	return sqlutil.QuoteIdentifier(s.table, s.dialect.quote)
}

func (s *SQLStore) builder() *sqlutil.Args {
	return sqlutil.NewArgs(s.dialect.numbered)
}

func toAny[T any](vs []T) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out
}
