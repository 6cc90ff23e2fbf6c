package database

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/mickamy/txbus/stores"
)

// OpenPostgres connects to POSTGRES_DSN, ensures the outbox table and empties it.
// The test is skipped when POSTGRES_DSN is unset.
func OpenPostgres(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres (%s): %v", dsn, err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping postgres (%s): %v", dsn, err)
	}
	if err := stores.NewPostgresStore(db).CreateTable(ctx); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	if _, err := db.ExecContext(ctx, `TRUNCATE `+stores.DefaultTable+` RESTART IDENTITY`); err != nil {
		t.Fatalf("truncate %s: %v", stores.DefaultTable, err)
	}
	return db
}
