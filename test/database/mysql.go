package database

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/mickamy/txbus/stores"
)

// OpenMySQL connects to MYSQL_DSN, ensures the outbox table and empties it.
// The DSN needs parseTime=true&loc=UTC. The test is skipped when MYSQL_DSN is unset.
func OpenMySQL(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		t.Skip("MYSQL_DSN not set")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Fatalf("open mysql (%s): %v", dsn, err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping mysql (%s): %v", dsn, err)
	}
	if err := stores.NewMySQLStore(db).CreateTable(ctx); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	if _, err := db.ExecContext(ctx, `TRUNCATE `+stores.DefaultTable); err != nil {
		t.Fatalf("truncate %s: %v", stores.DefaultTable, err)
	}
	return db
}
