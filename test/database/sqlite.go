package database

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mickamy/txbus/stores"
)

// OpenSQLite returns an in-memory SQLite DB with the outbox table ensured.
// It holds a single connection so writers never race for the lock.
func OpenSQLite(t *testing.T) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:txbus_%d?mode=memory&cache=shared&_time_format=sqlite", time.Now().UnixNano())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping sqlite: %v", err)
	}
	if err := stores.NewSQLiteStore(db).CreateTable(ctx); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return db
}
