package database_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mickamy/txbus/internal/config"
	"github.com/mickamy/txbus/internal/database"
)

func TestOpenSQLiteCreatesTable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db, store, err := database.Open(ctx, config.Database{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:dbtest_%d?mode=memory&cache=shared&_time_format=sqlite", time.Now().UnixNano()),
		Table:  "app_outbox",
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if store.Dialect() != "sqlite" {
		t.Fatalf("Dialect = %q, want sqlite", store.Dialect())
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM app_outbox`).Scan(&n); err != nil {
		t.Fatalf("query outbox table: %v", err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, _, err := database.Open(context.Background(), config.Database{Driver: "oracle", DSN: "x"}); err == nil {
		t.Fatal("expected error")
	}
}
