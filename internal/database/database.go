// Package database opens the outbox database for the txbus binaries.
package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/mickamy/txbus/internal/config"
	"github.com/mickamy/txbus/stores"
)

// Open connects to the configured database and returns it with a matching
// outbox store. The outbox table is created when missing.
func Open(ctx context.Context, cfg config.Database) (*sql.DB, *stores.SQLStore, error) {
	var opts []stores.Option
	if cfg.Table != "" {
		opts = append(opts, stores.WithTable(cfg.Table))
	}

	var (
		db  *sql.DB
		err error
		open func(*sql.DB, ...stores.Option) *stores.SQLStore
	)
	switch cfg.Driver {
	case "postgres":
		db, err = sql.Open("pgx", cfg.DSN)
		open = stores.NewPostgresStore
	case "mysql":
		var mc *mysql.Config
		mc, err = mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		mc.ParseTime = true
		mc.Loc = time.UTC
		var conn driver.Connector
		conn, err = mysql.NewConnector(mc)
		if err == nil {
			db = sql.OpenDB(conn)
		}
		open = stores.NewMySQLStore
	case "sqlite":
		db, err = sql.Open("sqlite", cfg.DSN)
		if err == nil {
			db.SetMaxOpenConns(1)
		}
		open = stores.NewSQLiteStore
	default:
		return nil, nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}
	store := open(db, opts...)
	if err := store.CreateTable(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("create outbox table: %w", err)
	}
	return db, store, nil
}
