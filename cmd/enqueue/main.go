package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mickamy/txbus"
	"github.com/mickamy/txbus/internal/config"
	"github.com/mickamy/txbus/internal/database"
	"github.com/mickamy/txbus/internal/events"
	"github.com/mickamy/txbus/internal/sqlutil"
)

const accountsDDL = `CREATE TABLE IF NOT EXISTS accounts (
    id     VARCHAR(64) PRIMARY KEY,
    email  VARCHAR(255) NOT NULL,
    status VARCHAR(16) NOT NULL
)`

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	email := flag.String("email", "someone@example.com", "account email")
	updates := flag.Int("updates", 2, "number of email updates to record after creation")
	closeAccount := flag.Bool("close", true, "close the account at the end")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := cfg.Logger()
	ctx := context.Background()

	db, store, err := database.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() { _ = db.Close() }()
	if _, err := db.ExecContext(ctx, accountsDDL); err != nil {
		log.Fatalf("create accounts table: %v", err)
	}

	codec, err := events.NewCodec(cfg.Format)
	if err != nil {
		log.Fatalf("init codec: %v", err)
	}
	outbox := txbus.NewOutbox(store, codec, cfg.Queue)
	numbered := cfg.Database.Driver == "postgres"

	id := uuid.NewString()
	steps := []func(tx *sql.Tx) error{
		func(tx *sql.Tx) error {
			args := sqlutil.NewArgs(numbered)
			q := fmt.Sprintf(`INSERT INTO accounts (id, email, status) VALUES (%s, %s, %s)`,
				args.Arg(id), args.Arg(*email), args.Arg("open"))
			if _, err := tx.ExecContext(ctx, q, args.Values()...); err != nil {
				return err
			}
			_, err := outbox.Enqueue(ctx, tx, events.AccountCreated{AccountID: id, Email: *email, CreatedAt: time.Now().UTC()}, id)
			return err
		},
	}
	for i := range *updates {
		next := fmt.Sprintf("%d.%s", i+1, *email)
		steps = append(steps, func(tx *sql.Tx) error {
			args := sqlutil.NewArgs(numbered)
			q := fmt.Sprintf(`UPDATE accounts SET email = %s WHERE id = %s`, args.Arg(next), args.Arg(id))
			if _, err := tx.ExecContext(ctx, q, args.Values()...); err != nil {
				return err
			}
			_, err := outbox.Enqueue(ctx, tx, events.AccountUpdated{AccountID: id, Email: next}, id)
			return err
		})
	}
	if *closeAccount {
		steps = append(steps, func(tx *sql.Tx) error {
			args := sqlutil.NewArgs(numbered)
			q := fmt.Sprintf(`UPDATE accounts SET status = %s WHERE id = %s`, args.Arg("closed"), args.Arg(id))
			if _, err := tx.ExecContext(ctx, q, args.Values()...); err != nil {
				return err
			}
			_, err := outbox.Enqueue(ctx, tx, events.AccountClosed{AccountID: id, Reason: "requested"}, id)
			return err
		})
	}

	for i, step := range steps {
		if err := inTx(ctx, db, step); err != nil {
			log.Fatalf("step %d: %v", i, err)
		}
	}
	logger.Info("enqueued account events", "account_id", id, "count", len(steps), "queue", cfg.Queue)
}

func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
