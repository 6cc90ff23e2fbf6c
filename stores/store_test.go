package stores_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mickamy/txbus"
	"github.com/mickamy/txbus/stores"
	"github.com/mickamy/txbus/test/database"
)

type storeFactory struct {
	name string
	open func(t *testing.T) *sql.DB
	new  func(db *sql.DB, opts ...stores.Option) *stores.SQLStore
}

var factories = []storeFactory{
	{name: "sqlite", open: database.OpenSQLite, new: stores.NewSQLiteStore},
	{name: "postgres", open: database.OpenPostgres, new: stores.NewPostgresStore},
	{name: "mysql", open: database.OpenMySQL, new: stores.NewMySQLStore},
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func forEachStore(t *testing.T, fn func(t *testing.T, db *sql.DB, store *stores.SQLStore, clk *clock)) {
	t.Helper()
	for _, f := range factories {
		t.Run(f.name, func(t *testing.T) {
			db := f.open(t)
			clk := newClock()
			fn(t, db, f.new(db, stores.WithNow(clk.Now)), clk)
		})
	}
}

func addRows(t *testing.T, ctx context.Context, db *sql.DB, store *stores.SQLStore, clk *clock, sessions ...string) []int64 {
	t.Helper()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	ids := make([]int64, 0, len(sessions))
	for i, session := range sessions {
		id, err := store.Add(ctx, tx, txbus.OutboxMessage{
			Queue:     "accounts",
			SessionID: session,
			TypeTag:   "account.created",
			MessageID: fmt.Sprintf("msg-%d", i),
			Payload:   []byte(fmt.Sprintf(`{"n":%d}`, i)),
			CreatedAt: clk.Now(),
		})
		if err != nil {
			_ = tx.Rollback()
			t.Fatalf("Add(%d) error: %v", i, err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return ids
}

func claimedIDs(msgs []txbus.OutboxMessage) []int64 {
	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func TestStoreLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, db *sql.DB, store *stores.SQLStore, clk *clock) {
		ctx := context.Background()
		ids := addRows(t, ctx, db, store, clk, "account-1")

		msgs, err := store.Claim(ctx, "relay-1", 5, time.Minute)
		if err != nil {
			t.Fatalf("Claim error: %v", err)
		}
		if len(msgs) != 1 {
			t.Fatalf("expected 1 message, got %d", len(msgs))
		}
		got := msgs[0]
		if got.ID != ids[0] || got.SessionID != "account-1" || got.TypeTag != "account.created" || got.MessageID != "msg-0" {
			t.Fatalf("claimed row = %+v", got)
		}
		if string(got.Payload) != `{"n":0}` {
			t.Fatalf("payload = %s", got.Payload)
		}
		if got.Status != txbus.StatusSending || got.ClaimedBy != "relay-1" {
			t.Fatalf("status = %s claimed_by = %s, want sending/relay-1", got.Status, got.ClaimedBy)
		}
		if !got.NextAttemptAt.Equal(clk.Now().Add(time.Minute)) {
			t.Fatalf("lease = %v, want %v", got.NextAttemptAt, clk.Now().Add(time.Minute))
		}

		if err := store.Retry(ctx, "relay-1", got.ID, 1, clk.Now().Add(time.Minute), "boom"); err != nil {
			t.Fatalf("Retry error: %v", err)
		}
		if msgs, err := store.Claim(ctx, "relay-1", 5, time.Minute); err != nil || len(msgs) != 0 {
			t.Fatalf("Claim before retry time = %d rows, %v; want none", len(msgs), err)
		}

		clk.Advance(2 * time.Minute)
		msgs, err = store.Claim(ctx, "relay-2", 5, time.Minute)
		if err != nil {
			t.Fatalf("Claim after retry time error: %v", err)
		}
		if len(msgs) != 1 || msgs[0].Attempts != 1 || msgs[0].LastError != "boom" {
			t.Fatalf("reclaimed = %+v, want attempts=1 last_error=boom", msgs)
		}
		if err := store.Fail(ctx, msgs[0].ID, 2, "rejected"); err != nil {
			t.Fatalf("Fail error: %v", err)
		}

		counts, err := store.Counts(ctx)
		if err != nil {
			t.Fatalf("Counts error: %v", err)
		}
		if diff := cmp.Diff(map[txbus.Status]int64{txbus.StatusFailed: 1}, counts); diff != "" {
			t.Fatalf("Counts mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestStoreClaimEmpty(t *testing.T) {
	forEachStore(t, func(t *testing.T, _ *sql.DB, store *stores.SQLStore, _ *clock) {
		msgs, err := store.Claim(context.Background(), "relay", 10, time.Minute)
		if err != nil {
			t.Fatalf("Claim error: %v", err)
		}
		if len(msgs) != 0 {
			t.Fatalf("expected 0 messages, got %d", len(msgs))
		}
	})
}

func TestStoreRollbackLeavesNoRow(t *testing.T) {
	forEachStore(t, func(t *testing.T, db *sql.DB, store *stores.SQLStore, clk *clock) {
		ctx := context.Background()
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin tx: %v", err)
		}
		if _, err := store.Add(ctx, tx, txbus.OutboxMessage{
			Queue: "accounts", TypeTag: "account.created", MessageID: "m", Payload: []byte(`{}`), CreatedAt: clk.Now(),
		}); err != nil {
			t.Fatalf("Add error: %v", err)
		}
		if err := tx.Rollback(); err != nil {
			t.Fatalf("rollback: %v", err)
		}
		msgs, err := store.Claim(ctx, "relay", 10, time.Minute)
		if err != nil {
			t.Fatalf("Claim error: %v", err)
		}
		if len(msgs) != 0 {
			t.Fatalf("rolled back row was claimed: %+v", msgs)
		}
	})
}

func TestStoreClaimSessionPrefix(t *testing.T) {
	forEachStore(t, func(t *testing.T, db *sql.DB, store *stores.SQLStore, clk *clock) {
		ctx := context.Background()
		ids := addRows(t, ctx, db, store, clk, "A", "A", "A", "B", "B", "")

		first, err := store.Claim(ctx, "relay-1", 2, time.Minute)
		if err != nil {
			t.Fatalf("first Claim error: %v", err)
		}
		if diff := cmp.Diff(ids[:2], claimedIDs(first)); diff != "" {
			t.Fatalf("first claim mismatch (-want +got):\n%s", diff)
		}

		second, err := store.Claim(ctx, "relay-2", 10, time.Minute)
		if err != nil {
			t.Fatalf("second Claim error: %v", err)
		}
		// A's third row waits behind rows leased by relay-1.
		want := []int64{ids[5], ids[3], ids[4]}
		if diff := cmp.Diff(want, claimedIDs(second)); diff != "" {
			t.Fatalf("second claim mismatch (-want +got):\n%s", diff)
		}

		if err := store.Retry(ctx, "relay-1", ids[0], 1, clk.Now().Add(time.Hour), "boom"); err != nil {
			t.Fatalf("Retry error: %v", err)
		}
		if err := store.Release(ctx, "relay-1", []int64{ids[1]}); err != nil {
			t.Fatalf("Release error: %v", err)
		}
		third, err := store.Claim(ctx, "relay-3", 10, time.Minute)
		if err != nil {
			t.Fatalf("third Claim error: %v", err)
		}
		if len(third) != 0 {
			t.Fatalf("session A claimed while its head backs off: %v", claimedIDs(third))
		}

		if err := store.Fail(ctx, ids[0], 2, "gave up"); err != nil {
			t.Fatalf("Fail error: %v", err)
		}
		fourth, err := store.Claim(ctx, "relay-3", 10, time.Minute)
		if err != nil {
			t.Fatalf("fourth Claim error: %v", err)
		}
		if diff := cmp.Diff(ids[1:3], claimedIDs(fourth)); diff != "" {
			t.Fatalf("claim after failed head mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestStoreClaimAllowsExpiredLeases(t *testing.T) {
	forEachStore(t, func(t *testing.T, db *sql.DB, store *stores.SQLStore, clk *clock) {
		ctx := context.Background()
		addRows(t, ctx, db, store, clk, "A")

		firstClaim, err := store.Claim(ctx, "relay-initial", 1, time.Minute)
		if err != nil {
			t.Fatalf("initial Claim error: %v", err)
		}
		if len(firstClaim) != 1 {
			t.Fatalf("expected 1 message on first claim, got %d", len(firstClaim))
		}

		clk.Advance(time.Minute + time.Second)
		secondClaim, err := store.Claim(ctx, "relay-reclaim", 1, time.Minute)
		if err != nil {
			t.Fatalf("second Claim error: %v", err)
		}
		if len(secondClaim) != 1 {
			t.Fatalf("expected 1 message after lease expiry, got %d", len(secondClaim))
		}
		if secondClaim[0].ID != firstClaim[0].ID {
			t.Fatalf("expected to reclaim id=%d, got %d", firstClaim[0].ID, secondClaim[0].ID)
		}

		// The original owner lost the lease and must not move the row.
		if err := store.Release(ctx, "relay-initial", []int64{firstClaim[0].ID}); err != nil {
			t.Fatalf("Release error: %v", err)
		}
		counts, err := store.Counts(ctx)
		if err != nil {
			t.Fatalf("Counts error: %v", err)
		}
		if counts[txbus.StatusSending] != 1 {
			t.Fatalf("sending rows = %d, want 1", counts[txbus.StatusSending])
		}
	})
}

func TestStoreMarkSentAndPurge(t *testing.T) {
	forEachStore(t, func(t *testing.T, db *sql.DB, store *stores.SQLStore, clk *clock) {
		ctx := context.Background()
		ids := addRows(t, ctx, db, store, clk, "A", "B")
		if _, err := store.Claim(ctx, "relay", 10, time.Minute); err != nil {
			t.Fatalf("Claim error: %v", err)
		}
		if err := store.MarkSent(ctx, ids, clk.Now()); err != nil {
			t.Fatalf("MarkSent error: %v", err)
		}
		if n, err := store.Purge(ctx, clk.Now().Add(-time.Hour)); err != nil || n != 0 {
			t.Fatalf("Purge(before sent) = %d, %v; want 0", n, err)
		}
		n, err := store.Purge(ctx, clk.Now().Add(time.Second))
		if err != nil {
			t.Fatalf("Purge error: %v", err)
		}
		if n != 2 {
			t.Fatalf("purged %d rows, want 2", n)
		}
	})
}

func TestStoreClaimConcurrentWorkers(t *testing.T) {
	for _, f := range factories {
		if f.name == "sqlite" {
			continue
		}
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			db := f.open(t)
			store := f.new(db)
			clk := newClock()
			clk.now = time.Now().UTC().Add(-time.Minute)

			const (
				totalMessages = 6
				workers       = 3
				batchSize     = 2
			)
			sessions := make([]string, totalMessages)
			addRows(t, ctx, db, store, clk, sessions...)

			start := make(chan struct{})
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				claimed = make(map[int64]struct{})
			)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(worker int) {
					defer wg.Done()
					<-start
					msgs, err := store.Claim(ctx, fmt.Sprintf("relay-%d", worker), batchSize, time.Minute)
					if err != nil {
						t.Errorf("Claim relay-%d: %v", worker, err)
						return
					}
					mu.Lock()
					defer mu.Unlock()
					for _, m := range msgs {
						if _, exists := claimed[m.ID]; exists {
							t.Errorf("duplicate claim id=%d", m.ID)
							continue
						}
						claimed[m.ID] = struct{}{}
					}
				}(i)
			}
			close(start)
			wg.Wait()

			if len(claimed) != totalMessages {
				t.Fatalf("claimed %d messages, want %d", len(claimed), totalMessages)
			}
		})
	}
}
