package txbus_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mickamy/txbus"
	"github.com/mickamy/txbus/broker/memq"
	"github.com/mickamy/txbus/stores"
	"github.com/mickamy/txbus/test/database"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	db     *sql.DB
	store  *stores.SQLStore
	codec  *txbus.Codec
	outbox *txbus.Outbox
	queue  *memq.Queue
	clk    *testClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := database.OpenSQLite(t)
	clk := &testClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := stores.NewSQLiteStore(db, stores.WithNow(clk.Now))
	codec := newCodec(t, txbus.WithCodecNow(clk.Now))
	return &harness{
		db:     db,
		store:  store,
		codec:  codec,
		outbox: txbus.NewOutbox(store, codec, "orders"),
		queue:  memq.New(codec),
		clk:    clk,
	}
}

func (h *harness) enqueue(t *testing.T, commit bool, session string, ns ...int) {
	t.Helper()
	ctx := context.Background()
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for _, n := range ns {
		if _, err := h.outbox.Enqueue(ctx, tx, ping{N: n}, session); err != nil {
			_ = tx.Rollback()
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if !commit {
		if err := tx.Rollback(); err != nil {
			t.Fatalf("rollback: %v", err)
		}
		return
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func (h *harness) relay(store txbus.Store) *txbus.Relay {
	return txbus.NewRelay(store, h.queue, txbus.Options{
		BatchSize: 4,
		LeaseTTL:  time.Minute,
		Now:       h.clk.Now,
	})
}

// drainOutbox runs relay cycles until no row is left to publish.
func (h *harness) drainOutbox(t *testing.T, relay *txbus.Relay) {
	t.Helper()
	ctx := context.Background()
	for range 50 {
		if err := relay.ProcessOnce(ctx); err != nil {
			t.Fatalf("ProcessOnce: %v", err)
		}
		counts, err := h.store.Counts(ctx)
		if err != nil {
			t.Fatalf("Counts: %v", err)
		}
		if counts[txbus.StatusPending]+counts[txbus.StatusRetry]+counts[txbus.StatusSending] == 0 {
			return
		}
	}
	t.Fatal("outbox did not drain")
}

type markSentFailingStore struct {
	*stores.SQLStore
}

func (markSentFailingStore) MarkSent(context.Context, []int64, time.Time) error {
	return errors.New("connection reset")
}

func TestEndToEndSessionOrdering(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	for i := 1; i <= 6; i++ {
		h.enqueue(t, true, "A", i)
		h.enqueue(t, true, "B", 10+i)
	}
	h.enqueue(t, true, "", 100, 101)
	h.drainOutbox(t, h.relay(h.store))

	ch := make(chan handled, 32)
	d := txbus.NewDispatcher(h.queue, h.codec, dispatcherOptions(newDeadLetterSpy()))
	subscribe(t, d, recorder(ch), nil)

	got := bySession(recvN(t, ch, 14))
	if diff := cmp.Diff([]int{1, 2, 3, 4, 5, 6}, got["A"]); diff != "" {
		t.Fatalf("session A mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{11, 12, 13, 14, 15, 16}, got["B"]); diff != "" {
		t.Fatalf("session B mismatch (-want +got):\n%s", diff)
	}
	if len(got[""]) != 2 {
		t.Fatalf("unsessioned handled = %v, want 2", got[""])
	}
}

func TestEndToEndRolledBackMessagesAreNeverDelivered(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.enqueue(t, false, "A", 1, 2)
	h.enqueue(t, true, "A", 3)
	h.drainOutbox(t, h.relay(h.store))

	if n := h.queue.Len("orders"); n != 1 {
		t.Fatalf("queue Len = %d, want 1", n)
	}
	ch := make(chan handled, 4)
	d := txbus.NewDispatcher(h.queue, h.codec, dispatcherOptions(newDeadLetterSpy()))
	subscribe(t, d, recorder(ch), nil)
	if got := recvN(t, ch, 1); got[0] != (handled{"A", 3}) {
		t.Fatalf("handled = %+v, want A/3", got)
	}
}

func TestEndToEndFailureStaysInsideSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.enqueue(t, true, "A", 1, 2)
	h.enqueue(t, true, "B", 10, 11)
	h.drainOutbox(t, h.relay(h.store))

	ch := make(chan handled, 8)
	dls := newDeadLetterSpy()
	opts := dispatcherOptions(dls)
	opts.MaxDeliveries = 2
	d := txbus.NewDispatcher(h.queue, h.codec, opts)
	subscribe(t, d, func(ctx context.Context, msg txbus.Message, sessionID string) error {
		if msg.(ping).N == 1 {
			return errors.New("poison")
		}
		return recorder(ch)(ctx, msg, sessionID)
	}, nil)

	got := bySession(recvN(t, ch, 2))
	if diff := cmp.Diff(map[string][]int{"B": {10, 11}}, got); diff != "" {
		t.Fatalf("handled mismatch (-want +got):\n%s", diff)
	}
	dead := recvN(t, dls.ch, 2)
	if dead[0].Reason != txbus.ReasonMaxDeliveriesExceeded || dead[1].Reason != txbus.ReasonSessionFaulted {
		t.Fatalf("dead letters = %s, %s", dead[0].Reason, dead[1].Reason)
	}
}

func TestEndToEndRedeliversAfterRelayCrash(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.enqueue(t, true, "A", 1, 2)
	ctx := context.Background()

	// The first relay publishes but loses its database connection before
	// recording the result.
	crashed := h.relay(markSentFailingStore{h.store})
	if err := crashed.ProcessOnce(ctx); err == nil {
		t.Fatal("ProcessOnce succeeded with failing MarkSent")
	}
	if n := h.queue.Len("orders"); n != 2 {
		t.Fatalf("queue Len after first relay = %d, want 2", n)
	}
	counts, err := h.store.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[txbus.StatusSending] != 2 {
		t.Fatalf("sending = %d, want 2 rows still leased", counts[txbus.StatusSending])
	}

	h.clk.Advance(2 * time.Minute)
	h.drainOutbox(t, h.relay(h.store))
	if n := h.queue.Len("orders"); n != 4 {
		t.Fatalf("queue Len after takeover = %d, want 4", n)
	}

	ch := make(chan handled, 8)
	d := txbus.NewDispatcher(h.queue, h.codec, dispatcherOptions(newDeadLetterSpy()))
	subscribe(t, d, recorder(ch), nil)
	got := bySession(recvN(t, ch, 4))
	if diff := cmp.Diff(map[string][]int{"A": {1, 2, 1, 2}}, got); diff != "" {
		t.Fatalf("handled mismatch (-want +got):\n%s", diff)
	}
}

// tapSender records what each relay hands to the broker and runs afterFirst
// once the first send went through.
type tapSender struct {
	name       string
	next       txbus.Sender
	codec      *txbus.Codec
	log        *sendLog
	once       sync.Once
	afterFirst func()
}

type sendLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *sendLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *sendLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func (s *tapSender) Send(ctx context.Context, queue string, envs ...txbus.Envelope) error {
	for _, env := range envs {
		msg, err := s.codec.Open(env)
		if err != nil {
			return err
		}
		s.log.add(fmt.Sprintf("%s:%d", s.name, msg.(ping).N))
	}
	if err := s.next.Send(ctx, queue, envs...); err != nil {
		return err
	}
	if s.afterFirst != nil {
		s.once.Do(s.afterFirst)
	}
	return nil
}

func TestEndToEndExpiredLeaseHandsSessionToOtherRelay(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.enqueue(t, true, "S", 1, 2, 3)
	ctx := context.Background()
	log := &sendLog{}

	relayB := txbus.NewRelay(h.store, &tapSender{name: "B", next: h.queue, codec: h.codec, log: log},
		txbus.Options{WorkerID: "relay-b", LeaseTTL: time.Second, Now: h.clk.Now})
	// Relay A stalls past its lease after the first row, and relay B takes
	// the session over in the meantime.
	relayA := txbus.NewRelay(h.store, &tapSender{
		name:  "A",
		next:  h.queue,
		codec: h.codec,
		log:   log,
		afterFirst: func() {
			h.clk.Advance(5 * time.Second)
			if err := relayB.ProcessOnce(ctx); err != nil {
				t.Errorf("relay B ProcessOnce: %v", err)
			}
		},
	}, txbus.Options{WorkerID: "relay-a", LeaseTTL: time.Second, Now: h.clk.Now})

	if err := relayA.ProcessOnce(ctx); err != nil {
		t.Fatalf("relay A ProcessOnce: %v", err)
	}

	if diff := cmp.Diff([]string{"A:1", "B:1", "B:2", "B:3"}, log.snapshot()); diff != "" {
		t.Fatalf("broker log mismatch (-want +got):\n%s", diff)
	}
	counts, err := h.store.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[txbus.StatusSent] != 3 {
		t.Fatalf("sent rows = %d, want 3", counts[txbus.StatusSent])
	}

	ch := make(chan handled, 8)
	d := txbus.NewDispatcher(h.queue, h.codec, dispatcherOptions(newDeadLetterSpy()))
	subscribe(t, d, recorder(ch), nil)
	got := bySession(recvN(t, ch, 4))
	if diff := cmp.Diff(map[string][]int{"S": {1, 1, 2, 3}}, got); diff != "" {
		t.Fatalf("handled mismatch (-want +got):\n%s", diff)
	}
}
