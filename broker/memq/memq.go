// Package memq is an in-process session queue. It implements both
// txbus.Sender and txbus.SessionQueue and is meant for tests and single
// binary deployments.
package memq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mickamy/txbus"
)

type message struct {
	id         string
	seq        int64
	body       []byte
	deliveries int
	enqueuedAt time.Time
}

type session struct {
	id         string
	msgs       []*message
	notBefore  time.Time
	leaseToken string
	leaseUntil time.Time
	lock       time.Duration
	state      []byte
}

func (s *session) leased(now time.Time) bool {
	return s.leaseToken != "" && now.Before(s.leaseUntil)
}

type queue struct {
	sessions map[string]*session
}

// Queue is an in-memory broker holding any number of named queues.
type Queue struct {
	codec *txbus.Codec
	now   func() time.Time

	mu     sync.Mutex
	queues map[string]*queue
	seq    int64
}

// Option configures a Queue.
type Option func(*Queue)

// WithNow overrides the clock used for leases and redelivery delays.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New creates an empty Queue that serializes envelopes with codec.
func New(codec *txbus.Codec, opts ...Option) *Queue {
	q := &Queue{
		codec:  codec,
		now:    time.Now,
		queues: make(map[string]*queue),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

var (
	_ txbus.Sender       = (*Queue)(nil)
	_ txbus.SessionQueue = (*Queue)(nil)
)

func sessionKey(env txbus.Envelope) string {
	if env.HasSession() {
		return "s:" + env.SessionID
	}
	return "u:" + env.MessageID
}

// Send appends envs to queue in argument order.
func (q *Queue) Send(ctx context.Context, queueName string, envs ...txbus.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bodies := make([][]byte, len(envs))
	for i, env := range envs {
		body, err := q.codec.Marshal(env)
		if err != nil {
			return txbus.Permanent(err)
		}
		bodies[i] = body
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	qu := q.queueLocked(queueName)
	now := q.now()
	for i, env := range envs {
		key := sessionKey(env)
		s, ok := qu.sessions[key]
		if !ok {
			s = &session{id: env.SessionID}
			qu.sessions[key] = s
		}
		q.seq++
		s.msgs = append(s.msgs, &message{
			id:         strconv.FormatInt(q.seq, 10),
			seq:        q.seq,
			body:       bodies[i],
			enqueuedAt: now,
		})
	}
	return nil
}

// AcceptSession leases sessionID, or the ready session with the oldest head
// message when sessionID is empty.
func (q *Queue) AcceptSession(ctx context.Context, queueName, sessionID string, lock time.Duration) (txbus.SessionReceiver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if lock <= 0 {
		return nil, errors.New("memq: lock duration must be positive")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	qu := q.queueLocked(queueName)
	now := q.now()

	var key string
	if sessionID != "" {
		key = "s:" + sessionID
		s, ok := qu.sessions[key]
		if !ok || len(s.msgs) == 0 || now.Before(s.notBefore) {
			return nil, txbus.ErrNoSession
		}
		if s.leased(now) {
			return nil, txbus.ErrSessionLocked
		}
	} else {
		var oldest int64
		for k, s := range qu.sessions {
			if len(s.msgs) == 0 || now.Before(s.notBefore) || s.leased(now) {
				continue
			}
			if key == "" || s.msgs[0].seq < oldest {
				key, oldest = k, s.msgs[0].seq
			}
		}
		if key == "" {
			return nil, txbus.ErrNoSession
		}
	}

	s := qu.sessions[key]
	s.leaseToken = uuid.NewString()
	s.leaseUntil = now.Add(lock)
	s.lock = lock
	return &receiver{q: q, queue: queueName, key: key, token: s.leaseToken}, nil
}

// Len returns the number of messages waiting in queue, leased or not.
func (q *Queue) Len(queueName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	if qu, ok := q.queues[queueName]; ok {
		for _, s := range qu.sessions {
			n += len(s.msgs)
		}
	}
	return n
}

func (q *Queue) queueLocked(name string) *queue {
	qu, ok := q.queues[name]
	if !ok {
		qu = &queue{sessions: make(map[string]*session)}
		q.queues[name] = qu
	}
	return qu
}

type receiver struct {
	q     *Queue
	queue string
	key   string
	token string
}

func (r *receiver) SessionID() string {
	if len(r.key) > 2 && r.key[:2] == "s:" {
		return r.key[2:]
	}
	return ""
}

// owned returns the session while the lease is held. Callers hold q.mu.
func (r *receiver) owned() (*session, error) {
	qu, ok := r.q.queues[r.queue]
	if !ok {
		return nil, txbus.ErrLeaseLost
	}
	s, ok := qu.sessions[r.key]
	if !ok || s.leaseToken != r.token || !s.leased(r.q.now()) {
		return nil, txbus.ErrLeaseLost
	}
	return s, nil
}

func (r *receiver) Receive(ctx context.Context) (*txbus.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.q.mu.Lock()
	defer r.q.mu.Unlock()
	s, err := r.owned()
	if err != nil {
		return nil, err
	}
	if len(s.msgs) == 0 {
		return nil, txbus.ErrSessionEmpty
	}
	head := s.msgs[0]
	head.deliveries++
	return &txbus.Delivery{
		ID:            head.id,
		SessionID:     s.id,
		Body:          head.body,
		DeliveryCount: head.deliveries,
		EnqueuedAt:    head.enqueuedAt,
	}, nil
}

func (r *receiver) Complete(_ context.Context, d *txbus.Delivery) error {
	r.q.mu.Lock()
	defer r.q.mu.Unlock()
	s, err := r.owned()
	if err != nil {
		return err
	}
	for i, m := range s.msgs {
		if m.id == d.ID {
			s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("memq: delivery %s not found", d.ID)
}

func (r *receiver) RenewLock(context.Context) error {
	r.q.mu.Lock()
	defer r.q.mu.Unlock()
	s, err := r.owned()
	if err != nil {
		return err
	}
	s.leaseUntil = r.q.now().Add(s.lock)
	return nil
}

func (r *receiver) State(context.Context) ([]byte, error) {
	r.q.mu.Lock()
	defer r.q.mu.Unlock()
	s, err := r.owned()
	if err != nil {
		return nil, err
	}
	if s.state == nil {
		return nil, nil
	}
	return append([]byte(nil), s.state...), nil
}

func (r *receiver) SetState(_ context.Context, state []byte) error {
	r.q.mu.Lock()
	defer r.q.mu.Unlock()
	s, err := r.owned()
	if err != nil {
		return err
	}
	if state == nil {
		s.state = nil
		return nil
	}
	s.state = append([]byte(nil), state...)
	return nil
}

func (r *receiver) Release(_ context.Context, redeliverAfter time.Duration) error {
	r.q.mu.Lock()
	defer r.q.mu.Unlock()
	s, err := r.owned()
	if err != nil {
		return err
	}
	s.leaseToken = ""
	s.leaseUntil = time.Time{}
	s.notBefore = r.q.now().Add(redeliverAfter)
	if len(s.msgs) == 0 && s.state == nil {
		delete(r.q.queues[r.queue].sessions, r.key)
	}
	return nil
}
