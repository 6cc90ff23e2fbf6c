// Package redisq is a session queue on Redis. It implements txbus.Sender and
// txbus.SessionQueue so several relay and consumer processes can share it.
//
// Redis data structures, per queue (all keys share the {queue} hash tag):
//   - {prefix}{queue}:seq             counter for delivery ids
//   - {prefix}{queue}:s:{key}         list of delivery ids of one session, in order
//   - {prefix}{queue}:m:{key}         hash of one session's messages: {id} body,
//     n:{id} deliveries, e:{id} enqueued at (ms)
//   - {prefix}{queue}:ready           sorted set of session keys, score = available at (ms)
//   - {prefix}{queue}:lease:{key}     lease token with PX expiry
//   - {prefix}{queue}:state:{key}     opaque session state
//
// Every key a script touches is passed in KEYS, and the hash tag keeps one
// queue in a single slot, so a queue works on Redis Cluster as well as on a
// single node. A leased session is scored at its lease expiry, which keeps it
// behind the sessions that are ready to be accepted.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mickamy/txbus"
)

const leaseLost = "TXBUS_LEASE_LOST"

// KEYS: seq, ready, then a list and message hash per envelope.
var enqueueScript = redis.NewScript(`
local now = tonumber(ARGV[1])
for i = 1, (#KEYS - 2) / 2 do
  local list = KEYS[1 + 2 * i]
  local msgs = KEYS[2 + 2 * i]
  local key = ARGV[2 * i]
  local id = redis.call('INCR', KEYS[1])
  redis.call('HSET', msgs, id, ARGV[2 * i + 1], 'n:' .. id, 0, 'e:' .. id, now)
  redis.call('RPUSH', list, id)
  redis.call('ZADD', KEYS[2], 'NX', now, key)
end
return 1
`)

// KEYS: ready, lease. Returns 1 on success, 2 if leased elsewhere, 0 if the
// session is absent or not yet available.
var acquireScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score then
  return 0
end
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 2
end
local now = tonumber(ARGV[2])
if tonumber(score) > now then
  return 0
end
redis.call('SET', KEYS[2], ARGV[3], 'PX', tonumber(ARGV[4]))
redis.call('ZADD', KEYS[1], 'XX', now + tonumber(ARGV[4]), ARGV[1])
return 1
`)

const checkLease = `
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return redis.error_reply('` + leaseLost + `')
end
`

// KEYS: lease, list, msgs.
var receiveScript = redis.NewScript(checkLease + `
local id = redis.call('LINDEX', KEYS[2], 0)
if not id then
  return false
end
local n = redis.call('HINCRBY', KEYS[3], 'n:' .. id, 1)
local f = redis.call('HMGET', KEYS[3], id, 'e:' .. id)
return {id, f[1], tostring(n), f[2]}
`)

// KEYS: lease, list, msgs, ready.
var completeScript = redis.NewScript(checkLease + `
local removed = redis.call('LREM', KEYS[2], 1, ARGV[2])
redis.call('HDEL', KEYS[3], ARGV[2], 'n:' .. ARGV[2], 'e:' .. ARGV[2])
if redis.call('LLEN', KEYS[2]) == 0 then
  redis.call('ZREM', KEYS[4], ARGV[3])
end
return removed
`)

// KEYS: lease, ready.
var renewScript = redis.NewScript(checkLease + `
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
redis.call('ZADD', KEYS[2], 'XX', tonumber(ARGV[3]), ARGV[4])
return 1
`)

// KEYS: lease, state.
var getStateScript = redis.NewScript(checkLease + `
return redis.call('GET', KEYS[2])
`)

// KEYS: lease, state.
var setStateScript = redis.NewScript(checkLease + `
if ARGV[2] == '1' then
  redis.call('DEL', KEYS[2])
else
  redis.call('SET', KEYS[2], ARGV[3])
end
return 1
`)

// KEYS: lease, list, ready.
var releaseScript = redis.NewScript(checkLease + `
redis.call('DEL', KEYS[1])
if redis.call('LLEN', KEYS[2]) > 0 then
  redis.call('ZADD', KEYS[3], tonumber(ARGV[2]), ARGV[3])
else
  redis.call('ZREM', KEYS[3], ARGV[3])
end
return 1
`)

// Queue is a Redis-backed session queue.
type Queue struct {
	client    redis.UniversalClient
	codec     *txbus.Codec
	prefix    string
	scanLimit int
	now       func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithPrefix overrides the "txbus:" key prefix.
func WithPrefix(prefix string) Option {
	return func(q *Queue) {
		if prefix != "" {
			q.prefix = prefix
		}
	}
}

// WithScanLimit sets how many ready sessions one accept reads per page.
func WithScanLimit(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.scanLimit = n
		}
	}
}

// WithNow overrides the clock used for readiness scores.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New creates a Queue on client that serializes envelopes with codec.
func New(client redis.UniversalClient, codec *txbus.Codec, opts ...Option) *Queue {
	q := &Queue{
		client:    client,
		codec:     codec,
		prefix:    "txbus:",
		scanLimit: 100,
		now:       time.Now,
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

func (q *Queue) keyspace(queue string) string {
	return q.prefix + "{" + queue + "}:"
}

func sessionKey(env txbus.Envelope) string {
	if env.HasSession() {
		return "s:" + env.SessionID
	}
	return "u:" + env.MessageID
}

// Send appends envs to queue atomically and in argument order.
func (q *Queue) Send(ctx context.Context, queue string, envs ...txbus.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	ks := q.keyspace(queue)
	keys := make([]string, 0, 2+2*len(envs))
	keys = append(keys, ks+"seq", ks+"ready")
	args := make([]any, 0, 1+2*len(envs))
	args = append(args, q.now().UnixMilli())
	for _, env := range envs {
		body, err := q.codec.Marshal(env)
		if err != nil {
			return txbus.Permanent(err)
		}
		key := sessionKey(env)
		keys = append(keys, ks+"s:"+key, ks+"m:"+key)
		args = append(args, key, body)
	}
	if err := enqueueScript.Run(ctx, q.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("redisq: enqueue: %w", err)
	}
	return nil
}

// AcceptSession leases sessionID, or the longest waiting ready session.
func (q *Queue) AcceptSession(ctx context.Context, queue, sessionID string, lock time.Duration) (txbus.SessionReceiver, error) {
	if lock <= 0 {
		return nil, errors.New("redisq: lock duration must be positive")
	}
	ks := q.keyspace(queue)
	token := uuid.NewString()
	now := q.now().UnixMilli()

	if sessionID != "" {
		key := "s:" + sessionID
		res, err := q.acquire(ctx, ks, key, token, now, lock)
		if err != nil {
			return nil, err
		}
		switch res {
		case 1:
			return q.receiver(ks, key, token, lock), nil
		case 2:
			return nil, txbus.ErrSessionLocked
		default:
			return nil, txbus.ErrNoSession
		}
	}

	// Page through the ready range until a lease sticks. Sessions leased
	// by a renewing worker sit past now, but a page may still hold ones
	// whose lease outlived its score.
	page := int64(q.scanLimit)
	for offset := int64(0); ; offset += page {
		keys, err := q.client.ZRangeByScore(ctx, ks+"ready", &redis.ZRangeBy{
			Min:    "-inf",
			Max:    strconv.FormatInt(now, 10),
			Offset: offset,
			Count:  page,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("redisq: accept session: %w", err)
		}
		for _, key := range keys {
			res, err := q.acquire(ctx, ks, key, token, now, lock)
			if err != nil {
				return nil, err
			}
			if res == 1 {
				return q.receiver(ks, key, token, lock), nil
			}
		}
		if int64(len(keys)) < page {
			return nil, txbus.ErrNoSession
		}
	}
}

func (q *Queue) acquire(ctx context.Context, ks, key, token string, now int64, lock time.Duration) (int, error) {
	res, err := acquireScript.Run(ctx, q.client, []string{ks + "ready", ks + "lease:" + key},
		key, now, token, lock.Milliseconds()).Int()
	if err != nil {
		return 0, fmt.Errorf("redisq: accept session: %w", err)
	}
	return res, nil
}

func (q *Queue) receiver(ks, key, token string, lock time.Duration) *receiver {
	return &receiver{q: q, ks: ks, key: key, token: token, lock: lock}
}

// Len returns the number of messages stored for queue.
func (q *Queue) Len(ctx context.Context, queue string) (int64, error) {
	ks := q.keyspace(queue)
	keys, err := q.client.ZRange(ctx, ks+"ready", 0, -1).Result()
	if err != nil {
		return 0, err
	}
	var n int64
	for _, key := range keys {
		l, err := q.client.LLen(ctx, ks+"s:"+key).Result()
		if err != nil {
			return 0, err
		}
		n += l
	}
	return n, nil
}

type receiver struct {
	q     *Queue
	ks    string
	key   string
	token string
	lock  time.Duration
}

func (r *receiver) SessionID() string {
	if strings.HasPrefix(r.key, "s:") {
		return r.key[2:]
	}
	return ""
}

func (r *receiver) leaseKey() string { return r.ks + "lease:" + r.key }
func (r *receiver) listKey() string  { return r.ks + "s:" + r.key }
func (r *receiver) msgsKey() string  { return r.ks + "m:" + r.key }
func (r *receiver) stateKey() string { return r.ks + "state:" + r.key }
func (r *receiver) readyKey() string { return r.ks + "ready" }

func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), leaseLost) {
		return txbus.ErrLeaseLost
	}
	return fmt.Errorf("redisq: %s: %w", op, err)
}

func (r *receiver) Receive(ctx context.Context) (*txbus.Delivery, error) {
	res, err := receiveScript.Run(ctx, r.q.client,
		[]string{r.leaseKey(), r.listKey(), r.msgsKey()}, r.token).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, txbus.ErrSessionEmpty
	}
	if err != nil {
		return nil, mapErr("receive", err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("redisq: receive: unexpected reply of %d fields", len(res))
	}
	count, err := strconv.Atoi(res[2])
	if err != nil {
		return nil, fmt.Errorf("redisq: receive: delivery count: %w", err)
	}
	enqueued, _ := strconv.ParseInt(res[3], 10, 64)
	return &txbus.Delivery{
		ID:            res[0],
		Body:          []byte(res[1]),
		SessionID:     r.SessionID(),
		DeliveryCount: count,
		EnqueuedAt:    time.UnixMilli(enqueued),
	}, nil
}

func (r *receiver) Complete(ctx context.Context, d *txbus.Delivery) error {
	removed, err := completeScript.Run(ctx, r.q.client,
		[]string{r.leaseKey(), r.listKey(), r.msgsKey(), r.readyKey()}, r.token, d.ID, r.key).Int()
	if err != nil {
		return mapErr("complete", err)
	}
	if removed == 0 {
		return fmt.Errorf("redisq: delivery %s not found", d.ID)
	}
	return nil
}

func (r *receiver) RenewLock(ctx context.Context) error {
	until := r.q.now().Add(r.lock).UnixMilli()
	return mapErr("renew lock", renewScript.Run(ctx, r.q.client,
		[]string{r.leaseKey(), r.readyKey()}, r.token, r.lock.Milliseconds(), until, r.key).Err())
}

func (r *receiver) State(ctx context.Context) ([]byte, error) {
	s, err := getStateScript.Run(ctx, r.q.client, []string{r.leaseKey(), r.stateKey()}, r.token).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr("state", err)
	}
	return []byte(s), nil
}

func (r *receiver) SetState(ctx context.Context, state []byte) error {
	drop := "0"
	if state == nil {
		drop = "1"
	}
	return mapErr("set state", setStateScript.Run(ctx, r.q.client,
		[]string{r.leaseKey(), r.stateKey()}, r.token, drop, state).Err())
}

func (r *receiver) Release(ctx context.Context, redeliverAfter time.Duration) error {
	notBefore := r.q.now().Add(redeliverAfter).UnixMilli()
	return mapErr("release", releaseScript.Run(ctx, r.q.client,
		[]string{r.leaseKey(), r.listKey(), r.readyKey()}, r.token, notBefore, r.key).Err())
}
