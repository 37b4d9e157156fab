package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"qrattend/internal/attendance"
)

// TypeScan marks a queued scan awaiting the pipeline.
const TypeScan = "scan"

// Message represents work to be processed.
type Message struct {
	Type string
	Body []byte

	// raw is the wire form a Redis delivery is tracked under.
	raw string
}

// Queue is the abstraction over different backends. A consumed message stays
// owned by the queue until it is acknowledged: Ack drops it for good, Nack
// hands it back for another attempt.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Message, error)
	Ack(ctx context.Context, msg Message) error
	Nack(ctx context.Context, msg Message) error
}

// ScanJob is the body of a TypeScan message.
type ScanJob struct {
	ID         string          `json:"id"`
	Scan       attendance.Scan `json:"scan"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewScanMessage wraps a scan for the queue. A missing ObservedAt is stamped
// now so that queueing delay does not shift lateness.
func NewScanMessage(scan attendance.Scan) (Message, ScanJob, error) {
	now := time.Now().UTC()
	if scan.ObservedAt.IsZero() {
		scan.ObservedAt = now
	}
	job := ScanJob{ID: uuid.NewString(), Scan: scan, EnqueuedAt: now}
	body, err := json.Marshal(job)
	if err != nil {
		return Message{}, ScanJob{}, fmt.Errorf("encode scan job: %w", err)
	}
	return Message{Type: TypeScan, Body: body}, job, nil
}

// DecodeScan unpacks a TypeScan message.
func DecodeScan(msg Message) (ScanJob, error) {
	if msg.Type != TypeScan {
		return ScanJob{}, fmt.Errorf("unexpected message type %q", msg.Type)
	}
	var job ScanJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		return ScanJob{}, fmt.Errorf("decode scan job: %w", err)
	}
	return job, nil
}

// InMemory is a minimal channel-backed queue for dev/testing. Messages do not
// survive the process; Pending hands back whatever is left at shutdown.
type InMemory struct {
	ch chan Message

	mu   sync.Mutex
	held []Message
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan Message, size)}
}

// Publish enqueues a message.
func (q *InMemory) Publish(ctx context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns a channel for workers. A message taken off the queue but
// not delivered when ctx ends is kept for Pending.
func (q *InMemory) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			msg, ok := q.next(ctx)
			if !ok {
				return
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				q.hold(msg)
				return
			}
		}
	}()
	return out, nil
}

// Ack is a no-op: a delivered in-memory message is already off the queue.
func (q *InMemory) Ack(context.Context, Message) error { return nil }

// Nack puts a message back at the front of the queue.
func (q *InMemory) Nack(_ context.Context, msg Message) error {
	select {
	case q.ch <- msg:
	default:
		q.hold(msg)
	}
	return nil
}

// Pending empties the queue and returns every message not yet delivered.
func (q *InMemory) Pending() []Message {
	q.mu.Lock()
	msgs := q.held
	q.held = nil
	q.mu.Unlock()
	for {
		select {
		case msg := <-q.ch:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func (q *InMemory) next(ctx context.Context) (Message, bool) {
	q.mu.Lock()
	if len(q.held) > 0 {
		msg := q.held[0]
		q.held = q.held[1:]
		q.mu.Unlock()
		return msg, true
	}
	q.mu.Unlock()

	select {
	case msg := <-q.ch:
		return msg, true
	case <-ctx.Done():
		return Message{}, false
	}
}

func (q *InMemory) hold(msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.held = append(q.held, msg)
}

// RedisQueue implements a Redis list-backed queue. Publish LPUSHes onto key;
// Consume atomically moves each message onto key:processing, where it stays
// until Ack removes it or Nack moves it back.
type RedisQueue struct {
	client     *redis.Client
	key        string
	processing string
}

// NewRedisQueue builds a queue on the given list key.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "attendance:scans"
	}
	return &RedisQueue{client: client, key: key, processing: key + ":processing"}
}

// Publish enqueues a message.
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	return q.client.LPush(ctx, q.key, serialize(msg)).Err()
}

// Consume streams messages using BRPOPLPUSH. Messages a previous consumer
// left in the processing list are moved back first; replaying a scan is safe
// because the store only ever records it once.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Message, error) {
	if err := q.requeueInFlight(ctx); err != nil {
		return nil, fmt.Errorf("recover in-flight messages: %w", err)
	}

	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			raw, err := q.client.BRPopLPush(ctx, q.key, q.processing, 5*time.Second).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !errors.Is(err, redis.Nil) {
					// Broker hiccup; avoid a hot loop.
					select {
					case <-time.After(500 * time.Millisecond):
					case <-ctx.Done():
						return
					}
				}
				continue
			}
			msg := deserialize(raw)
			select {
			case out <- msg:
			case <-ctx.Done():
				rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				_ = q.Nack(rctx, msg)
				cancel()
				return
			}
		}
	}()
	return out, nil
}

// Ack removes a delivered message from the processing list.
func (q *RedisQueue) Ack(ctx context.Context, msg Message) error {
	return q.client.LRem(ctx, q.processing, 1, q.wire(msg)).Err()
}

// Nack moves a delivered message back so it is the next one consumed.
func (q *RedisQueue) Nack(ctx context.Context, msg Message) error {
	raw := q.wire(msg)
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.processing, 1, raw)
		p.RPush(ctx, q.key, raw)
		return nil
	})
	return err
}

// requeueInFlight returns in-flight messages to the consuming end of the queue,
// pushing the oldest last so that it is consumed first.
func (q *RedisQueue) requeueInFlight(ctx context.Context) error {
	stuck, err := q.client.LRange(ctx, q.processing, 0, -1).Result()
	if err != nil || len(stuck) == 0 {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, raw := range stuck {
			p.LRem(ctx, q.processing, 1, raw)
			p.RPush(ctx, q.key, raw)
		}
		return nil
	})
	return err
}

func (q *RedisQueue) wire(msg Message) string {
	if msg.raw != "" {
		return msg.raw
	}
	return serialize(msg)
}

// serialize stores messages as Type|Body.
func serialize(msg Message) string {
	return msg.Type + "|" + string(msg.Body)
}

func deserialize(s string) Message {
	typ, body, ok := strings.Cut(s, "|")
	if !ok {
		return Message{Body: []byte(s), raw: s}
	}
	return Message{Type: typ, Body: []byte(body), raw: s}
}
