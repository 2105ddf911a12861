// Package queue implements the Redis-backed signal queue.
//
// Signals wait in a single sorted set ordered by a composite score of
// priority class and enqueue time, so HIGH signals always dequeue before
// NORMAL ones regardless of age, and signals within a class dequeue in
// FIFO order. The keyspace:
//
//	signals:queue        ZSET   score = priority·10¹² + unix seconds
//	signals:processing   SET    ids currently held by a worker
//	signals:dead_letter  LIST   terminally failed signals with error
//	signal:<id>          STRING JSON signal body
//	dedup:<key>          STRING dedup marker with TTL
//
// A signal id lives in at most one of queue/processing/dead_letter at a
// time; the body key exists while the id is queued or processing.
// Dequeue relies on ZPOPMIN's single-popper atomicity for at-most-one
// concurrent holder per id.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"tradeflow/pkg/types"
)

// Redis keys. The body and dedup prefixes are completed per signal.
const (
	queueKey      = "signals:queue"
	processingKey = "signals:processing"
	deadLetterKey = "signals:dead_letter"
	bodyPrefix    = "signal:"
	dedupPrefix   = "dedup:"
)

// DefaultRecoverMaxAge is how old an in-flight signal must be before
// RecoverProcessing treats it as abandoned.
const DefaultRecoverMaxAge = 5 * time.Minute

// Stats is a point-in-time count of signals per state.
type Stats struct {
	Queued     int64 `json:"queued"`
	Processing int64 `json:"processing"`
	DeadLetter int64 `json:"dead_letter"`
}

// DeadLetterEntry is the record pushed for a terminally failed signal.
type DeadLetterEntry struct {
	Signal   types.QueuedSignal `json:"signal"`
	Error    string             `json:"error"`
	FailedAt time.Time          `json:"failed_at"`
}

// Queue is the priority signal queue. All methods are safe for
// concurrent use; coordination happens in Redis, not in process.
type Queue struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New creates a queue on the given Redis client.
func New(rdb *redis.Client, logger *slog.Logger) *Queue {
	return &Queue{
		rdb:    rdb,
		logger: logger.With("component", "queue"),
	}
}

func bodyKey(id string) string { return bodyPrefix + id }
func dedupKey(key string) string { return dedupPrefix + key }

// score composes priority and time so that a lower priority number
// always sorts first, and enqueue order breaks ties within a class.
// Fractional seconds keep FIFO stable for same-second enqueues.
func score(p types.Priority, at time.Time) float64 {
	return float64(p)*1e12 + float64(at.UnixNano())/float64(time.Second)
}

// Enqueue adds a signal to the queue. When dedupKey is non-empty and a
// marker for it already exists, the signal is dropped and Enqueue
// returns false without touching any other key. The body is written
// before the index entry so a concurrent dequeue that sees the id
// always finds the body.
func (q *Queue) Enqueue(ctx context.Context, sig *types.QueuedSignal, dedup string, dedupTTL time.Duration) (bool, error) {
	if dedup != "" {
		ok, err := q.rdb.SetNX(ctx, dedupKey(dedup), "1", dedupTTL).Result()
		if err != nil {
			return false, fmt.Errorf("set dedup marker: %w", err)
		}
		if !ok {
			q.logger.Debug("signal deduplicated",
				"signal_id", sig.SignalID,
				"dedup_key", dedup,
			)
			return false, nil
		}
	}

	if sig.MaxRetries == 0 {
		sig.MaxRetries = types.DefaultMaxRetries
	}

	body, err := json.Marshal(sig)
	if err != nil {
		return false, fmt.Errorf("marshal signal body: %w", err)
	}
	if err := q.rdb.Set(ctx, bodyKey(sig.SignalID), body, 0).Err(); err != nil {
		return false, fmt.Errorf("write signal body: %w", err)
	}
	if err := q.rdb.ZAdd(ctx, queueKey, redis.Z{
		Score:  score(sig.Priority, time.Now()),
		Member: sig.SignalID,
	}).Err(); err != nil {
		return false, fmt.Errorf("add signal to queue: %w", err)
	}

	q.logger.Info("signal enqueued",
		"signal_id", sig.SignalID,
		"user_id", sig.UserID,
		"symbol", sig.Symbol,
		"action", sig.Action,
		"priority", sig.Priority,
	)
	return true, nil
}

// Dequeue pops the highest-priority signal and moves it to processing.
// With timeout > 0 it blocks up to that long; otherwise it returns
// immediately. Returns nil without error when the queue is empty. A
// popped id whose body is missing is dropped with an error log: the
// state is already broken and re-queueing would loop forever.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*types.QueuedSignal, error) {
	var id string
	if timeout > 0 {
		res, err := q.rdb.BZPopMin(ctx, timeout, queueKey).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("pop signal: %w", err)
		}
		id = res.Member.(string)
	} else {
		res, err := q.rdb.ZPopMin(ctx, queueKey, 1).Result()
		if err != nil {
			return nil, fmt.Errorf("pop signal: %w", err)
		}
		if len(res) == 0 {
			return nil, nil
		}
		id = res[0].Member.(string)
	}

	if err := q.rdb.SAdd(ctx, processingKey, id).Err(); err != nil {
		return nil, fmt.Errorf("mark signal processing: %w", err)
	}

	body, err := q.rdb.Get(ctx, bodyKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		q.logger.Error("dequeued signal has no body", "signal_id", id)
		_ = q.rdb.SRem(ctx, processingKey, id).Err()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read signal body: %w", err)
	}

	var sig types.QueuedSignal
	if err := json.Unmarshal([]byte(body), &sig); err != nil {
		return nil, fmt.Errorf("unmarshal signal body: %w", err)
	}
	return &sig, nil
}

// Complete removes a successfully processed signal.
func (q *Queue) Complete(ctx context.Context, id string) error {
	if err := q.rdb.SRem(ctx, processingKey, id).Err(); err != nil {
		return fmt.Errorf("remove signal from processing: %w", err)
	}
	if err := q.rdb.Del(ctx, bodyKey(id)).Err(); err != nil {
		return fmt.Errorf("delete signal body: %w", err)
	}
	q.logger.Info("signal completed", "signal_id", id)
	return nil
}

// Fail records a processing failure. With retry=true and retries left,
// the signal is re-queued at LOW priority after a backoff of
// min(2^retry_count, 60) seconds and Fail returns true. Otherwise the
// signal moves to the dead letter list and Fail returns false.
func (q *Queue) Fail(ctx context.Context, id, cause string, retry bool) (bool, error) {
	body, err := q.rdb.Get(ctx, bodyKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		// Body already gone; just drop the processing marker.
		_ = q.rdb.SRem(ctx, processingKey, id).Err()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read signal body: %w", err)
	}

	var sig types.QueuedSignal
	if err := json.Unmarshal([]byte(body), &sig); err != nil {
		return false, fmt.Errorf("unmarshal signal body: %w", err)
	}

	if retry && sig.RetryCount < sig.MaxRetries {
		sig.RetryCount++
		delay := retryDelay(sig.RetryCount)
		sig.Priority = types.PriorityLow

		updated, err := json.Marshal(&sig)
		if err != nil {
			return false, fmt.Errorf("marshal signal body: %w", err)
		}
		if err := q.rdb.Set(ctx, bodyKey(id), updated, 0).Err(); err != nil {
			return false, fmt.Errorf("rewrite signal body: %w", err)
		}
		if err := q.rdb.ZAdd(ctx, queueKey, redis.Z{
			Score:  score(types.PriorityLow, time.Now().Add(delay)),
			Member: id,
		}).Err(); err != nil {
			return false, fmt.Errorf("requeue signal: %w", err)
		}
		if err := q.rdb.SRem(ctx, processingKey, id).Err(); err != nil {
			return false, fmt.Errorf("remove signal from processing: %w", err)
		}

		q.logger.Warn("signal scheduled for retry",
			"signal_id", id,
			"retry_count", sig.RetryCount,
			"delay", delay,
			"error", cause,
		)
		return true, nil
	}

	entry, err := json.Marshal(DeadLetterEntry{
		Signal:   sig,
		Error:    cause,
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("marshal dead letter entry: %w", err)
	}
	if err := q.rdb.LPush(ctx, deadLetterKey, entry).Err(); err != nil {
		return false, fmt.Errorf("push dead letter entry: %w", err)
	}
	if err := q.rdb.Del(ctx, bodyKey(id)).Err(); err != nil {
		return false, fmt.Errorf("delete signal body: %w", err)
	}
	if err := q.rdb.SRem(ctx, processingKey, id).Err(); err != nil {
		return false, fmt.Errorf("remove signal from processing: %w", err)
	}

	q.logger.Error("signal dead lettered",
		"signal_id", id,
		"retry_count", sig.RetryCount,
		"error", cause,
	)
	return false, nil
}

// Stats counts signals per state.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	queued, err := q.rdb.ZCard(ctx, queueKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("count queued: %w", err)
	}
	processing, err := q.rdb.SCard(ctx, processingKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("count processing: %w", err)
	}
	dead, err := q.rdb.LLen(ctx, deadLetterKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("count dead letter: %w", err)
	}
	return Stats{Queued: queued, Processing: processing, DeadLetter: dead}, nil
}

// RecoverProcessing re-queues in-flight signals older than maxAge at
// HIGH priority with an incremented retry count. Ids without a body are
// dropped from processing. Intended to run on startup so signals
// abandoned by a crashed worker are not lost. Returns the number of
// signals re-queued.
func (q *Queue) RecoverProcessing(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultRecoverMaxAge
	}

	ids, err := q.rdb.SMembers(ctx, processingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("list processing signals: %w", err)
	}

	recovered := 0
	for _, id := range ids {
		body, err := q.rdb.Get(ctx, bodyKey(id)).Result()
		if errors.Is(err, redis.Nil) {
			_ = q.rdb.SRem(ctx, processingKey, id).Err()
			q.logger.Warn("dropped orphaned processing marker", "signal_id", id)
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("read signal body: %w", err)
		}

		var sig types.QueuedSignal
		if err := json.Unmarshal([]byte(body), &sig); err != nil {
			return recovered, fmt.Errorf("unmarshal signal body: %w", err)
		}
		if time.Since(sig.CreatedAt) <= maxAge {
			continue
		}

		sig.RetryCount++
		sig.Priority = types.PriorityHigh
		updated, err := json.Marshal(&sig)
		if err != nil {
			return recovered, fmt.Errorf("marshal signal body: %w", err)
		}
		if err := q.rdb.Set(ctx, bodyKey(id), updated, 0).Err(); err != nil {
			return recovered, fmt.Errorf("rewrite signal body: %w", err)
		}
		if err := q.rdb.ZAdd(ctx, queueKey, redis.Z{
			Score:  score(types.PriorityHigh, time.Now()),
			Member: id,
		}).Err(); err != nil {
			return recovered, fmt.Errorf("requeue signal: %w", err)
		}
		if err := q.rdb.SRem(ctx, processingKey, id).Err(); err != nil {
			return recovered, fmt.Errorf("remove signal from processing: %w", err)
		}

		q.logger.Warn("recovered abandoned signal",
			"signal_id", id,
			"age", time.Since(sig.CreatedAt).Round(time.Second),
			"retry_count", sig.RetryCount,
		)
		recovered++
	}
	return recovered, nil
}

// retryDelay is the backoff before the k-th retry: min(2^k, 60) seconds.
func retryDelay(retryCount int) time.Duration {
	if retryCount >= 6 {
		return 60 * time.Second
	}
	return time.Duration(1<<uint(retryCount)) * time.Second
}
