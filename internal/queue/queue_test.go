package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"tradeflow/pkg/types"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(rdb, logger), mr, rdb
}

func testSignal(id string, priority types.Priority) *types.QueuedSignal {
	return &types.QueuedSignal{
		SignalID:   id,
		UserID:     "u1",
		StrategyID: "strat-1",
		Symbol:     "BTCUSDT",
		Action:     types.LongEntry,
		Priority:   priority,
		MaxRetries: types.DefaultMaxRetries,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestEnqueueDefaultsMaxRetries(t *testing.T) {
	t.Parallel()
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	sig := testSignal("s1", types.PriorityNormal)
	sig.MaxRetries = 0
	if _, err := q.Enqueue(ctx, sig, "", 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got, err := q.Dequeue(ctx, 0)
	if err != nil || got == nil {
		t.Fatalf("dequeue: sig=%v err=%v", got, err)
	}
	if got.MaxRetries != types.DefaultMaxRetries {
		t.Errorf("max_retries = %d, want default %d", got.MaxRetries, types.DefaultMaxRetries)
	}
}

func TestEnqueueDequeue(t *testing.T) {
	t.Parallel()
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	ok, err := q.Enqueue(ctx, testSignal("s1", types.PriorityNormal), "", 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !ok {
		t.Fatal("Enqueue returned false without dedup key")
	}

	sig, err := q.Dequeue(ctx, 0)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if sig == nil || sig.SignalID != "s1" {
		t.Fatalf("Dequeue = %+v, want s1", sig)
	}
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	t.Parallel()
	q, _, _ := newTestQueue(t)

	sig, err := q.Dequeue(context.Background(), 0)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if sig != nil {
		t.Errorf("Dequeue = %+v, want nil", sig)
	}
}

func TestPriorityDominatesAge(t *testing.T) {
	t.Parallel()
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	// NORMAL first, HIGH second. HIGH must still dequeue first.
	if _, err := q.Enqueue(ctx, testSignal("normal", types.PriorityNormal), "", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, testSignal("high", types.PriorityHigh), "", 0); err != nil {
		t.Fatal(err)
	}

	first, err := q.Dequeue(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if first.SignalID != "high" {
		t.Errorf("first dequeue = %q, want high", first.SignalID)
	}

	second, err := q.Dequeue(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if second.SignalID != "normal" {
		t.Errorf("second dequeue = %q, want normal", second.SignalID)
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	t.Parallel()
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("s%d", i)
		if _, err := q.Enqueue(ctx, testSignal(id, types.PriorityNormal), "", 0); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 5; i++ {
		sig, err := q.Dequeue(ctx, 0)
		if err != nil {
			t.Fatal(err)
		}
		want := fmt.Sprintf("s%d", i)
		if sig == nil || sig.SignalID != want {
			t.Fatalf("dequeue %d = %+v, want %s", i, sig, want)
		}
	}
}

func TestDedupWindow(t *testing.T) {
	t.Parallel()
	q, mr, _ := newTestQueue(t)
	ctx := context.Background()

	key := "u1:BTCUSDT:long_entry"
	ok, err := q.Enqueue(ctx, testSignal("s1", types.PriorityNormal), key, 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("first enqueue should succeed")
	}

	ok, err = q.Enqueue(ctx, testSignal("s2", types.PriorityNormal), key, 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("second enqueue within window should dedup")
	}

	// Second signal must not leave any trace.
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Queued != 1 {
		t.Errorf("queued = %d, want 1", stats.Queued)
	}

	// After the TTL the key is accepted again.
	mr.FastForward(31 * time.Second)
	ok, err = q.Enqueue(ctx, testSignal("s3", types.PriorityNormal), key, 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("enqueue after TTL expiry should succeed")
	}
}

func TestDequeueMovesToProcessing(t *testing.T) {
	t.Parallel()
	q, _, rdb := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, testSignal("s1", types.PriorityNormal), "", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Dequeue(ctx, 0); err != nil {
		t.Fatal(err)
	}

	inProcessing, err := rdb.SIsMember(ctx, processingKey, "s1").Result()
	if err != nil {
		t.Fatal(err)
	}
	if !inProcessing {
		t.Error("dequeued signal missing from processing set")
	}
	if n, _ := rdb.ZCard(ctx, queueKey).Result(); n != 0 {
		t.Errorf("queue still holds %d entries", n)
	}
	if err := rdb.Get(ctx, bodyKey("s1")).Err(); err != nil {
		t.Error("body must survive while processing")
	}
}

func TestCompleteRemovesAllState(t *testing.T) {
	t.Parallel()
	q, _, rdb := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, testSignal("s1", types.PriorityNormal), "", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Dequeue(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if err := q.Complete(ctx, "s1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Queued != 0 || stats.Processing != 0 || stats.DeadLetter != 0 {
		t.Errorf("stats after complete = %+v, want all zero", stats)
	}
	if err := rdb.Get(ctx, bodyKey("s1")).Err(); err != redis.Nil {
		t.Error("body must be deleted on complete")
	}
}

func TestFailWithRetryRequeuesLow(t *testing.T) {
	t.Parallel()
	q, _, rdb := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, testSignal("s1", types.PriorityNormal), "", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Dequeue(ctx, 0); err != nil {
		t.Fatal(err)
	}

	before := time.Now()
	willRetry, err := q.Fail(ctx, "s1", "rate limited", true)
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if !willRetry {
		t.Fatal("first failure must retry")
	}

	// Re-queued at LOW priority with a 2s backoff.
	zscore, err := rdb.ZScore(ctx, queueKey, "s1").Result()
	if err != nil {
		t.Fatalf("signal not re-queued: %v", err)
	}
	wantMin := float64(types.PriorityLow)*1e12 + float64(before.Add(2*time.Second).Unix())
	if zscore < wantMin {
		t.Errorf("score = %f, want >= %f (LOW class, 2s delay)", zscore, wantMin)
	}

	body, err := rdb.Get(ctx, bodyKey("s1")).Result()
	if err != nil {
		t.Fatal(err)
	}
	var sig types.QueuedSignal
	if err := json.Unmarshal([]byte(body), &sig); err != nil {
		t.Fatal(err)
	}
	if sig.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", sig.RetryCount)
	}
	if sig.Priority != types.PriorityLow {
		t.Errorf("priority = %d, want LOW", sig.Priority)
	}

	if in, _ := rdb.SIsMember(ctx, processingKey, "s1").Result(); in {
		t.Error("retried signal must leave processing")
	}
}

func TestFailExhaustedDeadLetters(t *testing.T) {
	t.Parallel()
	q, _, rdb := newTestQueue(t)
	ctx := context.Background()

	sig := testSignal("s1", types.PriorityNormal)
	sig.RetryCount = 3 // == MaxRetries
	if _, err := q.Enqueue(ctx, sig, "", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Dequeue(ctx, 0); err != nil {
		t.Fatal(err)
	}

	willRetry, err := q.Fail(ctx, "s1", "RateLimitError: too many requests", true)
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if willRetry {
		t.Fatal("exhausted signal must not retry")
	}

	raw, err := rdb.LIndex(ctx, deadLetterKey, 0).Result()
	if err != nil {
		t.Fatalf("dead letter entry missing: %v", err)
	}
	var entry DeadLetterEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		t.Fatal(err)
	}
	if entry.Signal.SignalID != "s1" {
		t.Errorf("dead letter signal = %q, want s1", entry.Signal.SignalID)
	}
	if entry.Signal.RetryCount != 3 {
		t.Errorf("dead letter retry_count = %d, want 3", entry.Signal.RetryCount)
	}
	if entry.Error != "RateLimitError: too many requests" {
		t.Errorf("dead letter error = %q", entry.Error)
	}

	if err := rdb.Get(ctx, bodyKey("s1")).Err(); err != redis.Nil {
		t.Error("body must be deleted on dead letter")
	}
	if in, _ := rdb.SIsMember(ctx, processingKey, "s1").Result(); in {
		t.Error("dead lettered signal must leave processing")
	}
}

func TestFailNoRetryDeadLettersImmediately(t *testing.T) {
	t.Parallel()
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, testSignal("s1", types.PriorityNormal), "", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Dequeue(ctx, 0); err != nil {
		t.Fatal(err)
	}

	willRetry, err := q.Fail(ctx, "s1", "risk check failed", false)
	if err != nil {
		t.Fatal(err)
	}
	if willRetry {
		t.Error("retry=false must dead letter even with retries left")
	}

	stats, _ := q.Stats(ctx)
	if stats.DeadLetter != 1 {
		t.Errorf("dead_letter = %d, want 1", stats.DeadLetter)
	}
}

func TestRetryDelayBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{10, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := retryDelay(tt.retry); got != tt.want {
			t.Errorf("retryDelay(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestRecoverProcessing(t *testing.T) {
	t.Parallel()
	q, _, rdb := newTestQueue(t)
	ctx := context.Background()

	// Abandoned: created long ago, sitting in processing.
	old := testSignal("old", types.PriorityNormal)
	old.CreatedAt = time.Now().UTC().Add(-10 * time.Minute)
	if _, err := q.Enqueue(ctx, old, "", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Dequeue(ctx, 0); err != nil {
		t.Fatal(err)
	}

	// Fresh: recently dequeued, must be left alone.
	fresh := testSignal("fresh", types.PriorityNormal)
	if _, err := q.Enqueue(ctx, fresh, "", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Dequeue(ctx, 0); err != nil {
		t.Fatal(err)
	}

	// Orphan: processing marker with no body.
	if err := rdb.SAdd(ctx, processingKey, "ghost").Err(); err != nil {
		t.Fatal(err)
	}

	recovered, err := q.RecoverProcessing(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("RecoverProcessing: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}

	// Recovered signal is back in the queue at HIGH with retry bumped.
	sig, err := q.Dequeue(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if sig == nil || sig.SignalID != "old" {
		t.Fatalf("dequeue after recovery = %+v, want old", sig)
	}
	if sig.Priority != types.PriorityHigh {
		t.Errorf("recovered priority = %d, want HIGH", sig.Priority)
	}
	if sig.RetryCount != 1 {
		t.Errorf("recovered retry_count = %d, want 1", sig.RetryCount)
	}

	// Fresh stays in processing; ghost is gone.
	if in, _ := rdb.SIsMember(ctx, processingKey, "fresh").Result(); !in {
		t.Error("fresh signal must stay in processing")
	}
	if in, _ := rdb.SIsMember(ctx, processingKey, "ghost").Result(); in {
		t.Error("orphaned marker must be dropped")
	}
}

func TestExitDequeuesBeforeEntry(t *testing.T) {
	t.Parallel()
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	entry := testSignal("entry", types.PriorityNormal)
	entry.Action = types.LongEntry
	if _, err := q.Enqueue(ctx, entry, "", 0); err != nil {
		t.Fatal(err)
	}

	exit := testSignal("exit", types.PriorityHigh)
	exit.Action = types.LongExit
	if _, err := q.Enqueue(ctx, exit, "", 0); err != nil {
		t.Fatal(err)
	}

	sig, err := q.Dequeue(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if sig.SignalID != "exit" {
		t.Errorf("first dequeue = %q, want the exit signal", sig.SignalID)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, testSignal(fmt.Sprintf("s%d", i), types.PriorityNormal), "", 0); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := q.Dequeue(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Fail(ctx, "s0", "boom", false); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Dequeue(ctx, 0); err != nil {
		t.Fatal(err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Queued != 1 || stats.Processing != 1 || stats.DeadLetter != 1 {
		t.Errorf("stats = %+v, want 1/1/1", stats)
	}
}

func TestDequeueMissingBodyDropsSignal(t *testing.T) {
	t.Parallel()
	q, _, rdb := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, testSignal("s1", types.PriorityNormal), "", 0); err != nil {
		t.Fatal(err)
	}
	if err := rdb.Del(ctx, bodyKey("s1")).Err(); err != nil {
		t.Fatal(err)
	}

	sig, err := q.Dequeue(ctx, 0)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if sig != nil {
		t.Errorf("Dequeue = %+v, want nil for missing body", sig)
	}
	if in, _ := rdb.SIsMember(ctx, processingKey, "s1").Result(); in {
		t.Error("bodyless signal must not linger in processing")
	}
}
