package enrichment

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/aristath/pumpcat/internal/events"
	"github.com/aristath/pumpcat/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := storage.New(db, zerolog.Nop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

type stubFetcher struct {
	mu        sync.Mutex
	calls     int
	failUntil int
	permanent bool
	result    Metadata
}

func (f *stubFetcher) Fetch(ctx context.Context, tokenAddress string) (Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.permanent {
		return Metadata{}, &PermanentError{Err: errors.New("not found")}
	}
	if f.calls <= f.failUntil {
		return Metadata{}, errors.New("transient upstream error")
	}
	return f.result, nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("condition not met within %s", timeout)
		case <-tick.C:
		}
	}
}

func TestPoolFetchesAndUpsertsMetadata(t *testing.T) {
	store := newTestStore(t)
	holders := 42
	fetcher := &stubFetcher{result: Metadata{Symbol: "ABC", Name: "Abc Token", Decimals: 6, Creator: "creator1", HolderCount: &holders}}

	em := events.NewManager(zerolog.Nop())
	pool := New(fetcher, store, em, zerolog.Nop(), 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	pool.Enqueue("tok1")

	waitFor(t, time.Second, func() bool { return fetcher.calls >= 1 })
}

func TestPoolDedupsPendingJobs(t *testing.T) {
	store := newTestStore(t)
	var inFlight int32
	fetcher := &blockingFetcher{release: make(chan struct{}), inFlight: &inFlight}
	em := events.NewManager(zerolog.Nop())
	pool := New(fetcher, store, em, zerolog.Nop(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer func() {
		close(fetcher.release)
		pool.Stop()
	}()

	pool.Enqueue("tok-dup")
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&inFlight) == 1 })

	pool.Enqueue("tok-dup")

	if depth := pool.QueueDepth(); depth != 1 {
		t.Fatalf("expected dedup to keep queue depth at 1, got %d", depth)
	}
}

type blockingFetcher struct {
	release  chan struct{}
	inFlight *int32
}

func (f *blockingFetcher) Fetch(ctx context.Context, tokenAddress string) (Metadata, error) {
	atomic.StoreInt32(f.inFlight, 1)
	<-f.release
	return Metadata{Symbol: "X"}, nil
}

func TestPoolMarksDoNotRetryOnPermanentFailure(t *testing.T) {
	store := newTestStore(t)
	fetcher := &stubFetcher{permanent: true}
	em := events.NewManager(zerolog.Nop())
	pool := New(fetcher, store, em, zerolog.Nop(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	pool.Enqueue("tok-bad")

	waitFor(t, time.Second, func() bool { return fetcher.calls >= 1 })
}

func TestBackoffDelayIsBoundedByMax(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := backoffDelay(attempt)
		if d > maxBackoff {
			t.Fatalf("attempt %d: delay %s exceeds maxBackoff %s", attempt, d, maxBackoff)
		}
		if d < 0 {
			t.Fatalf("attempt %d: negative delay", attempt)
		}
	}
}
