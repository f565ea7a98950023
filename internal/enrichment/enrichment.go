// Package enrichment is the metadata-enrichment pool (C9): an in-process
// job queue, keyed by token address with pending-job dedup, drained by a
// fixed worker pool that fetches name/symbol/decimals/creator/holder
// metadata from an external provider with exponential backoff, and upserts
// the result in one write.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/pumpcat/internal/events"
	"github.com/aristath/pumpcat/internal/storage"
)

// Metadata is what a successful fetch resolves.
type Metadata struct {
	Symbol      string
	Name        string
	Decimals    int
	Creator     string
	HolderCount *int
}

// PermanentError marks a fetch failure as non-retryable (a 4xx response
// that was not a rate limit). Retryable failures should be returned as a
// plain error.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Fetcher resolves a token's metadata from whatever external service this
// deployment is configured against. It is the sole external collaborator
// this package depends on.
type Fetcher interface {
	Fetch(ctx context.Context, tokenAddress string) (Metadata, error)
}

const (
	defaultWorkers  = 4
	maxRetries      = 5
	baseBackoff     = 500 * time.Millisecond
	maxBackoff      = 30 * time.Second
	queueBufferSize = 1024
)

// Pool is the worker pool draining the enrichment job queue.
type Pool struct {
	fetcher Fetcher
	store   *storage.Store
	events  *events.Manager
	log     zerolog.Logger

	workers int
	jobs    chan string

	mu      sync.Mutex
	pending map[string]struct{}

	wg   sync.WaitGroup
	stop chan struct{}
}

// New creates a Pool with n workers (defaultWorkers if n <= 0).
func New(fetcher Fetcher, store *storage.Store, em *events.Manager, log zerolog.Logger, workers int) *Pool {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Pool{
		fetcher: fetcher,
		store:   store,
		events:  em,
		log:     log.With().Str("component", "enrichment").Logger(),
		workers: workers,
		jobs:    make(chan string, queueBufferSize),
		pending: make(map[string]struct{}),
		stop:    make(chan struct{}),
	}
}

// Start launches the worker pool.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
}

// Stop signals the workers to exit and waits for them. A job already in
// flight finishes (its backoff wait is cut short); jobs still queued are
// not processed.
func (p *Pool) Stop() {
	close(p.stop)
	p.wg.Wait()
}

// Enqueue schedules a fetch for tokenAddress, deduplicating against any
// job for the same address that is already pending or in flight.
func (p *Pool) Enqueue(tokenAddress string) {
	p.mu.Lock()
	if _, exists := p.pending[tokenAddress]; exists {
		p.mu.Unlock()
		return
	}
	p.pending[tokenAddress] = struct{}{}
	p.mu.Unlock()

	select {
	case p.jobs <- tokenAddress:
	default:
		p.mu.Lock()
		delete(p.pending, tokenAddress)
		p.mu.Unlock()
		p.log.Warn().Str("token", tokenAddress).Msg("enrichment queue full, dropping job")
	}
}

// QueueDepth returns the number of jobs pending or in flight.
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case tokenAddress := <-p.jobs:
			p.process(ctx, tokenAddress)
		}
	}
}

func (p *Pool) process(ctx context.Context, tokenAddress string) {
	defer func() {
		p.mu.Lock()
		delete(p.pending, tokenAddress)
		p.mu.Unlock()
	}()

	meta, err := p.fetchWithBackoff(ctx, tokenAddress)
	if err != nil {
		var permanent *PermanentError
		if errors.As(err, &permanent) {
			if markErr := p.store.MarkDoNotRetryEnrich(tokenAddress); markErr != nil {
				p.log.Error().Err(markErr).Str("token", tokenAddress).Msg("failed to mark do-not-retry")
			}
			p.events.Emit(events.EnrichmentAbandoned, "enrichment", map[string]interface{}{
				"token_address": tokenAddress,
				"reason":        permanent.Error(),
			})
			return
		}
		p.log.Warn().Err(err).Str("token", tokenAddress).Msg("enrichment exhausted retries")
		return
	}

	if err := p.store.UpsertEnrichedMetadata(tokenAddress, meta.Symbol, meta.Name, meta.Decimals, meta.Creator, meta.HolderCount); err != nil {
		p.log.Error().Err(err).Str("token", tokenAddress).Msg("failed to persist enriched metadata")
		return
	}

	p.events.Emit(events.TokenEnriched, "enrichment", map[string]interface{}{
		"token_address": tokenAddress,
		"symbol":        meta.Symbol,
		"name":          meta.Name,
	})
}

// fetchWithBackoff retries transient failures with jittered exponential
// backoff, capped at maxBackoff, up to maxRetries attempts. A PermanentError
// is returned immediately without retrying.
func (p *Pool) fetchWithBackoff(ctx context.Context, tokenAddress string) (Metadata, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		meta, err := p.fetcher.Fetch(ctx, tokenAddress)
		if err == nil {
			return meta, nil
		}

		var permanent *PermanentError
		if errors.As(err, &permanent) {
			return Metadata{}, err
		}
		lastErr = err

		delay := backoffDelay(attempt)
		select {
		case <-ctx.Done():
			return Metadata{}, ctx.Err()
		case <-p.stop:
			return Metadata{}, fmt.Errorf("enrichment: pool stopped while retrying %s: %w", tokenAddress, lastErr)
		case <-time.After(delay):
		}
	}
	return Metadata{}, fmt.Errorf("enrichment: exhausted %d attempts for %s: %w", maxRetries, tokenAddress, lastErr)
}

func backoffDelay(attempt int) time.Duration {
	d := baseBackoff * time.Duration(1<<uint(attempt))
	if d > maxBackoff {
		d = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d/2 + jitter
}
