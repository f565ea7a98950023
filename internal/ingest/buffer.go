package ingest

import (
	"fmt"
	"sync"
	"time"

	"github.com/aristath/pumpcat/internal/domain"
	"github.com/aristath/pumpcat/internal/storage"
)

const flushChunkSize = 50

// FlushStats summarizes one completed flush, emitted as a `flushed` event.
type FlushStats struct {
	NewTokens    int
	Prices       int
	Transactions int
	DurationMS   int64
}

// buffers holds the three sets the ingestion handlers populate between
// flushes. They are owned exclusively by the pipeline until a flush clears
// them (spec.md section 3 ownership rule).
type buffers struct {
	mu           sync.Mutex
	prices       []domain.PriceSample
	transactions []domain.Transaction
	newTokens    map[string]domain.Token
}

func newBuffers() *buffers {
	return &buffers{newTokens: make(map[string]domain.Token)}
}

func (b *buffers) addPrice(p domain.PriceSample) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices = append(b.prices, p)
	return len(b.prices)
}

func (b *buffers) addTransaction(t domain.Transaction) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transactions = append(b.transactions, t)
	return len(b.transactions)
}

func (b *buffers) addNewToken(t domain.Token) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.newTokens[t.Address] = t
	return len(b.newTokens)
}

// snapshot takes and clears the current buffer contents under one lock,
// so a flush never races with a handler appending to the live buffers.
func (b *buffers) snapshot() ([]domain.PriceSample, []domain.Transaction, map[string]domain.Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prices, txs, tokens := b.prices, b.transactions, b.newTokens
	b.prices = nil
	b.transactions = nil
	b.newTokens = make(map[string]domain.Token)
	return prices, txs, tokens
}

func (b *buffers) anyFull(batchSize int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.prices) >= batchSize || len(b.transactions) >= batchSize || len(b.newTokens) >= batchSize
}

// flush executes the four-step transactional flush protocol from
// spec.md 4.6. On any failure the entire batch is discarded — the
// snapshot has already cleared the live buffers, so nothing grows
// unbounded even when the transaction is rolled back.
func flush(store *storage.Store, b *buffers) (FlushStats, error) {
	start := time.Now()
	prices, txs, newTokens := b.snapshot()
	if len(prices) == 0 && len(txs) == 0 && len(newTokens) == 0 {
		return FlushStats{}, nil
	}

	tx, err := store.Begin()
	if err != nil {
		return FlushStats{}, fmt.Errorf("ingest: begin flush transaction: %w", err)
	}
	defer tx.Rollback()

	// Step 1: insert new tokens, ignoring ones that already exist.
	tokenList := make([]domain.Token, 0, len(newTokens))
	for _, t := range newTokens {
		tokenList = append(tokenList, t)
	}
	if err := store.InsertNewTokens(tx, tokenList); err != nil {
		return FlushStats{}, fmt.Errorf("ingest: flush step 1 (new tokens): %w", err)
	}

	// Step 2: placeholder rows for any price-referenced token not yet known.
	priceAddrs := uniqueTokenAddressesFromPrices(prices)
	if _, err := store.InsertPlaceholderTokens(tx, priceAddrs, time.Now()); err != nil {
		return FlushStats{}, fmt.Errorf("ingest: flush step 2 (price placeholders): %w", err)
	}

	// Step 3: dedupe by (token, time) keeping the largest slot, then
	// chunked upsert.
	deduped := storage.DedupPriceSamples(prices)
	if err := store.UpsertPriceSamples(tx, deduped, flushChunkSize); err != nil {
		return FlushStats{}, fmt.Errorf("ingest: flush step 3 (prices): %w", err)
	}

	// Step 4: placeholder rows for any transaction-referenced token, then
	// chunked insert-ignore.
	txAddrs := uniqueTokenAddressesFromTransactions(txs)
	if _, err := store.InsertPlaceholderTokens(tx, txAddrs, time.Now()); err != nil {
		return FlushStats{}, fmt.Errorf("ingest: flush step 4 (transaction placeholders): %w", err)
	}
	if err := store.InsertTransactions(tx, txs, flushChunkSize); err != nil {
		return FlushStats{}, fmt.Errorf("ingest: flush step 4 (transactions): %w", err)
	}

	if err := tx.Commit(); err != nil {
		return FlushStats{}, fmt.Errorf("ingest: commit flush: %w", err)
	}

	return FlushStats{
		NewTokens:    len(newTokens),
		Prices:       len(deduped),
		Transactions: len(txs),
		DurationMS:   time.Since(start).Milliseconds(),
	}, nil
}

func uniqueTokenAddressesFromPrices(prices []domain.PriceSample) []string {
	seen := make(map[string]struct{}, len(prices))
	var out []string
	for _, p := range prices {
		if _, ok := seen[p.TokenAddress]; !ok {
			seen[p.TokenAddress] = struct{}{}
			out = append(out, p.TokenAddress)
		}
	}
	return out
}

func uniqueTokenAddressesFromTransactions(txs []domain.Transaction) []string {
	seen := make(map[string]struct{}, len(txs))
	var out []string
	for _, t := range txs {
		if _, ok := seen[t.TokenAddress]; !ok {
			seen[t.TokenAddress] = struct{}{}
			out = append(out, t.TokenAddress)
		}
	}
	return out
}
