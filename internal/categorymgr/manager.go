// Package categorymgr is the category manager (C4): it owns one
// category.Machine per active token, serializes the events that drive it,
// and commits every resulting transition to storage before telling the rest
// of the system about it.
package categorymgr

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/pumpcat/internal/category"
	"github.com/aristath/pumpcat/internal/events"
	"github.com/aristath/pumpcat/internal/storage"
)

// numShards bounds the number of serialization workers. Events for the same
// token always hash to the same shard, so a token's events are processed in
// submission order without a goroutine per token.
const numShards = 32

// rehydrateMaxAge is how far back the startup rehydrate looks for
// non-terminal tokens (spec.md 4.4).
const rehydrateMaxAge = 7 * 24 * time.Hour

const rehydrateBatchSize = 1000
const rehydratePause = 100 * time.Millisecond

const bulkChunkSize = 10
const bulkPause = 5 * time.Millisecond

type task struct {
	tokenAddress string
	event        category.Event
	done         chan taskResult
}

type taskResult struct {
	transition *category.Transition
	err        error
}

// Manager dispatches category events to per-token automatons and persists
// the resulting transitions.
type Manager struct {
	store  *storage.Store
	cfg    *category.Store
	events *events.Manager
	log    zerolog.Logger

	mu       sync.RWMutex
	machines map[string]*category.Machine

	shards  []chan task
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// New creates a Manager. Call Start before submitting events.
func New(store *storage.Store, cfg *category.Store, ev *events.Manager, log zerolog.Logger) *Manager {
	return &Manager{
		store:    store,
		cfg:      cfg,
		events:   ev,
		log:      log.With().Str("component", "categorymgr").Logger(),
		machines: make(map[string]*category.Machine),
	}
}

// Start spins up the shard workers.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.shards = make([]chan task, numShards)
	for i := range m.shards {
		m.shards[i] = make(chan task, 256)
		m.wg.Add(1)
		go m.runShard(ctx, m.shards[i])
	}
	m.log.Info().Int("shards", numShards).Msg("category manager started")
}

// Stop drains in-flight events and stops every shard worker.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.log.Info().Msg("category manager stopped")
}

func (m *Manager) runShard(ctx context.Context, ch chan task) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ch:
			tr, err := m.process(t.tokenAddress, t.event)
			if t.done != nil {
				t.done <- taskResult{transition: tr, err: err}
			}
		}
	}
}

func shardFor(tokenAddress string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tokenAddress))
	return int(h.Sum32() % numShards)
}

// submit enqueues ev for tokenAddress and blocks until it has been applied.
func (m *Manager) submit(tokenAddress string, ev category.Event) (*category.Transition, error) {
	done := make(chan taskResult, 1)
	m.shards[shardFor(tokenAddress)] <- task{tokenAddress: tokenAddress, event: ev, done: done}
	res := <-done
	return res.transition, res.err
}

// machineFor returns the machine for tokenAddress, creating a fresh NEW-state
// one if this is the manager's first sight of it.
func (m *Manager) machineFor(tokenAddress string) *category.Machine {
	m.mu.RLock()
	mach, ok := m.machines[tokenAddress]
	m.mu.RUnlock()
	if ok {
		return mach
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if mach, ok = m.machines[tokenAddress]; ok {
		return mach
	}
	mach = category.NewMachine(tokenAddress, m.cfg.Get, time.Now)
	m.machines[tokenAddress] = mach
	return mach
}

// process runs on a shard goroutine: applies ev to the token's automaton and,
// if it produced a transition, commits it to storage and emits an event. A
// commit failure is logged and the automaton's in-memory state is kept as
// the source of truth; the next event will attempt to persist again.
func (m *Manager) process(tokenAddress string, ev category.Event) (*category.Transition, error) {
	mach := m.machineFor(tokenAddress)
	tr, err := mach.Apply(ev)
	if err != nil {
		m.log.Error().Err(err).Str("token", tokenAddress).Str("event", string(ev.Kind)).Msg("category event rejected")
		return nil, err
	}
	if tr == nil {
		return nil, nil
	}

	meta := tr.Metadata
	if err := m.store.CommitCategoryTransition(tokenAddress, string(tr.From), string(tr.To), tr.MarketCapUSD, tr.Reason, meta, tr.At); err != nil {
		m.log.Error().Err(err).Str("token", tokenAddress).Str("from", string(tr.From)).Str("to", string(tr.To)).
			Msg("failed to commit category transition, automaton state kept in memory")
		return tr, nil
	}

	m.events.Emit(events.CategoryChanged, "categorymgr", map[string]interface{}{
		"token_address": tokenAddress,
		"from":          string(tr.From),
		"to":            string(tr.To),
		"market_cap":    tr.MarketCapUSD,
		"reason":        tr.Reason,
	})

	if category.Category(tr.To).Terminal() {
		m.mu.Lock()
		delete(m.machines, tokenAddress)
		m.mu.Unlock()
	}

	return tr, nil
}

// UpdateMarketCap feeds a single market-cap observation to tokenAddress's
// automaton.
func (m *Manager) UpdateMarketCap(tokenAddress string, mcUSD float64) (*category.Transition, error) {
	return m.submit(tokenAddress, category.UpdateMarketCap(mcUSD))
}

// UpdateMarketCapBulk applies many market-cap observations in fixed-size
// chunks with a small pause between chunks, so a burst of price updates
// does not starve the shard workers of time to serve other callers.
func (m *Manager) UpdateMarketCapBulk(updates map[string]float64) {
	addresses := make([]string, 0, len(updates))
	for addr := range updates {
		addresses = append(addresses, addr)
	}
	for start := 0; start < len(addresses); start += bulkChunkSize {
		end := start + bulkChunkSize
		if end > len(addresses) {
			end = len(addresses)
		}
		var wg sync.WaitGroup
		for _, addr := range addresses[start:end] {
			addr := addr
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := m.UpdateMarketCap(addr, updates[addr]); err != nil {
					m.log.Error().Err(err).Str("token", addr).Msg("bulk market cap update failed")
				}
			}()
		}
		wg.Wait()
		time.Sleep(bulkPause)
	}
}

// RecordScanComplete forwards a SCAN_COMPLETE event after the scheduler (C5)
// finishes a normal scan of tokenAddress.
func (m *Manager) RecordScanComplete(tokenAddress string) (*category.Transition, error) {
	return m.submit(tokenAddress, category.ScanComplete())
}

// RecordTimeout forwards a TIMEOUT event from the scheduler's dedicated
// timeout sweeper, distinct from RecordScanComplete: this is duration-based
// exhaustion, not scan-count exhaustion.
func (m *Manager) RecordTimeout(tokenAddress string) (*category.Transition, error) {
	return m.submit(tokenAddress, category.Timeout())
}

// RecordBuyExecuted forwards a BUY_EXECUTED event once the evaluator (C8)
// reports a completed buy.
func (m *Manager) RecordBuyExecuted(tokenAddress string) (*category.Transition, error) {
	return m.submit(tokenAddress, category.BuyExecuted())
}

// ForceArchive forwards a FORCE_ARCHIVE event, used when ingestion or
// enrichment decides a token is unsalvageable.
func (m *Manager) ForceArchive(tokenAddress, reason string) (*category.Transition, error) {
	return m.submit(tokenAddress, category.ForceArchive(reason))
}

// ManualOverride forwards an operator-issued category override.
func (m *Manager) ManualOverride(tokenAddress string, target category.Category, reason string) (*category.Transition, error) {
	return m.submit(tokenAddress, category.ManualOverride(target, reason))
}

// Category returns the in-memory category of tokenAddress, or "" if the
// manager has no machine for it.
func (m *Manager) Category(tokenAddress string) (category.Category, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mach, ok := m.machines[tokenAddress]
	if !ok {
		return "", false
	}
	return mach.Category, true
}

// ActiveCount returns the number of tokens the manager currently tracks.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.machines)
}

// Rehydrate restores every token in NEW, LOW, MEDIUM, HIGH or AIM (not
// ARCHIVE) from storage into an in-memory automaton on startup, reading in paginated batches so a large
// token table never needs to be loaded all at once (spec.md 4.4). Each
// restored machine is seeded with a synthetic market cap at its stored
// category's range midpoint, so its internal bracket checks (the AIM
// HIGH-bracket timeout guard in particular) have a sane value to compare
// against until the next real price update arrives.
func (m *Manager) Rehydrate(ctx context.Context) error {
	cfg := m.cfg.Get()
	now := time.Now()
	offset := 0
	total := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		tokens, err := m.store.ListRehydrateCandidates(rehydrateMaxAge, now, offset, rehydrateBatchSize)
		if err != nil {
			return fmt.Errorf("categorymgr: rehydrate batch at offset %d: %w", offset, err)
		}
		if len(tokens) == 0 {
			break
		}

		m.mu.Lock()
		for _, t := range tokens {
			cat := category.Category(t.Category)
			mc := categoryMidpoint(cat, cfg)
			mach := category.RestoreMachine(t.Address, cat, t.DiscoveredAt, 0, 0, mc, m.cfg.Get, time.Now)
			m.machines[t.Address] = mach
		}
		m.mu.Unlock()

		total += len(tokens)
		offset += rehydrateBatchSize
		if len(tokens) < rehydrateBatchSize {
			break
		}
		time.Sleep(rehydratePause)
	}

	m.log.Info().Int("restored", total).Msg("category manager rehydrated")
	return nil
}

// categoryMidpoint returns the midpoint market cap of cat's configured
// bracket, used only to seed a restored machine's CurrentMarketCapUSD.
func categoryMidpoint(cat category.Category, cfg *category.Config) float64 {
	switch cat {
	case category.New:
		return 0
	case category.Low:
		return cfg.LowMax / 2
	case category.Medium:
		return (cfg.LowMax + cfg.MediumMax) / 2
	case category.High:
		return (cfg.MediumMax + cfg.HighMax) / 2
	case category.Aim:
		return (cfg.AimMin + cfg.AimMax) / 2
	case category.Archive:
		return cfg.LowMax / 2
	default:
		return 0
	}
}
