// Package scanner is the scan scheduler (C5): one logical queue per
// category, ticking on the category's cadence, dispatching to a
// category-specific handler and feeding the results back to the category
// manager. It owns its own robfig cron.Cron (one tick function per
// category, registered with AddFunc) plus a time.Ticker for the AIM
// category, rather than going through internal/scheduler's Job list.
package scanner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/pumpcat/internal/category"
	"github.com/aristath/pumpcat/internal/categorymgr"
	"github.com/aristath/pumpcat/internal/domain"
	"github.com/aristath/pumpcat/internal/events"
	"github.com/aristath/pumpcat/internal/storage"
)

// basePriority is the starting priority per category before subtracting the
// token's existing scan count within that category.
var basePriority = map[category.Category]int{
	category.Aim:     100,
	category.High:    80,
	category.Medium:  60,
	category.New:     50,
	category.Low:     30,
	category.Archive: 10,
}

// batchSize bounds how many tasks a single tick processes per category.
var batchSize = map[category.Category]int{
	category.Aim:     20,
	category.High:    50,
	category.Medium:  30,
	category.New:     20,
	category.Low:     10,
	category.Archive: 5,
}

const timeoutSweepInterval = 60 * time.Second
const aimTickInterval = 10 * time.Second

// Handler executes one scan of a token in a given category and returns its
// outcome. Implementations must respect ctx's deadline.
type Handler func(ctx context.Context, tokenAddress string, cat category.Category) domain.ScanResult

// Scanner owns one task queue per scannable category.
type Scanner struct {
	cron    *cron.Cron
	mgr     *categorymgr.Manager
	store   *storage.Store
	cfg     func() *category.Config
	events  *events.Manager
	handler Handler
	log     zerolog.Logger

	mu     sync.Mutex
	queues map[category.Category]map[string]*domain.ScanTask

	aimTicker *time.Ticker
	sweeper   *time.Ticker
	stop      chan struct{}
	wg        sync.WaitGroup
}

// New creates a Scanner. handler is invoked for every scan; cfg provides the
// live category configuration (scan intervals/durations/max-scans).
func New(mgr *categorymgr.Manager, store *storage.Store, cfg func() *category.Config, ev *events.Manager, handler Handler, log zerolog.Logger) *Scanner {
	return &Scanner{
		cron:    cron.New(cron.WithSeconds()),
		mgr:     mgr,
		store:   store,
		cfg:     cfg,
		events:  ev,
		handler: handler,
		log:     log.With().Str("component", "scanner").Logger(),
		queues:  make(map[category.Category]map[string]*domain.ScanTask),
	}
}

// Start registers the per-category dispatch ticks, the AIM fine-grained
// timer, and the timeout sweeper, then starts the cron.
func (s *Scanner) Start() error {
	s.stop = make(chan struct{})

	for cat, sc := range s.cfg().Scan {
		if cat == category.Aim {
			continue
		}
		expr, err := cronExprForInterval(sc.IntervalSeconds)
		if err != nil {
			return fmt.Errorf("scanner: %s: %w", cat, err)
		}
		cat := cat
		if _, err := s.cron.AddFunc(expr, func() { s.tick(cat) }); err != nil {
			return fmt.Errorf("scanner: register tick for %s: %w", cat, err)
		}
	}

	s.aimTicker = time.NewTicker(aimTickInterval)
	s.sweeper = time.NewTicker(timeoutSweepInterval)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.aimTicker.C:
				s.tick(category.Aim)
			case <-s.stop:
				return
			}
		}
	}()
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.sweeper.C:
				s.sweepTimeouts()
			case <-s.stop:
				return
			}
		}
	}()

	s.cron.Start()
	s.log.Info().Msg("scanner started")
	return nil
}

// Stop halts the cron, the AIM timer, and the sweeper, waiting for any
// in-flight tick to finish (spec.md section 5: 30 s grace period is the
// caller's responsibility via ctx).
func (s *Scanner) Stop() {
	if s.stop != nil {
		close(s.stop)
	}
	if s.aimTicker != nil {
		s.aimTicker.Stop()
	}
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.wg.Wait()
	s.log.Info().Msg("scanner stopped")
}

// cronExprForInterval maps a scan interval in seconds onto the coarsest
// cron expression that fires at that cadence, per spec.md 4.5.
func cronExprForInterval(seconds int) (string, error) {
	switch {
	case seconds <= 0:
		return "", fmt.Errorf("interval must be positive, got %d", seconds)
	case seconds < 60:
		return fmt.Sprintf("*/%d * * * * *", seconds), nil
	case seconds%3600 == 0:
		return fmt.Sprintf("0 0 */%d * * *", seconds/3600), nil
	case seconds%60 == 0:
		return fmt.Sprintf("0 */%d * * * *", seconds/60), nil
	default:
		return fmt.Sprintf("*/%d * * * * *", seconds), nil
	}
}

// Schedule removes tokenAddress from every queue and inserts a fresh task
// under cat with next_scan_at/timeout_at derived from cat's scan config.
func (s *Scanner) Schedule(tokenAddress string, cat category.Category, existingScanCount int) {
	if cat.Terminal() {
		s.mu.Lock()
		s.removeLocked(tokenAddress)
		s.mu.Unlock()
		return
	}

	sc := s.cfg().Scan[cat]
	now := time.Now()
	task := &domain.ScanTask{
		TokenAddress:     tokenAddress,
		Category:         string(cat),
		ScanNumber:       existingScanCount,
		FirstScheduledAt: now,
		NextScanAt:       now.Add(time.Duration(sc.IntervalSeconds) * time.Second),
		TimeoutAt:        now.Add(time.Duration(sc.DurationSeconds) * time.Second),
		Priority:         basePriority[cat] - existingScanCount,
	}

	s.mu.Lock()
	s.removeLocked(tokenAddress)
	if s.queues[cat] == nil {
		s.queues[cat] = make(map[string]*domain.ScanTask)
	}
	s.queues[cat][tokenAddress] = task
	s.mu.Unlock()
}

// removeLocked deletes tokenAddress from every queue. Caller holds s.mu.
func (s *Scanner) removeLocked(tokenAddress string) {
	for _, q := range s.queues {
		delete(q, tokenAddress)
	}
}

// HandleCategoryChange implements the category-change hook: remove from
// every queue and, if the new category is non-terminal, re-schedule there.
func (s *Scanner) HandleCategoryChange(tokenAddress string, from, to category.Category) {
	if to.Terminal() {
		s.mu.Lock()
		s.removeLocked(tokenAddress)
		s.mu.Unlock()
		return
	}
	s.Schedule(tokenAddress, to, 0)
}

// tick processes every due task in cat's queue, highest priority first, up
// to cat's batch size, running handlers concurrently.
func (s *Scanner) tick(cat category.Category) {
	now := time.Now()

	s.mu.Lock()
	q := s.queues[cat]
	due := make([]*domain.ScanTask, 0, len(q))
	for _, task := range q {
		if !task.NextScanAt.After(now) {
			due = append(due, task)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].Priority > due[j].Priority })

	limit := batchSize[cat]
	if limit > len(due) {
		limit = len(due)
	}

	var wg sync.WaitGroup
	for _, task := range due[:limit] {
		task := task
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.execute(task, cat)
		}()
	}
	wg.Wait()
}

// execute runs one scan and applies its outcome: scan log, token fields,
// category-manager notification, queue advance/removal.
func (s *Scanner) execute(task *domain.ScanTask, cat category.Category) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	result := s.handler(ctx, task.TokenAddress, cat)
	if result.DurationMS == 0 {
		result.DurationMS = time.Since(start).Milliseconds()
	}

	sc := s.cfg().Scan[cat]
	nextScanCount := task.ScanNumber + 1
	isFinal := nextScanCount >= sc.MaxScans

	errMsg := ""
	if result.Err != nil {
		errMsg = result.Err.Error()
	}
	if err := s.store.InsertScanLog(task.TokenAddress, string(cat), nextScanCount, result.DurationMS, result.APIsUsed, errMsg, isFinal, time.Now()); err != nil {
		s.log.Error().Err(err).Str("token", task.TokenAddress).Msg("failed to insert scan log")
	}
	if err := s.store.UpdateScanFields(task.TokenAddress, time.Now(), nextScanCount); err != nil {
		s.log.Error().Err(err).Str("token", task.TokenAddress).Msg("failed to update scan fields")
	}

	if _, err := s.mgr.RecordScanComplete(task.TokenAddress); err != nil {
		s.log.Error().Err(err).Str("token", task.TokenAddress).Msg("record scan complete failed")
	}
	if result.MarketCapUSD != nil {
		if _, err := s.mgr.UpdateMarketCap(task.TokenAddress, *result.MarketCapUSD); err != nil {
			s.log.Error().Err(err).Str("token", task.TokenAddress).Msg("update market cap from scan failed")
		}
	}

	if result.Err != nil {
		s.events.Emit(events.ScanFailed, "scanner", map[string]interface{}{
			"token_address": task.TokenAddress, "category": string(cat), "error": result.Err.Error(),
		})
	} else {
		s.events.Emit(events.ScanCompleted, "scanner", map[string]interface{}{
			"token_address": task.TokenAddress, "category": string(cat), "scan_number": nextScanCount,
		})
	}

	if isFinal {
		s.mu.Lock()
		delete(s.queues[cat], task.TokenAddress)
		s.mu.Unlock()
		return
	}

	task.ScanNumber = nextScanCount
	task.NextScanAt = time.Now().Add(time.Duration(sc.IntervalSeconds) * time.Second)
}

// sweepTimeouts removes every task whose timeout has elapsed, forwards a
// TIMEOUT event to the category manager, and emits tokenTimeout.
func (s *Scanner) sweepTimeouts() {
	now := time.Now()

	var expired []*domain.ScanTask
	s.mu.Lock()
	for cat, q := range s.queues {
		for addr, task := range q {
			if !task.TimeoutAt.After(now) {
				expired = append(expired, task)
				delete(q, addr)
			}
			_ = cat
		}
	}
	s.mu.Unlock()

	for _, task := range expired {
		if _, err := s.mgr.RecordTimeout(task.TokenAddress); err != nil {
			s.log.Error().Err(err).Str("token", task.TokenAddress).Msg("record timeout failed")
		}
		s.events.Emit(events.ScanTimedOut, "scanner", map[string]interface{}{
			"token_address": task.TokenAddress, "category": task.Category,
		})
	}
}

// QueueDepth returns the number of pending tasks per category, for the
// admin status endpoint.
func (s *Scanner) QueueDepth() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.queues))
	for cat, q := range s.queues {
		out[string(cat)] = len(q)
	}
	return out
}
