package categorymgr

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/aristath/pumpcat/internal/category"
	"github.com/aristath/pumpcat/internal/events"
	"github.com/aristath/pumpcat/internal/storage"
)

func newTestManager(t *testing.T) (*Manager, *storage.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := storage.New(db, zerolog.Nop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	cfgStore := category.NewStore(category.Default())
	ev := events.NewManager(zerolog.Nop())
	mgr := New(store, cfgStore, ev, zerolog.Nop())
	mgr.Start(context.Background())
	t.Cleanup(mgr.Stop)
	return mgr, store
}

func TestUpdateMarketCapCommitsTransition(t *testing.T) {
	mgr, store := newTestManager(t)

	tr, err := mgr.UpdateMarketCap("tokA", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr == nil || tr.To != category.Archive {
		t.Fatalf("zero mc from a freshly-created NEW machine should move it to ARCHIVE without waiting for the 30-minute floor, got %+v", tr)
	}

	cat, ok := mgr.Category("tokA")
	if !ok || cat != category.Archive {
		t.Fatalf("expected tokA tracked in ARCHIVE, got %v ok=%v", cat, ok)
	}

	_ = store // store is exercised through CommitCategoryTransition inside process()
}

func TestTerminalTransitionRemovesMachine(t *testing.T) {
	mgr, _ := newTestManager(t)

	mgr.mu.Lock()
	mgr.machines["tokB"] = category.RestoreMachine("tokB", category.Aim, time.Now().Add(-time.Hour), 0, 1, 50_000, mgr.cfg.Get, time.Now)
	mgr.mu.Unlock()

	tr, err := mgr.RecordBuyExecuted("tokB")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr == nil || tr.To != category.Complete {
		t.Fatalf("expected COMPLETE transition, got %+v", tr)
	}

	if _, ok := mgr.Category("tokB"); ok {
		t.Fatalf("expected machine removed from memory after reaching a terminal category")
	}
}

func TestActiveCountTracksCreatedMachines(t *testing.T) {
	mgr, _ := newTestManager(t)

	for _, addr := range []string{"t1", "t2", "t3"} {
		if _, err := mgr.UpdateMarketCap(addr, 0); err != nil {
			t.Fatalf("unexpected error for %s: %v", addr, err)
		}
	}
	if got := mgr.ActiveCount(); got != 3 {
		t.Fatalf("expected 3 active machines, got %d", got)
	}
}

func TestCategoryMidpoint(t *testing.T) {
	cfg := category.Default()
	cases := map[category.Category]bool{
		category.New:     true,
		category.Low:     true,
		category.Medium:  true,
		category.High:    true,
		category.Aim:     true,
		category.Archive: true,
	}
	for cat := range cases {
		mid := categoryMidpoint(cat, cfg)
		if mid < 0 {
			t.Fatalf("%s: expected non-negative midpoint, got %v", cat, mid)
		}
	}
}
