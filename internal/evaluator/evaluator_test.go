package evaluator

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aristath/pumpcat/internal/category"
	"github.com/aristath/pumpcat/internal/domain"
	"github.com/aristath/pumpcat/internal/storage"
	"github.com/rs/zerolog"
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

func passingSnapshot(now time.Time) Snapshot {
	safety := 85.0
	var samples []domain.PriceSample
	for i := 0; i < 20; i++ {
		samples = append(samples, domain.PriceSample{
			TokenAddress: "tok",
			Time:         now.Add(-time.Duration(20-i) * time.Minute),
			PriceUSD:     0.002,
			PriceNative:  0.002 / 180,
			LiquidityUSD: 20_000,
			MarketCapUSD: 50_000,
		})
	}
	return Snapshot{
		TokenAddress:      "tok",
		Category:          category.Aim,
		MarketCapUSD:      50_000,
		LiquidityUSD:      20_000,
		HolderCount:       200,
		Top10Percent:      10,
		SafetyScore:       &safety,
		SafetyScoreAt:     now.Add(-time.Minute),
		RecentPriceWindow: samples,
		Now:               now,
	}
}

func TestEvaluateRejectsNonAimCategory(t *testing.T) {
	store := newTestStore(t)
	e := New(category.Default, store)

	snap := passingSnapshot(time.Now())
	snap.Category = category.High
	if _, err := e.Evaluate(snap); err != ErrNotInAim {
		t.Fatalf("expected ErrNotInAim, got %v", err)
	}
}

func TestEvaluatePassingSnapshotPasses(t *testing.T) {
	store := newTestStore(t)
	e := New(category.Default, store)

	result, err := e.Evaluate(passingSnapshot(time.Now()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Passed {
		t.Fatalf("expected pass, got failures %v", result.FailureReasons)
	}
	if result.RecommendedPosition < 0.1 || result.RecommendedPosition > 3.0 {
		t.Fatalf("position out of clamp range: %v", result.RecommendedPosition)
	}
}

func TestEvaluateFailsLowMarketCap(t *testing.T) {
	cfg := category.Default()
	snap := passingSnapshot(time.Now())
	snap.MarketCapUSD = 1_000
	result := Evaluate(cfg, snap)
	if result.Passed {
		t.Fatalf("expected failure for a market cap below the band")
	}
	found := false
	for _, r := range result.FailureReasons {
		if r == "market_cap" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected market_cap in failure reasons, got %v", result.FailureReasons)
	}
}

func TestEvaluateMaxAttemptsShortCircuits(t *testing.T) {
	store := newTestStore(t)
	tx, err := store.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := store.InsertNewTokens(tx, []domain.Token{{Address: "tok", Symbol: "TOK", Name: "Tok", Category: string(category.Aim), DiscoveredAt: time.Now()}}); err != nil {
		t.Fatalf("seed token: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	e := New(category.Default, store)
	snap := passingSnapshot(time.Now())

	for i := 0; i < 3; i++ {
		if _, err := e.Evaluate(snap); err != nil {
			t.Fatalf("evaluate %d: %v", i, err)
		}
	}

	result, err := e.Evaluate(snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.FailureReasons) != 1 || result.FailureReasons[0] != "max_attempts" {
		t.Fatalf("expected max_attempts short-circuit, got %v", result.FailureReasons)
	}
}

func TestRiskLevelExtremeOnDecliningMomentum(t *testing.T) {
	risk := riskLevel(0, 0.9, false, true)
	if risk != domain.RiskExtreme {
		t.Fatalf("expected EXTREME risk on declining momentum override, got %s", risk)
	}
}

func TestPositionCapsAndMinCap(t *testing.T) {
	tiers := category.Default().Position
	bySafety, byHolders, byConcentration := PositionCaps(tiers, 75, 150, 15)
	min := MinCap(bySafety, byHolders, byConcentration)
	if min <= 0 || min > 1 {
		t.Fatalf("expected a positive fractional cap, got %v", min)
	}
}

func TestMinCapIgnoresNonPositive(t *testing.T) {
	if got := MinCap(0, -1, 0.5); got != 0.5 {
		t.Fatalf("expected 0.5, got %v", got)
	}
	if got := MinCap(0, 0); got != 0 {
		t.Fatalf("expected 0 when no active cap, got %v", got)
	}
}
