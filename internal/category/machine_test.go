package category

import (
	"testing"
	"time"
)

func fixedClock(start time.Time) (func() time.Time, *time.Time) {
	t := start
	return func() time.Time { return t }, &t
}

func testCfg() func() *Config {
	cfg := Default()
	return func() *Config { return cfg }
}

// Scenario 1: graduation threshold.
func TestScenario_GraduationThreshold(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock, cur := fixedClock(start)
	m := NewMachine("tok1", testCfg(), clock)

	*cur = start.Add(31 * time.Minute)
	tr, err := m.Apply(UpdateMarketCap(36_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr == nil {
		t.Fatalf("expected a transition")
	}
	if tr.To != Aim {
		t.Fatalf("expected AIM, got %s", tr.To)
	}
	if tr.MarketCapUSD != 36_000 {
		t.Fatalf("expected mc 36000 recorded, got %v", tr.MarketCapUSD)
	}
	if m.AimAttempts != 1 {
		t.Fatalf("expected aim_attempts=1, got %d", m.AimAttempts)
	}
}

// Scenario 2: premature promotion blocked.
func TestScenario_PrematurePromotionBlocked(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock, cur := fixedClock(start)
	m := NewMachine("tok2", testCfg(), clock)

	*cur = start.Add(10 * time.Minute)
	tr, err := m.Apply(UpdateMarketCap(12_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr != nil {
		t.Fatalf("expected no transition before 30-minute floor, got %+v", tr)
	}
	if m.Category != New {
		t.Fatalf("expected still NEW, got %s", m.Category)
	}
	if m.CurrentMarketCapUSD != 12_000 {
		t.Fatalf("expected mc recorded even without transition, got %v", m.CurrentMarketCapUSD)
	}
}

// Scenario 3: scan exhaustion in LOW.
func TestScenario_ScanExhaustionInLow(t *testing.T) {
	clock, _ := fixedClock(time.Now())
	m := NewMachine("tok3", testCfg(), clock)
	m.Category = Low
	m.CategoryEnteredAt = clock()

	maxScans := Default().Scan[Low].MaxScans
	var last *Transition
	for i := 0; i < maxScans; i++ {
		tr, err := m.Apply(ScanComplete())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		last = tr
	}
	if last == nil {
		t.Fatalf("expected a transition once max scans reached")
	}
	if last.To != Archive {
		t.Fatalf("expected ARCHIVE after scan exhaustion, got %s", last.To)
	}
	if m.ScanCount != 0 {
		t.Fatalf("expected scan_count reset to 0 on entry, got %d", m.ScanCount)
	}
}

func TestZeroMarketCapFromNewBypassesFloor(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock, cur := fixedClock(start)
	m := NewMachine("tok4", testCfg(), clock)

	*cur = start.Add(1 * time.Minute)
	tr, err := m.Apply(UpdateMarketCap(0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr == nil || tr.To != Archive {
		t.Fatalf("expected immediate ARCHIVE on zero mc even before floor, got %+v", tr)
	}
}

func TestIdempotentUpdateProducesAtMostOneTransition(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock, cur := fixedClock(start)
	m := NewMachine("tok5", testCfg(), clock)
	*cur = start.Add(31 * time.Minute)

	tr1, _ := m.Apply(UpdateMarketCap(36_000))
	if tr1 == nil {
		t.Fatalf("expected first transition")
	}
	tr2, _ := m.Apply(UpdateMarketCap(36_000))
	if tr2 != nil {
		t.Fatalf("expected no second transition for the same update, got %+v", tr2)
	}
}

func TestAimExitDurationTimeoutRespectsHighBracket(t *testing.T) {
	clock, cur := fixedClock(time.Now())
	m := NewMachine("tok6", testCfg(), clock)
	m.Category = Aim
	m.CategoryEnteredAt = clock()
	m.CurrentMarketCapUSD = 50_000 // still within AIM band, not HIGH bracket

	*cur = cur.Add(time.Duration(Default().Scan[Aim].DurationSeconds+1) * time.Second)
	tr, err := m.Apply(Timeout())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr != nil {
		t.Fatalf("expected AIM to stay put when mc is not in the HIGH bracket, got %+v", tr)
	}
	if m.Category != Aim {
		t.Fatalf("expected machine to remain in AIM, got %s", m.Category)
	}

	m.CurrentMarketCapUSD = 20_000 // MEDIUM_MAX <= mc < HIGH_MAX
	tr, err = m.Apply(Timeout())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr == nil || tr.To != High {
		t.Fatalf("expected exit to HIGH when mc is in the HIGH bracket, got %+v", tr)
	}
}

func TestArchiveRecoversToLow(t *testing.T) {
	clock, _ := fixedClock(time.Now())
	m := NewMachine("tok7", testCfg(), clock)
	m.Category = Archive
	m.CategoryEnteredAt = clock()

	tr, err := m.Apply(UpdateMarketCap(9_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr == nil || tr.To != Low {
		t.Fatalf("expected recovery to LOW, got %+v", tr)
	}
}

func TestBuyExecutedOnlyFromAim(t *testing.T) {
	clock, _ := fixedClock(time.Now())
	m := NewMachine("tok8", testCfg(), clock)
	m.Category = Low

	tr, err := m.Apply(BuyExecuted())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr != nil {
		t.Fatalf("expected BUY_EXECUTED outside AIM to be a no-op, got %+v", tr)
	}

	m.Category = Aim
	tr, err = m.Apply(BuyExecuted())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr == nil || tr.To != Complete {
		t.Fatalf("expected COMPLETE from AIM, got %+v", tr)
	}
}

func TestTerminalStatesAreSinks(t *testing.T) {
	clock, _ := fixedClock(time.Now())
	m := NewMachine("tok9", testCfg(), clock)
	m.Category = Bin

	for _, ev := range []Event{UpdateMarketCap(50_000), ScanComplete(), Timeout(), ForceArchive("x")} {
		tr, err := m.Apply(ev)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if tr != nil {
			t.Fatalf("expected no transition out of a terminal state, got %+v", tr)
		}
	}
}

func TestUnknownEventKindIsAnError(t *testing.T) {
	clock, _ := fixedClock(time.Now())
	m := NewMachine("tok10", testCfg(), clock)
	_, err := m.Apply(Event{Kind: "BOGUS"})
	if err == nil {
		t.Fatalf("expected error for unrecognized event kind")
	}
}
