package category

import (
	"fmt"
	"time"
)

// EventKind enumerates the automaton's accepted event types. Modeled as a
// closed tagged union (switch over Kind is exhaustive) rather than an
// open-ended callback registry, per the corpus's preference for typed sum
// types over generic dispatch tables.
type EventKind string

const (
	EventUpdateMarketCap EventKind = "UPDATE_MARKET_CAP"
	EventScanComplete    EventKind = "SCAN_COMPLETE"
	EventTimeout         EventKind = "TIMEOUT"
	EventManualOverride  EventKind = "MANUAL_OVERRIDE"
	EventBuyExecuted     EventKind = "BUY_EXECUTED"
	EventForceArchive    EventKind = "FORCE_ARCHIVE"
)

// Event is the automaton's single input type; only the fields relevant to
// Kind are populated.
type Event struct {
	Kind           EventKind
	MarketCapUSD   float64
	TargetCategory Category
	Reason         string
}

func UpdateMarketCap(mcUSD float64) Event { return Event{Kind: EventUpdateMarketCap, MarketCapUSD: mcUSD} }
func ScanComplete() Event                 { return Event{Kind: EventScanComplete} }
func Timeout() Event                      { return Event{Kind: EventTimeout} }
func BuyExecuted() Event                  { return Event{Kind: EventBuyExecuted} }
func ForceArchive(reason string) Event    { return Event{Kind: EventForceArchive, Reason: reason} }
func ManualOverride(target Category, reason string) Event {
	return Event{Kind: EventManualOverride, TargetCategory: target, Reason: reason}
}

// Transition is one recorded category change, mirroring the append-only
// CategoryTransition log row (spec.md section 3).
type Transition struct {
	TokenID      string
	From         Category
	To           Category
	MarketCapUSD float64
	Reason       string
	Metadata     map[string]any
	At           time.Time
}

// minDurationInNew is the floor guards outside NEW (other than ARCHIVE) must
// respect before promoting a token out of NEW.
const minDurationInNew = 30 * time.Minute

// degradeTarget is the category a token falls back to when its scan count
// or duration budget for the current category is exhausted.
var degradeTarget = map[Category]Category{
	New:     Archive,
	Low:     Archive,
	Medium:  Low,
	High:    Medium,
	Aim:     High,
	Archive: Bin,
}

// Machine is the per-token finite automaton (C3). It is owned exclusively
// by the category manager (C4); nothing else should mutate it directly.
type Machine struct {
	TokenID             string
	Category            Category
	PreviousCategory    Category
	CategoryEnteredAt   time.Time
	ScanCount           int
	AimAttempts         int
	CurrentMarketCapUSD float64

	cfg func() *Config
	now func() time.Time
}

// NewMachine creates an automaton in the initial NEW state. cfg is called on
// every event so the machine always observes the current hot-reloaded
// configuration; now is injectable for deterministic tests.
func NewMachine(tokenID string, cfg func() *Config, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{
		TokenID:           tokenID,
		Category:          New,
		CategoryEnteredAt: now(),
		cfg:               cfg,
		now:               now,
	}
}

// RestoreMachine reconstructs a machine already in cat (rather than starting
// fresh in NEW), used by the category manager's startup rehydrate so a
// restart does not reset every active token back to NEW.
func RestoreMachine(tokenID string, cat Category, enteredAt time.Time, scanCount, aimAttempts int, mcUSD float64, cfg func() *Config, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{
		TokenID:             tokenID,
		Category:            cat,
		CategoryEnteredAt:   enteredAt,
		ScanCount:           scanCount,
		AimAttempts:         aimAttempts,
		CurrentMarketCapUSD: mcUSD,
		cfg:                 cfg,
		now:                 now,
	}
}

// Apply feeds ev to the automaton and returns the resulting Transition, or
// nil if the event left the token in its current category (including the
// case where the event just updates the recorded market cap). Guards never
// raise; an unrecognized event kind is the only error case, and callers
// must log and skip it rather than crash (spec.md section 7).
func (m *Machine) Apply(ev Event) (*Transition, error) {
	cfg := m.cfg()
	at := m.now()

	switch ev.Kind {
	case EventUpdateMarketCap:
		return m.applyUpdateMarketCap(ev.MarketCapUSD, cfg, at), nil
	case EventScanComplete:
		m.ScanCount++
		return m.applyScanComplete(cfg, at), nil
	case EventTimeout:
		return m.applyTimeout(cfg, at), nil
	case EventForceArchive:
		if m.Category.Terminal() {
			return nil, nil
		}
		return m.transitionTo(Archive, m.CurrentMarketCapUSD, "force_archive", at, ev.Reason), nil
	case EventManualOverride:
		if m.Category.Terminal() {
			return nil, nil
		}
		return m.transitionTo(ev.TargetCategory, m.CurrentMarketCapUSD, "manual_override", at, ev.Reason), nil
	case EventBuyExecuted:
		if m.Category != Aim {
			return nil, nil
		}
		return m.transitionTo(Complete, m.CurrentMarketCapUSD, "buy_executed", at, ""), nil
	default:
		return nil, fmt.Errorf("category: unrecognized event kind %q", ev.Kind)
	}
}

// routeByBracket returns the category whose mc bracket contains mc, and
// whether a bracket matched at all (mc <= 0 or mc > AimMax match nothing).
func routeByBracket(mc float64, cfg *Config) (Category, bool) {
	switch {
	case mc <= 0:
		return "", false
	case mc < cfg.LowMax:
		return Low, true
	case mc < cfg.MediumMax:
		return Medium, true
	case mc < cfg.HighMax:
		return High, true
	case mc <= cfg.AimMax:
		return Aim, true
	default:
		return "", false
	}
}

func isHighBracket(mc float64, cfg *Config) bool {
	return mc >= cfg.MediumMax && mc < cfg.HighMax
}

func (m *Machine) applyUpdateMarketCap(mc float64, cfg *Config, at time.Time) *Transition {
	m.CurrentMarketCapUSD = mc

	switch m.Category {
	case New:
		if mc <= 0 {
			// Open Question (b): zero-mc exit from NEW bypasses the
			// 30-minute floor.
			return m.transitionTo(Archive, mc, "market_cap_change", at, "")
		}
		if at.Sub(m.CategoryEnteredAt) < minDurationInNew {
			return nil
		}
		if to, ok := routeByBracket(mc, cfg); ok && to != New {
			return m.transitionTo(to, mc, "market_cap_change", at, "")
		}
		return nil

	case Low, Medium, High, Aim:
		if to, ok := routeByBracket(mc, cfg); ok && to != m.Category {
			return m.transitionTo(to, mc, "market_cap_change", at, "")
		}
		return nil

	case Archive:
		if mc >= cfg.LowMax {
			return m.transitionTo(Low, mc, "market_cap_recovery", at, "")
		}
		return nil

	default: // Bin, Complete: terminal, ignore
		return nil
	}
}

func (m *Machine) applyScanComplete(cfg *Config, at time.Time) *Transition {
	switch m.Category {
	case Low, Medium, High, Archive:
		if m.ScanCount >= cfg.Scan[m.Category].MaxScans {
			return m.transitionTo(degradeTarget[m.Category], m.CurrentMarketCapUSD, "scan_exhausted", at, "")
		}
		return nil
	case Aim:
		if m.ScanCount >= cfg.Scan[Aim].MaxScans {
			return m.transitionTo(High, m.CurrentMarketCapUSD, "scan_exhausted", at, "")
		}
		return nil
	default: // New, Bin, Complete: no scan-exhaustion rule
		return nil
	}
}

func (m *Machine) applyTimeout(cfg *Config, at time.Time) *Transition {
	if m.Category.Terminal() {
		return nil
	}

	sc := cfg.Scan[m.Category]
	elapsed := at.Sub(m.CategoryEnteredAt)
	if elapsed < time.Duration(sc.DurationSeconds)*time.Second {
		return nil
	}

	if m.Category == Aim {
		// Open Question (c): only exit AIM on duration timeout if the
		// current mc is in the HIGH bracket; otherwise keep receiving
		// updates in AIM.
		if isHighBracket(m.CurrentMarketCapUSD, cfg) {
			return m.transitionTo(High, m.CurrentMarketCapUSD, "duration_timeout", at, "")
		}
		return nil
	}

	return m.transitionTo(degradeTarget[m.Category], m.CurrentMarketCapUSD, "duration_timeout", at, "")
}

// transitionTo performs the transition actions common to every rule: reset
// category_entered_at and scan_count, record the new mc, bump aim_attempts
// on AIM entry. Returns nil (no-op) if to equals the current category,
// preserving the "from != to" invariant on every logged transition.
func (m *Machine) transitionTo(to Category, mc float64, reason string, at time.Time, extraReason string) *Transition {
	from := m.Category
	if to == from {
		return nil
	}

	m.PreviousCategory = from
	m.Category = to
	m.CategoryEnteredAt = at
	m.ScanCount = 0
	m.CurrentMarketCapUSD = mc
	if to == Aim {
		m.AimAttempts++
	}

	meta := map[string]any{}
	if extraReason != "" {
		meta["detail"] = extraReason
	}

	return &Transition{
		TokenID:      m.TokenID,
		From:         from,
		To:           to,
		MarketCapUSD: mc,
		Reason:       reason,
		Metadata:     meta,
		At:           at,
	}
}
