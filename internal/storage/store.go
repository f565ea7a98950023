// Package storage is the persistence layer shared by every component:
// token rows, the category-transition log, price/transaction time series,
// scan logs, and buy evaluations. Method shapes follow the teacher's
// repository idiom (a struct wrapping *sql.DB, zerolog, fmt.Errorf-wrapped
// errors) generalized from per-domain repositories to this domain's tables.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/pumpcat/internal/domain"
)

// Store wraps the shared *sql.DB connection pool (spec.md section 5: a
// single pool, default cap 20, is the primary shared resource).
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// New creates a Store over db, bootstrapping the schema.
func New(db *sql.DB, log zerolog.Logger) (*Store, error) {
	if err := Bootstrap(db); err != nil {
		return nil, fmt.Errorf("storage: bootstrap schema: %w", err)
	}
	return &Store{db: db, log: log.With().Str("component", "storage").Logger()}, nil
}

// chunk splits xs into slices of at most size n, used by the flush
// protocol's "insert in chunks of N" steps.
func chunk[T any](xs []T, n int) [][]T {
	if n <= 0 {
		n = len(xs)
	}
	var out [][]T
	for len(xs) > 0 {
		end := n
		if end > len(xs) {
			end = len(xs)
		}
		out = append(out, xs[:end])
		xs = xs[end:]
	}
	return out
}

// --- Tokens -----------------------------------------------------------

// InsertNewTokens inserts newly-observed tokens, ignoring rows whose
// address already exists (spec.md 4.6 flush step 1).
func (s *Store) InsertNewTokens(execer execer, tokens []domain.Token) error {
	for _, t := range tokens {
		flags, _ := json.Marshal(t.SafetyFlags)
		_, err := execer.Exec(`
			INSERT INTO tokens (address, symbol, name, decimals, creator, launch_signature, launch_slot,
				category, discovered_at, safety_flags)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(address) DO NOTHING`,
			t.Address, t.Symbol, t.Name, t.Decimals, t.Creator, t.LaunchSignature, t.LaunchSlot,
			nonEmptyOr(t.Category, "NEW"), t.DiscoveredAt, string(flags))
		if err != nil {
			return fmt.Errorf("storage: insert new token %s: %w", t.Address, err)
		}
	}
	return nil
}

// InsertPlaceholderTokens inserts a minimal row (symbol "LOADING...") for
// every address not already present, so price/transaction rows always have
// a parent token row (spec.md 4.6 flush steps 2 and 4).
func (s *Store) InsertPlaceholderTokens(execer execer, addresses []string, at time.Time) ([]string, error) {
	var inserted []string
	for _, addr := range addresses {
		res, err := execer.Exec(`
			INSERT INTO tokens (address, symbol, name, category, discovered_at)
			VALUES (?, 'LOADING...', '', 'NEW', ?)
			ON CONFLICT(address) DO NOTHING`, addr, at)
		if err != nil {
			return inserted, fmt.Errorf("storage: insert placeholder token %s: %w", addr, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted = append(inserted, addr)
		}
	}
	return inserted, nil
}

// MissingTokens returns the subset of addresses with no existing token row.
func (s *Store) MissingTokens(addresses []string) ([]string, error) {
	var missing []string
	for _, addr := range addresses {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM tokens WHERE address = ?`, addr).Scan(&exists)
		if err == sql.ErrNoRows {
			missing = append(missing, addr)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("storage: check token exists %s: %w", addr, err)
		}
	}
	return missing, nil
}

// UpdateTokenPriceFields applies the per-price side effects of spec.md 4.6
// outside the batch transaction: current price, market cap, liquidity,
// curve progress, last update time, and an incremented update counter.
func (s *Store) UpdateTokenPriceFields(address string, priceUSD, priceSOL, marketCap, liquidity, curveProgress float64, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE tokens SET
			current_price_usd = ?, current_price_sol = ?, market_cap_usd = ?,
			liquidity_usd = ?, curve_progress = ?, last_price_update = ?,
			price_update_count = price_update_count + 1
		WHERE address = ?`,
		priceUSD, priceSOL, marketCap, liquidity, curveProgress, at, address)
	if err != nil {
		return fmt.Errorf("storage: update token price fields %s: %w", address, err)
	}
	return nil
}

// GetToken returns the token row for address, or ok=false if it does not
// exist.
func (s *Store) GetToken(address string) (domain.Token, bool, error) {
	row := s.db.QueryRow(`
		SELECT address, symbol, name, decimals, creator, launch_signature, launch_slot,
			current_price_usd, current_price_sol, market_cap_usd, liquidity_usd, volume_24h_usd,
			holder_count, top10_percent, curve_progress, safety_score, safety_score_at,
			category, previous_category, category_scan_count, buy_attempts, aim_attempts, discovered_at
		FROM tokens WHERE address = ?`, address)

	var t domain.Token
	var safetyScore sql.NullFloat64
	var safetyScoreAt sql.NullTime
	err := row.Scan(&t.Address, &t.Symbol, &t.Name, &t.Decimals, &t.Creator, &t.LaunchSignature, &t.LaunchSlot,
		&t.CurrentPriceUSD, &t.CurrentPriceSOL, &t.MarketCapUSD, &t.LiquidityUSD, &t.Volume24hUSD,
		&t.HolderCount, &t.Top10Percent, &t.CurveProgress, &safetyScore, &safetyScoreAt,
		&t.Category, &t.PreviousCategory, &t.CategoryScanCount, &t.BuyAttempts, &t.AimAttempts, &t.DiscoveredAt)
	if err == sql.ErrNoRows {
		return domain.Token{}, false, nil
	}
	if err != nil {
		return domain.Token{}, false, fmt.Errorf("storage: get token %s: %w", address, err)
	}
	if safetyScore.Valid {
		v := safetyScore.Float64
		t.SafetyScore = &v
	}
	if safetyScoreAt.Valid {
		t.SafetyScoreAt = safetyScoreAt.Time
	}
	return t, true, nil
}

// ListRehydrateCandidates returns tokens in NEW, LOW, MEDIUM, HIGH or AIM
// (ARCHIVE is not included) whose discovery age is within maxAge, paginated by offset/limit (spec.md 4.4
// startup rehydrate, batches of 1000).
func (s *Store) ListRehydrateCandidates(maxAge time.Duration, now time.Time, offset, limit int) ([]domain.Token, error) {
	cutoff := now.Add(-maxAge)
	rows, err := s.db.Query(`
		SELECT address, category, market_cap_usd, discovered_at
		FROM tokens
		WHERE category IN ('NEW','LOW','MEDIUM','HIGH','AIM') AND discovered_at >= ?
		ORDER BY address
		LIMIT ? OFFSET ?`, cutoff, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("storage: list rehydrate candidates: %w", err)
	}
	defer rows.Close()

	var out []domain.Token
	for rows.Next() {
		var t domain.Token
		if err := rows.Scan(&t.Address, &t.Category, &t.MarketCapUSD, &t.DiscoveredAt); err != nil {
			return nil, fmt.Errorf("storage: scan rehydrate candidate: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Category transitions ----------------------------------------------

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// CommitCategoryTransition atomically updates the token row's category
// fields and appends a CategoryTransition row (spec.md 4.4 transition
// handler). Both writes happen in one transaction; on failure, the caller
// retries implicitly on the next price update.
func (s *Store) CommitCategoryTransition(address, from, to string, mcUSD float64, reason string, metadata map[string]any, at time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("storage: begin transition tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		UPDATE tokens SET category = ?, previous_category = ?, category_updated_at = ?,
			category_scan_count = 0, market_cap_usd = ?
		WHERE address = ?`, to, from, at, mcUSD, address)
	if err != nil {
		return fmt.Errorf("storage: update token category %s: %w", address, err)
	}

	metaJSON, _ := json.Marshal(metadata)
	_, err = tx.Exec(`
		INSERT INTO category_transitions (token_address, from_category, to_category, market_cap_at_usd, reason, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		address, from, to, mcUSD, reason, string(metaJSON), at)
	if err != nil {
		return fmt.Errorf("storage: insert category transition %s: %w", address, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit transition %s: %w", address, err)
	}
	return nil
}

// --- Price samples & transactions (C6 flush protocol) -------------------

// DedupPriceSamples keeps, per (token, time) key, the sample with the
// largest slot — required so a single upsert statement never touches the
// same row twice within one flush (spec.md 4.6).
func DedupPriceSamples(samples []domain.PriceSample) []domain.PriceSample {
	type key struct {
		token string
		time  int64
	}
	best := make(map[key]domain.PriceSample, len(samples))
	order := make([]key, 0, len(samples))
	for _, p := range samples {
		k := key{p.TokenAddress, p.Time.UnixNano()}
		if existing, ok := best[k]; !ok || p.Slot > existing.Slot {
			if _, seen := best[k]; !seen {
				order = append(order, k)
			}
			best[k] = p
		}
	}
	out := make([]domain.PriceSample, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	return out
}

// UpsertPriceSamples inserts deduplicated samples in chunks of chunkSize,
// updating price/market-cap/liquidity on conflict.
func (s *Store) UpsertPriceSamples(tx *sql.Tx, samples []domain.PriceSample, chunkSize int) error {
	for _, batch := range chunk(samples, chunkSize) {
		for _, p := range batch {
			_, err := tx.Exec(`
				INSERT INTO timeseries_token_prices (token_address, time, price_usd, price_native,
					virtual_token_reserve, virtual_sol_reserve, real_token_reserve, real_sol_reserve,
					market_cap_usd, liquidity_usd, slot, source)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(token_address, time) DO UPDATE SET
					price_usd = excluded.price_usd,
					market_cap_usd = excluded.market_cap_usd,
					liquidity_usd = excluded.liquidity_usd`,
				p.TokenAddress, p.Time, p.PriceUSD, p.PriceNative,
				p.VirtualTokenReserve, p.VirtualSolReserve, p.RealTokenReserve, p.RealSolReserve,
				p.MarketCapUSD, p.LiquidityUSD, p.Slot, p.Source)
			if err != nil {
				return fmt.Errorf("storage: upsert price sample %s: %w", p.TokenAddress, err)
			}
		}
	}
	return nil
}

// InsertTransactions inserts transactions in chunks of chunkSize, ignoring
// conflicts on (signature, token_address, time).
func (s *Store) InsertTransactions(tx *sql.Tx, txs []domain.Transaction, chunkSize int) error {
	for _, batch := range chunk(txs, chunkSize) {
		for _, t := range batch {
			_, err := tx.Exec(`
				INSERT INTO timeseries_token_transactions (signature, token_address, time, kind, user_address,
					token_amount, native_amount, price_usd, price_native, slot, fee_native)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(signature, token_address, time) DO NOTHING`,
				t.Signature, t.TokenAddress, t.Time, string(t.Kind), t.User,
				t.TokenAmount, t.NativeAmount, t.PriceUSD, t.PriceNative, t.Slot, t.FeeNative)
			if err != nil {
				return fmt.Errorf("storage: insert transaction %s: %w", t.Signature, err)
			}
		}
	}
	return nil
}

// RecentPriceSamples returns the most recent limit samples for address,
// oldest first, used by the liquidity-quality/growth window (C7).
func (s *Store) RecentPriceSamples(address string, limit int) ([]domain.PriceSample, error) {
	rows, err := s.db.Query(`
		SELECT token_address, time, price_usd, price_native, market_cap_usd, liquidity_usd, slot, source
		FROM timeseries_token_prices
		WHERE token_address = ?
		ORDER BY time DESC
		LIMIT ?`, address, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: recent price samples %s: %w", address, err)
	}
	defer rows.Close()

	var out []domain.PriceSample
	for rows.Next() {
		var p domain.PriceSample
		if err := rows.Scan(&p.TokenAddress, &p.Time, &p.PriceUSD, &p.PriceNative, &p.MarketCapUSD, &p.LiquidityUSD, &p.Slot, &p.Source); err != nil {
			return nil, fmt.Errorf("storage: scan price sample: %w", err)
		}
		out = append(out, p)
	}
	// reverse to oldest-first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// --- Scan logs & buy evaluations -----------------------------------------

// InsertScanLog appends a scan_logs row (spec.md 4.5 execution step).
func (s *Store) InsertScanLog(address, category string, scanNumber int, durationMS int64, apisUsed []string, errMsg string, isFinal bool, at time.Time) error {
	apis, _ := json.Marshal(apisUsed)
	_, err := s.db.Exec(`
		INSERT INTO scan_logs (uuid, token_address, category, scan_number, duration_ms, apis_used, error, is_final, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), address, category, scanNumber, durationMS, string(apis), errMsg, isFinal, at)
	if err != nil {
		return fmt.Errorf("storage: insert scan log %s: %w", address, err)
	}
	return nil
}

// UpdateScanFields updates the token row's in-category scan counter.
// lastScanAt is not stored: the tokens table has no last-scan column.
func (s *Store) UpdateScanFields(address string, lastScanAt time.Time, scanCount int) error {
	_, err := s.db.Exec(`UPDATE tokens SET category_scan_count = ? WHERE address = ?`, scanCount, address)
	if err != nil {
		return fmt.Errorf("storage: update scan fields %s: %w", address, err)
	}
	return nil
}

// GetBuyAttempts returns the token's current buy_attempts counter.
func (s *Store) GetBuyAttempts(address string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT buy_attempts FROM tokens WHERE address = ?`, address).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("storage: get buy attempts %s: %w", address, err)
	}
	return n, nil
}

// InsertBuyEvaluation appends a BuyEvaluation row and increments
// buy_attempts in one transaction (spec.md 4.8: side-effect-free except for
// appending the row and incrementing the counter).
func (s *Store) InsertBuyEvaluation(eval domain.BuyEvaluation) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("storage: begin buy evaluation tx: %w", err)
	}
	defer tx.Rollback()

	criteria, _ := json.Marshal(eval.CriteriaPassed)
	observed, _ := json.Marshal(eval.ObservedValues)
	reasons, _ := json.Marshal(eval.FailureReasons)
	if eval.UUID == "" {
		eval.UUID = uuid.New().String()
	}

	_, err = tx.Exec(`
		INSERT INTO buy_evaluations (uuid, token_address, criteria_passed, observed_values, passed,
			failure_reasons, confidence, risk, recommended_position, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		eval.UUID, eval.TokenAddress, string(criteria), string(observed), eval.Passed,
		string(reasons), eval.Confidence, string(eval.Risk), eval.RecommendedPosition, eval.DurationMS, eval.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: insert buy evaluation %s: %w", eval.TokenAddress, err)
	}

	_, err = tx.Exec(`UPDATE tokens SET buy_attempts = buy_attempts + 1 WHERE address = ?`, eval.TokenAddress)
	if err != nil {
		return fmt.Errorf("storage: increment buy attempts %s: %w", eval.TokenAddress, err)
	}

	return tx.Commit()
}

// --- Metadata enrichment (C9) --------------------------------------------

// UpsertEnrichedMetadata writes the fields a metadata fetch resolves.
func (s *Store) UpsertEnrichedMetadata(address, symbol, name string, decimals int, creator string, holderCount *int) error {
	if holderCount != nil {
		_, err := s.db.Exec(`
			UPDATE tokens SET symbol = ?, name = ?, decimals = ?, creator = ?, holder_count = ?
			WHERE address = ?`, symbol, name, decimals, creator, *holderCount, address)
		if err != nil {
			return fmt.Errorf("storage: upsert enriched metadata %s: %w", address, err)
		}
		return nil
	}
	_, err := s.db.Exec(`
		UPDATE tokens SET symbol = ?, name = ?, decimals = ?, creator = ?
		WHERE address = ?`, symbol, name, decimals, creator, address)
	if err != nil {
		return fmt.Errorf("storage: upsert enriched metadata %s: %w", address, err)
	}
	return nil
}

// MarkDoNotRetryEnrich sets the do-not-retry flag after a permanent
// enrichment failure (spec.md 4.9).
func (s *Store) MarkDoNotRetryEnrich(address string) error {
	_, err := s.db.Exec(`UPDATE tokens SET do_not_retry_enrich = 1 WHERE address = ?`, address)
	if err != nil {
		return fmt.Errorf("storage: mark do-not-retry %s: %w", address, err)
	}
	return nil
}

// --- SOL price history ----------------------------------------------------

// LatestSolPrice returns the most recent sol_price_history row's value.
func (s *Store) LatestSolPrice() (float64, bool, error) {
	var usd float64
	err := s.db.QueryRow(`SELECT price_usd FROM sol_price_history ORDER BY created_at DESC LIMIT 1`).Scan(&usd)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("storage: latest sol price: %w", err)
	}
	return usd, true, nil
}

// InsertSolPrice appends a sol_price_history row.
func (s *Store) InsertSolPrice(usd float64, at time.Time) error {
	_, err := s.db.Exec(`INSERT INTO sol_price_history (price_usd, created_at) VALUES (?, ?)`, usd, at)
	if err != nil {
		return fmt.Errorf("storage: insert sol price: %w", err)
	}
	return nil
}

// Begin starts a new transaction, for callers coordinating multi-step
// writes across Store methods that accept a *sql.Tx.
func (s *Store) Begin() (*sql.Tx, error) {
	return s.db.Begin()
}

func nonEmptyOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
