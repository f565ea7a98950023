package storage

import "database/sql"

// schemaStatements creates every table named in spec.md section 6. This is
// a one-shot bootstrap, not a migration system (that tooling is an explicit
// non-goal) — it exists so the rest of the package, and its tests against
// an in-memory sqlite database, have somewhere to read and write.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tokens (
		address TEXT PRIMARY KEY,
		symbol TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		decimals INTEGER NOT NULL DEFAULT 6,
		creator TEXT NOT NULL DEFAULT '',
		launch_signature TEXT NOT NULL DEFAULT '',
		launch_slot INTEGER NOT NULL DEFAULT 0,
		current_price_usd REAL NOT NULL DEFAULT 0,
		current_price_sol REAL NOT NULL DEFAULT 0,
		market_cap_usd REAL NOT NULL DEFAULT 0,
		liquidity_usd REAL NOT NULL DEFAULT 0,
		volume_24h_usd REAL NOT NULL DEFAULT 0,
		holder_count INTEGER NOT NULL DEFAULT 0,
		top10_percent REAL NOT NULL DEFAULT 0,
		curve_progress REAL NOT NULL DEFAULT 0,
		last_price_update DATETIME,
		price_update_count INTEGER NOT NULL DEFAULT 0,
		safety_score REAL,
		safety_score_at DATETIME,
		safety_flags TEXT NOT NULL DEFAULT '[]',
		do_not_retry_enrich INTEGER NOT NULL DEFAULT 0,
		category TEXT NOT NULL DEFAULT 'NEW',
		previous_category TEXT NOT NULL DEFAULT '',
		category_updated_at DATETIME,
		category_scan_count INTEGER NOT NULL DEFAULT 0,
		buy_attempts INTEGER NOT NULL DEFAULT 0,
		aim_attempts INTEGER NOT NULL DEFAULT 0,
		discovered_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS category_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		token_address TEXT NOT NULL,
		from_category TEXT NOT NULL,
		to_category TEXT NOT NULL,
		market_cap_at_usd REAL NOT NULL,
		reason TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS scan_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL,
		token_address TEXT NOT NULL,
		category TEXT NOT NULL,
		scan_number INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		apis_used TEXT NOT NULL DEFAULT '[]',
		error TEXT NOT NULL DEFAULT '',
		is_final INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS buy_evaluations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL,
		token_address TEXT NOT NULL,
		criteria_passed TEXT NOT NULL DEFAULT '{}',
		observed_values TEXT NOT NULL DEFAULT '{}',
		passed INTEGER NOT NULL DEFAULT 0,
		failure_reasons TEXT NOT NULL DEFAULT '[]',
		confidence REAL NOT NULL DEFAULT 0,
		risk TEXT NOT NULL DEFAULT 'EXTREME',
		recommended_position REAL NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS timeseries_token_prices (
		token_address TEXT NOT NULL,
		time DATETIME NOT NULL,
		price_usd REAL NOT NULL,
		price_native REAL NOT NULL,
		virtual_token_reserve INTEGER NOT NULL DEFAULT 0,
		virtual_sol_reserve INTEGER NOT NULL DEFAULT 0,
		real_token_reserve INTEGER NOT NULL DEFAULT 0,
		real_sol_reserve INTEGER NOT NULL DEFAULT 0,
		market_cap_usd REAL NOT NULL,
		liquidity_usd REAL NOT NULL,
		slot INTEGER NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (token_address, time)
	)`,
	`CREATE TABLE IF NOT EXISTS timeseries_token_transactions (
		signature TEXT NOT NULL,
		token_address TEXT NOT NULL,
		time DATETIME NOT NULL,
		kind TEXT NOT NULL,
		user_address TEXT NOT NULL DEFAULT '',
		token_amount REAL NOT NULL DEFAULT 0,
		native_amount REAL NOT NULL DEFAULT 0,
		price_usd REAL NOT NULL DEFAULT 0,
		price_native REAL NOT NULL DEFAULT 0,
		slot INTEGER NOT NULL DEFAULT 0,
		fee_native REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (signature, token_address, time)
	)`,
	`CREATE TABLE IF NOT EXISTS api_call_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		status INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS api_cache (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		expires_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sol_price_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		price_usd REAL NOT NULL,
		created_at DATETIME NOT NULL
	)`,
}

// Bootstrap creates every table this package needs if it does not already
// exist. It is idempotent and safe to call on every startup.
func Bootstrap(db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
