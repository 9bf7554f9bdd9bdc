package store

// The schema is created in-process at startup. TEXT timestamps and JSON
// columns keep the DDL portable between Postgres and SQLite.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS organizations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		slug TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL,
		last_login_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS memberships (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (org_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		name TEXT NOT NULL,
		key_prefix TEXT NOT NULL,
		key_hash TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		last_used_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS uapk_manifests (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		uapk_id TEXT NOT NULL,
		version TEXT NOT NULL,
		manifest_json TEXT NOT NULL,
		manifest_hash TEXT NOT NULL,
		status TEXT NOT NULL,
		description TEXT,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (org_id, uapk_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS capability_issuers (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		issuer_id TEXT NOT NULL,
		name TEXT NOT NULL,
		public_key TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		revoked_at TIMESTAMP,
		UNIQUE (org_id, issuer_id)
	)`,
	`CREATE TABLE IF NOT EXISTS capability_tokens (
		id TEXT PRIMARY KEY,
		token_id TEXT NOT NULL UNIQUE,
		org_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		manifest_id TEXT,
		capabilities TEXT NOT NULL,
		issued_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		issued_by TEXT NOT NULL,
		constraints TEXT,
		max_actions INTEGER,
		actions_used INTEGER NOT NULL DEFAULT 0,
		revoked BOOLEAN NOT NULL DEFAULT FALSE,
		revoked_at TIMESTAMP,
		revoked_reason TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS policies (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		policy_type TEXT NOT NULL,
		scope TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		rules TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (org_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS action_counters (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		uapk_id TEXT NOT NULL,
		counter_date TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (org_id, uapk_id, counter_date)
	)`,
	`CREATE TABLE IF NOT EXISTS secrets (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		name TEXT NOT NULL,
		encrypted_value BLOB NOT NULL,
		description TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (org_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS interaction_records (
		id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL UNIQUE,
		org_id TEXT NOT NULL,
		uapk_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		action_type TEXT NOT NULL,
		tool TEXT NOT NULL,
		request TEXT,
		request_hash TEXT NOT NULL,
		decision TEXT NOT NULL,
		decision_reason TEXT,
		reasons_json TEXT NOT NULL,
		policy_trace_json TEXT NOT NULL,
		risk_snapshot_json TEXT,
		result TEXT,
		result_hash TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		capability_token_id TEXT,
		previous_record_hash TEXT,
		record_hash TEXT NOT NULL,
		gateway_signature TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_records_chain
		ON interaction_records (org_id, uapk_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS chain_heads (
		org_id TEXT NOT NULL,
		uapk_id TEXT NOT NULL,
		last_record_hash TEXT,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (org_id, uapk_id)
	)`,
	`CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		approval_id TEXT NOT NULL UNIQUE,
		org_id TEXT NOT NULL,
		interaction_id TEXT,
		uapk_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		action TEXT NOT NULL,
		counterparty TEXT,
		context TEXT,
		reason_codes TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP,
		decided_at TIMESTAMP,
		decided_by TEXT,
		decision_notes TEXT,
		action_hash TEXT,
		override_token_hash TEXT,
		override_token_expires_at TIMESTAMP,
		override_token_used_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS used_override_tokens (
		token_hash TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		approval_id TEXT NOT NULL,
		action_hash TEXT NOT NULL,
		used_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		response TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL
	)`,
}
