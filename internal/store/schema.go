package store

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL,
	plan_hash TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	requested_by TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	started_at DATETIME,
	finished_at DATETIME,
	claimed_by TEXT,
	claim_expires_at DATETIME,
	params_json TEXT NOT NULL DEFAULT '{}',
	result_summary_json TEXT NOT NULL DEFAULT '{}',
	error_code TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_idempotency_key ON runs(idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_runs_claimed_by ON runs(claimed_by);

CREATE TABLE IF NOT EXISTS run_tasks (
	task_run_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	task_id TEXT NOT NULL,
	task_index INTEGER NOT NULL,
	task_name TEXT NOT NULL DEFAULT '',
	task_type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	attempt INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	idempotent INTEGER NOT NULL DEFAULT 1,
	requires_approval INTEGER NOT NULL DEFAULT 0,
	approval_id TEXT NOT NULL DEFAULT '',
	started_at DATETIME,
	finished_at DATETIME,
	input_json TEXT NOT NULL DEFAULT '{}',
	output_json TEXT NOT NULL DEFAULT '{}',
	error_code TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	UNIQUE(run_id, task_id)
);

CREATE INDEX IF NOT EXISTS idx_run_tasks_run_id ON run_tasks(run_id, task_index);

CREATE TABLE IF NOT EXISTS run_approvals (
	approval_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	task_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	prompt TEXT NOT NULL DEFAULT '',
	preview_json TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	resolved_at DATETIME,
	resolved_by TEXT NOT NULL DEFAULT '',
	UNIQUE(run_id, task_id)
);

CREATE TABLE IF NOT EXISTS run_artifacts (
	artifact_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	kind TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT 'application/octet-stream',
	uri TEXT NOT NULL,
	metadata_json TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_run_artifacts_run_id ON run_artifacts(run_id);
CREATE INDEX IF NOT EXISTS idx_run_artifacts_kind_created ON run_artifacts(kind, created_at);

CREATE TABLE IF NOT EXISTS scan_schedule (
	schedule_id TEXT PRIMARY KEY,
	broker_id TEXT NOT NULL,
	profile_id TEXT NOT NULL,
	scan_type TEXT NOT NULL DEFAULT 'recheck',
	next_run_at DATETIME NOT NULL,
	last_run_id TEXT NOT NULL DEFAULT '',
	last_run_at DATETIME,
	interval_days INTEGER NOT NULL DEFAULT 30,
	enabled INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE(broker_id, profile_id)
);

CREATE INDEX IF NOT EXISTS idx_scan_schedule_due ON scan_schedule(enabled, next_run_at);

CREATE TABLE IF NOT EXISTS pii_profiles (
	profile_id TEXT PRIMARY KEY,
	label TEXT NOT NULL DEFAULT '',
	ciphertext BLOB NOT NULL,
	nonce BLOB NOT NULL,
	integrity_hash TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS broker_listings (
	listing_id TEXT PRIMARY KEY,
	broker_id TEXT NOT NULL,
	profile_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'found',
	confidence REAL NOT NULL DEFAULT 0,
	listing_url TEXT NOT NULL DEFAULT '',
	recheck_after DATETIME,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE(broker_id, profile_id)
);

CREATE TABLE IF NOT EXISTS removal_actions (
	action_id TEXT PRIMARY KEY,
	listing_id TEXT NOT NULL REFERENCES broker_listings(listing_id) ON DELETE CASCADE,
	broker_id TEXT NOT NULL,
	profile_id TEXT NOT NULL,
	action_type TEXT NOT NULL,
	status TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_removal_actions_listing ON removal_actions(listing_id);

CREATE TABLE IF NOT EXISTS human_action_queue (
	item_id TEXT PRIMARY KEY,
	broker_id TEXT NOT NULL DEFAULT '',
	listing_id TEXT NOT NULL DEFAULT '',
	action_needed TEXT NOT NULL,
	instructions TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	resolved_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_human_action_queue_status ON human_action_queue(status, created_at);
`
