package store

const schema = `
CREATE TABLE IF NOT EXISTS repositories (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	owner             TEXT NOT NULL,
	name              TEXT NOT NULL,
	default_branch    TEXT NOT NULL DEFAULT 'main',
	analysis_status   TEXT NOT NULL DEFAULT 'pending',
	total_findings    INTEGER NOT NULL DEFAULT 0,
	critical_findings INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(owner, name)
);

CREATE TABLE IF NOT EXISTS findings (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	repo_id      INTEGER NOT NULL REFERENCES repositories(id),
	file_path    TEXT NOT NULL,
	line         INTEGER NOT NULL DEFAULT 0,
	title        TEXT NOT NULL,
	description  TEXT NOT NULL,
	suggestion   TEXT NOT NULL DEFAULT '',
	excerpt      TEXT NOT NULL DEFAULT '',
	category     TEXT NOT NULL,
	severity     TEXT NOT NULL,
	confidence   REAL NOT NULL DEFAULT 0.5,
	status       TEXT NOT NULL DEFAULT 'detected',
	fix_attempts INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_findings_repo_status ON findings(repo_id, status);
CREATE INDEX IF NOT EXISTS idx_findings_dedupe ON findings(repo_id, file_path, title);

CREATE TABLE IF NOT EXISTS change_requests (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	finding_id INTEGER NOT NULL REFERENCES findings(id),
	number     INTEGER NOT NULL,
	branch     TEXT NOT NULL,
	title      TEXT NOT NULL,
	body       TEXT NOT NULL DEFAULT '',
	url        TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'open',
	risk_level TEXT NOT NULL DEFAULT 'low',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_change_requests_status ON change_requests(status);
CREATE INDEX IF NOT EXISTS idx_change_requests_finding ON change_requests(finding_id);
`
