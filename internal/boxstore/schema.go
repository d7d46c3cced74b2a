package boxstore

const boxSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	box_id        TEXT NOT NULL,
	status        TEXT NOT NULL,
	origin        TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	started_at    INTEGER,
	finished_at   INTEGER,
	checkpoint    TEXT NOT NULL DEFAULT '',
	error_summary TEXT NOT NULL DEFAULT '',
	pages_fetched INTEGER NOT NULL DEFAULT 0,
	pages_failed  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

-- Pages double as the durable frontier: queued rows are the resumption cursor.
CREATE TABLE IF NOT EXISTS pages (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	id            TEXT NOT NULL UNIQUE,
	box_id        TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	url           TEXT NOT NULL,
	status        TEXT NOT NULL CHECK (status IN ('queued', 'fetched', 'failed')),
	depth         INTEGER NOT NULL,
	content_ref   TEXT NOT NULL DEFAULT '',
	content_hash  TEXT NOT NULL DEFAULT '',
	title         TEXT NOT NULL DEFAULT '',
	size_bytes    INTEGER NOT NULL DEFAULT 0,
	status_code   INTEGER NOT NULL DEFAULT 0,
	error_note    TEXT NOT NULL DEFAULT '',
	discovered_at INTEGER NOT NULL,
	fetched_at    INTEGER,
	UNIQUE (box_id, url)
);
CREATE INDEX IF NOT EXISTS idx_pages_session_status ON pages(session_id, status, discovered_at, seq);
CREATE INDEX IF NOT EXISTS idx_pages_status ON pages(status, discovered_at, seq);

CREATE TABLE IF NOT EXISTS page_terms (
	page_id TEXT NOT NULL,
	term    TEXT NOT NULL,
	freq    INTEGER NOT NULL,
	PRIMARY KEY (page_id, term)
);
CREATE INDEX IF NOT EXISTS idx_page_terms_term ON page_terms(term);

CREATE TABLE IF NOT EXISTS uploads (
	id            TEXT PRIMARY KEY,
	box_id        TEXT NOT NULL,
	source        TEXT NOT NULL,
	status        TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	finished_at   INTEGER,
	items_stored  INTEGER NOT NULL DEFAULT 0,
	items_skipped INTEGER NOT NULL DEFAULT 0,
	items_failed  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS upload_items (
	operation_id TEXT NOT NULL,
	path         TEXT NOT NULL,
	outcome      TEXT NOT NULL CHECK (outcome IN ('stored', 'skipped', 'failed')),
	content_ref  TEXT NOT NULL DEFAULT '',
	reason       TEXT NOT NULL DEFAULT '',
	size_bytes   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (operation_id, path)
);

CREATE TABLE IF NOT EXISTS blobs (
	content_hash TEXT PRIMARY KEY,
	content_ref  TEXT NOT NULL,
	path         TEXT NOT NULL,
	size_bytes   INTEGER NOT NULL,
	stored_at    INTEGER NOT NULL
);
`

const catalogSchema = `
CREATE TABLE IF NOT EXISTS boxes (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	type        TEXT NOT NULL CHECK (type IN ('indexed', 'raw')),
	seed_url    TEXT NOT NULL DEFAULT '',
	crawl_depth INTEGER NOT NULL DEFAULT 0,
	max_pages   INTEGER NOT NULL DEFAULT 0,
	rate_limit  REAL NOT NULL DEFAULT 0,
	shelf_id    TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);
`
