package inquiry

const schemaSQL = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS inquiries (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	email TEXT NOT NULL,
	company TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL,
	client_ip TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS inquiries_created_at ON inquiries (created_at DESC);

CREATE TABLE IF NOT EXISTS subscribers (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL
);
`
