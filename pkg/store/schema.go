package store

// Schema creates the tables used by PostgresStore
const Schema = `
CREATE TABLE IF NOT EXISTS organizations (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	installation_id    BIGINT,
	manually_billed    BOOLEAN NOT NULL DEFAULT FALSE,
	remaining_donation BIGINT NOT NULL DEFAULT 0,
	total_donated      BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS org_usage_snapshots (
	id                     BIGSERIAL PRIMARY KEY,
	org_id                 TEXT NOT NULL REFERENCES organizations(id),
	total_dependencies     INTEGER NOT NULL,
	top_level_dependencies INTEGER NOT NULL,
	created_at             TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_org_usage_snapshots_org ON org_usage_snapshots (org_id, created_at);

CREATE TABLE IF NOT EXISTS packages (
	id       TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name     TEXT NOT NULL,
	language TEXT NOT NULL,
	registry TEXT NOT NULL,
	UNIQUE (name, language, registry)
);

CREATE TABLE IF NOT EXISTS package_donations (
	id          UUID PRIMARY KEY,
	package_id  TEXT NOT NULL REFERENCES packages(id),
	org_id      TEXT NOT NULL,
	description TEXT,
	amount      DOUBLE PRECISION NOT NULL,
	donated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_package_donations_package ON package_donations (package_id);

CREATE TABLE IF NOT EXISTS no_comp_lists (
	language     TEXT NOT NULL,
	registry     TEXT NOT NULL,
	package_name TEXT NOT NULL,
	PRIMARY KEY (language, registry, package_name)
);

CREATE TABLE IF NOT EXISTS config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
