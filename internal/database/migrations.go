package database

import "strings"

// Migration represents a single schema migration step. Statements may use
// {{pk}} and {{float}}, which expand to the dialect's auto-increment key
// and double precision types.
type Migration struct {
	Version     int
	Description string
	Statements  []string
}

var ddlTypes = map[dialect]*strings.Replacer{
	dialectSQLite:   strings.NewReplacer("{{pk}}", "INTEGER PRIMARY KEY AUTOINCREMENT", "{{float}}", "REAL"),
	dialectPostgres: strings.NewReplacer("{{pk}}", "BIGSERIAL PRIMARY KEY", "{{float}}", "DOUBLE PRECISION"),
}

func expandDDL(stmt string, d dialect) string {
	return ddlTypes[d].Replace(stmt)
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS platforms (
    id {{pk}},
    name TEXT NOT NULL UNIQUE,
    credential_ref TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
)`,
			`CREATE TABLE IF NOT EXISTS hashtags (
    id {{pk}},
    name TEXT NOT NULL,
    platform_id INTEGER NOT NULL REFERENCES platforms(id),
    last_scraped TEXT,
    created_at TEXT NOT NULL,
    UNIQUE (name, platform_id)
)`,
			`CREATE TABLE IF NOT EXISTS posts (
    id {{pk}},
    platform_id INTEGER NOT NULL REFERENCES platforms(id),
    external_id TEXT NOT NULL CHECK (external_id <> ''),
    author TEXT NOT NULL DEFAULT '',
    caption TEXT NOT NULL DEFAULT '',
    hashtags TEXT NOT NULL DEFAULT '[]',
    likes INTEGER NOT NULL DEFAULT 0 CHECK (likes >= 0),
    comments INTEGER NOT NULL DEFAULT 0 CHECK (comments >= 0),
    shares INTEGER NOT NULL DEFAULT 0 CHECK (shares >= 0),
    views INTEGER NOT NULL DEFAULT 0 CHECK (views >= 0),
    posted_at TEXT NOT NULL,
    fetched_at TEXT NOT NULL,
    language TEXT NOT NULL DEFAULT '',
    media_url TEXT NOT NULL DEFAULT '',
    score {{float}} NOT NULL DEFAULT 0,
    score_trend {{float}} NOT NULL DEFAULT 0,
    UNIQUE (platform_id, external_id)
)`,
			`CREATE TABLE IF NOT EXISTS sync_runs (
    id TEXT PRIMARY KEY,
    platform TEXT NOT NULL,
    trending INTEGER NOT NULL DEFAULT 0,
    state TEXT NOT NULL,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    hashtags_total INTEGER NOT NULL DEFAULT 0,
    hashtags_failed INTEGER NOT NULL DEFAULT 0,
    items_written INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT ''
)`,
			`CREATE TABLE IF NOT EXISTS sync_results (
    id {{pk}},
    run_id TEXT NOT NULL REFERENCES sync_runs(id),
    hashtag TEXT NOT NULL,
    state TEXT NOT NULL,
    failed_at TEXT NOT NULL DEFAULT '',
    fetched INTEGER NOT NULL DEFAULT 0,
    normalized INTEGER NOT NULL DEFAULT 0,
    skipped INTEGER NOT NULL DEFAULT 0,
    written INTEGER NOT NULL DEFAULT 0,
    indexed INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    index_error TEXT NOT NULL DEFAULT '',
    finished_at TEXT NOT NULL
)`,
			`CREATE INDEX IF NOT EXISTS idx_hashtags_platform ON hashtags(platform_id)`,
			`CREATE INDEX IF NOT EXISTS idx_posts_posted_at ON posts(posted_at)`,
			`CREATE INDEX IF NOT EXISTS idx_sync_runs_started ON sync_runs(started_at)`,
			`CREATE INDEX IF NOT EXISTS idx_sync_results_run ON sync_results(run_id)`,
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
