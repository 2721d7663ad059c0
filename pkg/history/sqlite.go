package history

import (
	"strings"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS scan_reports (
		scan_id TEXT PRIMARY KEY,
		ecosystem TEXT NOT NULL,
		package TEXT NOT NULL,
		old_version TEXT NOT NULL,
		new_version TEXT NOT NULL,
		risk_score REAL NOT NULL,
		risk_category TEXT NOT NULL,
		risk_rank INTEGER NOT NULL,
		degraded BOOLEAN NOT NULL DEFAULT 0,
		fixed INTEGER NOT NULL DEFAULT 0,
		not_fixed INTEGER NOT NULL DEFAULT 0,
		unconfirmed INTEGER NOT NULL DEFAULT 0,
		created_unix INTEGER NOT NULL,
		report TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_scan_reports_package ON scan_reports (ecosystem, package);`,
	`CREATE INDEX IF NOT EXISTS idx_scan_reports_created ON scan_reports (created_unix);`,
	`CREATE TABLE IF NOT EXISTS feed_cache (
		ecosystem TEXT NOT NULL,
		package TEXT NOT NULL,
		source TEXT NOT NULL,
		data TEXT NOT NULL,
		updated_unix INTEGER NOT NULL,
		PRIMARY KEY (ecosystem, package, source)
	);`,
}

// NewSQLiteStore opens (creating if needed) a SQLite history database at path.
func NewSQLiteStore(path string) (*SQLStore, error) {
	return openSQL("sqlite", path, dialect{
		name:       "sqlite",
		migrations: sqliteMigrations,
		duplicate: func(err error) bool {
			return strings.Contains(err.Error(), "UNIQUE constraint failed")
		},
	})
}
