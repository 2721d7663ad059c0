package history

import (
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS scan_reports (
		scan_id TEXT PRIMARY KEY,
		ecosystem TEXT NOT NULL,
		package TEXT NOT NULL,
		old_version TEXT NOT NULL,
		new_version TEXT NOT NULL,
		risk_score DOUBLE PRECISION NOT NULL,
		risk_category TEXT NOT NULL,
		risk_rank INTEGER NOT NULL,
		degraded BOOLEAN NOT NULL DEFAULT FALSE,
		fixed INTEGER NOT NULL DEFAULT 0,
		not_fixed INTEGER NOT NULL DEFAULT 0,
		unconfirmed INTEGER NOT NULL DEFAULT 0,
		created_unix BIGINT NOT NULL,
		report TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_scan_reports_package ON scan_reports (ecosystem, package);`,
	`CREATE INDEX IF NOT EXISTS idx_scan_reports_created ON scan_reports (created_unix);`,
	`CREATE TABLE IF NOT EXISTS feed_cache (
		ecosystem TEXT NOT NULL,
		package TEXT NOT NULL,
		source TEXT NOT NULL,
		data TEXT NOT NULL,
		updated_unix BIGINT NOT NULL,
		PRIMARY KEY (ecosystem, package, source)
	);`,
}

// unique_violation
const pqUniqueViolation = "23505"

// NewPostgresStore connects to a PostgreSQL history database.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	return openSQL("postgres", dsn, dialect{
		name:       "postgres",
		migrations: postgresMigrations,
		numbered:   true,
		duplicate: func(err error) bool {
			var pqErr *pq.Error
			return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
		},
	})
}
