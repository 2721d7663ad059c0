package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/patchverify/patchverify/pkg/types"
)

// SQLStore implements Store and resolver.FeedStore on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

type dialect struct {
	name       string
	migrations []string
	duplicate  func(error) bool
	// numbered placeholders ($1, $2) instead of ?
	numbered bool
}

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func openSQL(driver, dsn string, d dialect) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLStore{db: db, dialect: d}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Debugf("history: opened %s store", d.name)
	return store, nil
}

func (s *SQLStore) migrate() error {
	for _, q := range s.dialect.migrations {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Append records a report. Reports are never updated; a repeated scan id
// returns ErrDuplicate.
func (s *SQLStore) Append(ctx context.Context, report *types.ScanReport) error {
	if report == nil || report.ScanID == "" {
		return fmt.Errorf("report without scan id")
	}
	body, err := json.Marshal(report)
	if err != nil {
		return errors.Wrap(err, "encoding report")
	}
	counts := report.Counts()
	query := s.dialect.rebind(`INSERT INTO scan_reports
		(scan_id, ecosystem, package, old_version, new_version, risk_score, risk_category, risk_rank,
		 degraded, fixed, not_fixed, unconfirmed, created_unix, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		report.ScanID, report.Ecosystem, report.Package, report.OldVersion, report.NewVersion,
		report.RiskScore, string(report.RiskCategory), report.RiskCategory.Rank(), report.Degraded,
		counts[types.Fixed], counts[types.NotFixed], counts[types.Unconfirmed],
		report.Timestamp.UTC().UnixNano(), string(body))
	if err != nil {
		if s.dialect.duplicate(err) {
			return fmt.Errorf("%w: %s", ErrDuplicate, report.ScanID)
		}
		return errors.Wrapf(err, "appending report %s", report.ScanID)
	}
	return nil
}

// Query returns matching reports, newest first.
func (s *SQLStore) Query(ctx context.Context, filter Filter) ([]*types.ScanReport, error) {
	var (
		where []string
		args  []any
	)
	if filter.Ecosystem != "" {
		where = append(where, "LOWER(ecosystem) = LOWER(?)")
		args = append(args, filter.Ecosystem)
	}
	if filter.Package != "" {
		where = append(where, "package = ?")
		args = append(args, filter.Package)
	}
	if rank := filter.Category.Rank(); filter.Category != "" {
		if rank < 0 {
			return nil, fmt.Errorf("unknown risk category %q", filter.Category)
		}
		where = append(where, "risk_rank >= ?")
		args = append(args, rank)
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_unix >= ?")
		args = append(args, filter.Since.UTC().UnixNano())
	}

	query := "SELECT report FROM scan_reports"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_unix DESC, scan_id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying history")
	}
	defer rows.Close()

	var reports []*types.ScanReport
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, errors.Wrap(err, "reading history row")
		}
		report, err := decode(body)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	return reports, rows.Err()
}

// Get returns one report by scan id.
func (s *SQLStore) Get(ctx context.Context, scanID string) (*types.ScanReport, error) {
	var body string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT report FROM scan_reports WHERE scan_id = ?`), scanID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, scanID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading report %s", scanID)
	}
	return decode(body)
}

// Stats aggregates the stored history.
func (s *SQLStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByCategory: map[types.RiskCategory]int{},
		ByVerdict:  map[types.VerdictStatus]int{},
	}

	var (
		fixed, notFixed, unconfirmed sql.NullInt64
		degraded, last               sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*),
		SUM(CASE WHEN degraded THEN 1 ELSE 0 END),
		COUNT(DISTINCT ecosystem || ':' || package),
		SUM(fixed), SUM(not_fixed), SUM(unconfirmed), MAX(created_unix)
		FROM scan_reports`).Scan(&stats.Scans, &degraded, &stats.Packages, &fixed, &notFixed, &unconfirmed, &last)
	if err != nil {
		return nil, errors.Wrap(err, "reading history totals")
	}
	stats.Degraded = int(degraded.Int64)
	stats.ByVerdict[types.Fixed] = int(fixed.Int64)
	stats.ByVerdict[types.NotFixed] = int(notFixed.Int64)
	stats.ByVerdict[types.Unconfirmed] = int(unconfirmed.Int64)
	if last.Valid {
		stats.LastScan = time.Unix(0, last.Int64).UTC()
	}

	rows, err := s.db.QueryContext(ctx, `SELECT risk_category, COUNT(*) FROM scan_reports GROUP BY risk_category`)
	if err != nil {
		return nil, errors.Wrap(err, "reading history categories")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			category string
			n        int
		)
		if err := rows.Scan(&category, &n); err != nil {
			return nil, errors.Wrap(err, "reading history categories")
		}
		stats.ByCategory[types.RiskCategory(category)] = n
	}
	return stats, rows.Err()
}

// LoadFeed returns the last stored feed for a source.
func (s *SQLStore) LoadFeed(ctx context.Context, ecosystem, pkg, source string) ([]byte, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT data FROM feed_cache WHERE ecosystem = ? AND package = ? AND source = ?`),
		ecosystem, pkg, source).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "loading cached feed")
	}
	return []byte(data), true, nil
}

// StoreFeed replaces the stored feed for a source.
func (s *SQLStore) StoreFeed(ctx context.Context, ecosystem, pkg, source string, data []byte) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`INSERT INTO feed_cache (ecosystem, package, source, data, updated_unix)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (ecosystem, package, source) DO UPDATE SET data = excluded.data, updated_unix = excluded.updated_unix`),
		ecosystem, pkg, source, string(data), now().UTC().UnixNano())
	if err != nil {
		return errors.Wrap(err, "storing cached feed")
	}
	return nil
}

var now = time.Now

func decode(body string) (*types.ScanReport, error) {
	var report types.ScanReport
	if err := json.Unmarshal([]byte(body), &report); err != nil {
		return nil, errors.Wrap(err, "decoding stored report")
	}
	return &report, nil
}
