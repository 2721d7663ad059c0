package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patchverify/patchverify/pkg/types"
)

var (
	// ErrNotFound is returned by Get for an unknown scan id.
	ErrNotFound = errors.New("scan report not found")
	// ErrDuplicate is returned by Append when the scan id is already stored.
	ErrDuplicate = errors.New("scan report already recorded")
)

// Store is the append-only history of scan reports.
type Store interface {
	Append(ctx context.Context, report *types.ScanReport) error
	Query(ctx context.Context, filter Filter) ([]*types.ScanReport, error)
	Get(ctx context.Context, scanID string) (*types.ScanReport, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// Filter narrows a history query. Zero fields match everything.
type Filter struct {
	Ecosystem string
	Package   string
	// Category keeps reports at or above this risk category.
	Category types.RiskCategory
	Since    time.Time
	Limit    int
}

// Stats summarises the stored history.
type Stats struct {
	Scans      int                         `json:"scans"`
	Degraded   int                         `json:"degraded"`
	Packages   int                         `json:"packages"`
	ByCategory map[types.RiskCategory]int  `json:"by_category"`
	ByVerdict  map[types.VerdictStatus]int `json:"by_verdict"`
	LastScan   time.Time                   `json:"last_scan,omitempty"`
}

// StoreConfig selects the storage backend.
type StoreConfig struct {
	Driver string // "sqlite" or "postgres"
	DSN    string // file path for sqlite, connection string for postgres
}

// DefaultSQLitePath is used when no DSN is configured for sqlite.
const DefaultSQLitePath = ".patchverify.db"

// Open creates a SQLStore for the configured backend and runs migrations.
func Open(config StoreConfig) (*SQLStore, error) {
	switch strings.ToLower(config.Driver) {
	case "postgres", "postgresql":
		if config.DSN == "" {
			return nil, fmt.Errorf("postgres connection string is required")
		}
		return NewPostgresStore(config.DSN)
	case "sqlite", "sqlite3", "":
		if config.DSN == "" {
			config.DSN = DefaultSQLitePath
		}
		return NewSQLiteStore(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", config.Driver)
	}
}
