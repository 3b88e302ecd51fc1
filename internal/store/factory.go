package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Open resolves a DSN to a storage driver and returns a ready Store with
// the schema bootstrapped.
//
// Supported schemes:
//
//	(none) or file://  embedded SQLite at the given path (the default)
//	memory://          in-memory SQLite, for tests and setup mode
//	postgres://        PostgreSQL via lib/pq
func Open(dsn string) (*Store, error) {
	driver, connStr, err := resolveDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		// SQLite handles one writer at a time; funnel everything through
		// a single connection instead of racing on SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	return newStore(db)
}

func resolveDSN(dsn string) (driver, connStr string, err error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", "", fmt.Errorf("store: dsn is required")
	}
	parsed, parseErr := url.Parse(dsn)
	if parseErr != nil {
		// Bare filesystem paths are valid sqlite targets even when they
		// do not parse as URLs.
		return "sqlite3", dsn, nil
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "":
		return "sqlite3", dsn, nil
	case "file":
		path := parsed.Path
		if parsed.Opaque != "" {
			path = parsed.Opaque
		}
		if parsed.Host != "" {
			path = parsed.Host + path
		}
		if strings.TrimSpace(path) == "" {
			return "", "", fmt.Errorf("store: file dsn is missing a path: %s", dsn)
		}
		return "sqlite3", path, nil
	case "memory", "mem", "inmem":
		return "sqlite3", ":memory:", nil
	case "postgres", "postgresql":
		return "postgres", dsn, nil
	default:
		return "", "", fmt.Errorf("store: unsupported dsn scheme: %s", scheme)
	}
}
