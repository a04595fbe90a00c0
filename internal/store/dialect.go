// Package store mirrors recorded transactions into a relational table on
// SQLite, MySQL or PostgreSQL.
package store

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// Dialect names a supported SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
)

// driverName returns the database/sql driver registered for d.
func (d Dialect) driverName() string {
	switch d {
	case DialectPostgres:
		return "pgx"
	default:
		return string(d)
	}
}

// ParseURL splits a connection string into its dialect and the DSN handed
// to the driver. Accepted forms:
//
//	postgres://... | postgresql://...   (pgx)
//	mysql://<go-sql-driver DSN>
//	sqlite://<path> | sqlite:<path>
func ParseURL(raw string) (Dialect, string, error) {
	raw = strings.TrimSpace(raw)
	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return DialectPostgres, raw, nil
	case strings.HasPrefix(lower, "mysql://"):
		dsn := raw[len("mysql://"):]
		if _, err := mysql.ParseDSN(dsn); err != nil {
			return "", "", fmt.Errorf("store parse url: mysql dsn: %w", err)
		}
		return DialectMySQL, dsn, nil
	case strings.HasPrefix(lower, "sqlite://"):
		return sqliteTarget(raw[len("sqlite://"):])
	case strings.HasPrefix(lower, "sqlite:"):
		return sqliteTarget(raw[len("sqlite:"):])
	case raw == "":
		return "", "", fmt.Errorf("store parse url: empty connection string")
	default:
		return "", "", fmt.Errorf("store parse url: unsupported scheme in %q", redactURL(raw))
	}
}

func sqliteTarget(path string) (Dialect, string, error) {
	if strings.TrimSpace(path) == "" {
		return "", "", fmt.Errorf("store parse url: empty sqlite path")
	}
	return DialectSQLite, path, nil
}

// redactURL hides everything between "://" and "@" so credentials never
// reach the logs.
func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	if at := strings.LastIndexByte(rest, '@'); at >= 0 {
		return scheme + "://***@" + rest[at+1:]
	}
	return raw
}

// rebind rewrites "?" placeholders to "$n" for PostgreSQL.
func rebind(d Dialect, q string) string {
	if d != DialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}
