package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// OpenDB opens and pings the database named by rawURL.
func OpenDB(ctx context.Context, rawURL string) (*sql.DB, Dialect, error) {
	dialect, dsn, err := ParseURL(rawURL)
	if err != nil {
		return nil, "", err
	}
	db, err := openDialect(ctx, dialect, dsn)
	if err != nil {
		return nil, "", err
	}
	return db, dialect, nil
}

func openDialect(ctx context.Context, dialect Dialect, dsn string) (*sql.DB, error) {
	if dialect == DialectSQLite {
		if err := ensureSQLiteDir(dsn); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("store open %s: %w", dialect, err)
	}
	switch dialect {
	case DialectSQLite:
		// Concurrent writers on one file contend for the lock; a single
		// connection serialises them.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	default:
		db.SetConnMaxLifetime(5 * time.Minute)
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store ping %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		_, _ = db.ExecContext(ctx, `PRAGMA journal_mode=WAL`)
		_, _ = db.ExecContext(ctx, `PRAGMA busy_timeout=5000`)
	}
	return db, nil
}

func ensureSQLiteDir(dsn string) error {
	filePath := dsn
	if i := strings.IndexByte(filePath, '?'); i >= 0 {
		filePath = filePath[:i]
	}
	filePath = strings.TrimPrefix(filePath, "file:")
	if filePath == "" || filePath == ":memory:" || strings.HasPrefix(filePath, ":memory:") {
		return nil
	}
	dir := filepath.Dir(filePath)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store open sqlite: mkdir %s: %w", dir, err)
	}
	return nil
}

// isUniqueViolation reports whether err is a unique-constraint failure in
// any supported backend.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// MySQL: ER_DUP_ENTRY = 1062
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	// PostgreSQL: unique_violation = 23505
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
