package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const migrationsTable = "schema_migrations"

//go:embed migrations/sqlite/*.sql migrations/mysql/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Migrate applies every pending migration for the database named by rawURL.
// It runs on its own connection pool: the migrate drivers pin a connection
// and close the handle when done.
func Migrate(ctx context.Context, rawURL string) error {
	dialect, dsn, err := ParseURL(rawURL)
	if err != nil {
		return err
	}
	db, err := openDialect(ctx, dialect, dsn)
	if err != nil {
		return err
	}
	return migrateDB(db, dialect)
}

func migrateDB(db *sql.DB, dialect Dialect) error {
	fsPath := "migrations/" + string(dialect)
	sourceDriver, err := iofs.New(migrationsFS, fsPath)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("migrate %s: init source: %w", dialect, err)
	}

	dbDriver, err := migrationDriver(db, dialect)
	if err != nil {
		_ = sourceDriver.Close()
		_ = db.Close()
		return fmt.Errorf("migrate %s: init db driver: %w", dialect, err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, string(dialect), dbDriver)
	if err != nil {
		_ = sourceDriver.Close()
		_ = dbDriver.Close()
		return fmt.Errorf("migrate %s: init migrator: %w", dialect, err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: up: %w", dialect, err)
	}
	return nil
}

func migrationDriver(db *sql.DB, dialect Dialect) (migratedb.Driver, error) {
	switch dialect {
	case DialectSQLite:
		return migratesqlite.WithInstance(db, &migratesqlite.Config{MigrationsTable: migrationsTable})
	case DialectMySQL:
		return migratemysql.WithInstance(db, &migratemysql.Config{MigrationsTable: migrationsTable})
	case DialectPostgres:
		return migratepgx.WithInstance(db, &migratepgx.Config{MigrationsTable: migrationsTable})
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
}
