// Package sqlstore is the relational side of the engine: the trades table
// and the transactional outbox, written one WAL entry per transaction.
//
// Postgres (through pgx) is the production target; SQLite (pure Go) backs
// single-node runs and tests. Queries are written with ? placeholders and
// rebound for Postgres.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"strconv"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

type Store struct {
	db     *sql.DB
	driver string
	log    *zap.Logger
	now    func() time.Time
}

// Open connects and migrates the schema.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	var driverName, dialect string
	switch cfg.Driver {
	case DriverPostgres:
		driverName, dialect = "pgx", "postgres"
	case DriverSQLite, "":
		cfg.Driver = DriverSQLite
		driverName, dialect = "sqlite", "sqlite3"
	default:
		return nil, errors.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if cfg.Driver == DriverSQLite {
		// One writer; avoids SQLITE_BUSY and keeps :memory: on one connection.
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	if err := migrate(db, dialect, log); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{
		db:     db,
		driver: cfg.Driver,
		log:    log,
		now:    time.Now,
	}, nil
}

func migrate(db *sql.DB, dialect string, log *zap.Logger) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{log.Sugar()})
	if err := goose.SetDialect(dialect); err != nil {
		return errors.Wrap(err, "goose dialect")
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return errors.Wrap(err, "migrate schema")
	}
	return nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type gooseLogger struct {
	s *zap.SugaredLogger
}

func (l gooseLogger) Fatal(v ...interface{})                 { l.s.Fatal(v...) }
func (l gooseLogger) Fatalf(format string, v ...interface{}) { l.s.Fatalf(format, v...) }
func (l gooseLogger) Print(v ...interface{})                 { l.s.Info(v...) }
func (l gooseLogger) Println(v ...interface{})               { l.s.Info(v...) }
func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.s.Infof(strings.TrimSuffix(format, "\n"), v...)
}
