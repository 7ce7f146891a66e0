package store

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLite is the single-node backend. All access goes through one connection, so the claim
// query needs no row locking.
type SQLite struct {
	sqlStore
}

// NewSQLite opens (or creates) the database at path. Use ":memory:" for a throwaway database.
func NewSQLite(path string) (*SQLite, error) {
	dsn := path
	if path == ":memory:" {
		dsn = "file::memory:"
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_time_format=sqlite&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{sqlStore{db: db, d: dialect{name: "sqlite"}}}, nil
}

// Migrate applies the embedded SQLite migrations.
func (s *SQLite) Migrate(ctx context.Context) error {
	return migrate(ctx, &s.sqlStore)
}
