package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Postgres is the production backend.
type Postgres struct {
	sqlStore
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{sqlStore{db: db, d: dialect{
		name:      "postgres",
		numbered:  true,
		claimLock: "FOR UPDATE SKIP LOCKED",
	}}}, nil
}

// Migrate applies the embedded Postgres migrations.
func (p *Postgres) Migrate(ctx context.Context) error {
	return migrate(ctx, &p.sqlStore)
}
