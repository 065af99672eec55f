package history

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore keeps the history in a PostgreSQL table, for deployments
// where several hosts share one log.
type PostgresStore struct {
	sqlStore
}

// NewPostgresStore connects to the database named by dsn.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &StorageError{Op: "connect", Path: redactDSN(dsn), Err: err}
	}

	return &PostgresStore{sqlStore{db: db, location: redactDSN(dsn), dialect: postgresDialect}}, nil
}

// InitializeIfAbsent creates the builds table and its lookup index.
func (s *PostgresStore) InitializeIfAbsent(ctx context.Context) error {
	return s.createSchema(ctx)
}

// redactDSN hides the password of a URL-style DSN. Keyword/value DSNs are
// reduced to "postgres" since they may carry one anywhere.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return "postgres"
	}
	return u.Redacted()
}
