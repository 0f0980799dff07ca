package backend

import (
	"context"
	"database/sql"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/medql/fhirsql/dialect"
	fhirerrors "github.com/medql/fhirsql/pkg/errors"
)

// PostgresDSNEnv names the environment variable integration setups use
// to point the postgres backend at a live database.
const PostgresDSNEnv = "FHIRSQL_POSTGRES_DSN"

// PostgresDSN returns the configured DSN, or "" when none is set.
func PostgresDSN() string { return os.Getenv(PostgresDSNEnv) }

// PostgresStore is the PostgreSQL backend over jsonb documents.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects and ensures the resources table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fhirerrors.Newf(fhirerrors.ErrCodeBackendConnect,
			"postgres DSN is empty; set %s", PostgresDSNEnv).WithOp("backend.postgres").Err()
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fhirerrors.Wrap(err, fhirerrors.ErrCodeBackendConnect,
			"open postgres database").WithOp("backend.postgres").Err()
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fhirerrors.Wrap(err, fhirerrors.ErrCodeBackendConnect,
			"ping postgres database").WithOp("backend.postgres").Err()
	}

	const schema = `CREATE TABLE IF NOT EXISTS resources (
		resource_type TEXT NOT NULL,
		id            TEXT NOT NULL,
		doc           JSONB NOT NULL,
		PRIMARY KEY (resource_type, id)
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fhirerrors.Wrap(err, fhirerrors.ErrCodeBackendConnect,
			"create resources table").WithOp("backend.postgres").Err()
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Dialect() dialect.Dialect { return dialect.Postgres() }

func (s *PostgresStore) LoadResource(ctx context.Context, resourceType, id string, doc []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resources (resource_type, id, doc) VALUES ($1, $2, $3::jsonb)
		 ON CONFLICT (resource_type, id) DO UPDATE SET doc = EXCLUDED.doc`,
		resourceType, id, string(doc))
	if err != nil {
		return fhirerrors.Wrapf(err, fhirerrors.ErrCodeBackendLoad,
			"store %s/%s", resourceType, id).WithOp("backend.postgres").Err()
	}
	return nil
}

func (s *PostgresStore) Evaluate(ctx context.Context, query string) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fhirerrors.Wrap(err, fhirerrors.ErrCodeBackendQuery,
			"query failed").WithOp("backend.postgres").WithField("query", query).Err()
	}
	defer rows.Close()
	return scanRows(rows, "backend.postgres")
}

func (s *PostgresStore) Close() error { return s.db.Close() }
