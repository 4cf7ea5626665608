package artifacts

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	sqlCreateScreenshots = `
        CREATE TABLE IF NOT EXISTS screenshots (
            id UUID PRIMARY KEY,
            run_id TEXT NOT NULL,
            data BYTEA NOT NULL,
            created_at TIMESTAMPTZ NOT NULL
        );`
	sqlInsertScreenshot = `
        INSERT INTO screenshots (id, run_id, data, created_at)
        VALUES ($1, $2, $3, $4);`
)

// PostgresStore keeps screenshots in a bytea column. References have the form
// pg://screenshots/<id>.
type PostgresStore struct {
	pool  DBPool
	runID string
	log   *zap.Logger
}

// NewPostgresStore creates a new store instance and verifies the connection.
func NewPostgresStore(ctx context.Context, pool DBPool, runID string, logger *zap.Logger) (*PostgresStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{pool: pool, runID: runID, log: logger.Named("artifacts.postgres")}, nil
}

// EnsureSchema creates the screenshots table when it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlCreateScreenshots); err != nil {
		return fmt.Errorf("failed to create screenshots table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, png []byte) (string, error) {
	id := uuid.New()
	tag, err := s.pool.Exec(ctx, sqlInsertScreenshot, id, s.runID, png, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to insert screenshot: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return "", fmt.Errorf("unexpected rows affected inserting screenshot: %d", tag.RowsAffected())
	}

	ref := "pg://screenshots/" + id.String()
	s.log.Debug("Screenshot saved", zap.String("ref", ref), zap.Int("bytes", len(png)))
	return ref, nil
}
