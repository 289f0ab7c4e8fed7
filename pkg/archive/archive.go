package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"geneset-workers/pkg/config"
	"geneset-workers/pkg/job"
)

// Client records terminal job statuses in Postgres. The Redis records
// expire after a few hours; the archive is the durable trail for support
// and reporting. A nil *Client is a valid, disabled archive.
type Client struct {
	pool *pgxpool.Pool
}

// New connects if an archive URL is configured; returns nil (disabled)
// otherwise.
func New(ctx context.Context, cfg config.Archive) (*Client, error) {
	if cfg.DatabaseURL == "" {
		return nil, nil
	}

	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse archive database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create archive connection pool: %w", err)
	}
	return &Client{pool: pool}, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.pool.Close()
}

// InitSchema creates the history table. Idempotent.
func (c *Client) InitSchema(ctx context.Context) error {
	if c == nil {
		return nil
	}
	schema := `
    CREATE TABLE IF NOT EXISTS job_history (
        id BIGSERIAL PRIMARY KEY,
        job_id TEXT NOT NULL,
        family TEXT NOT NULL,
        resource TEXT NOT NULL,
        status TEXT NOT NULL,
        description TEXT,
        duration_seconds DOUBLE PRECISION NOT NULL,
        finished_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    CREATE INDEX IF NOT EXISTS idx_job_history_job ON job_history (family, job_id);
    `
	_, err := c.pool.Exec(ctx, schema)
	return err
}

// RecordTerminal appends one terminal status to the history.
func (c *Client) RecordTerminal(ctx context.Context, family job.Family, id, resource string, rec job.StatusRecord, duration time.Duration) error {
	if c == nil {
		return nil
	}
	query := `INSERT INTO job_history (job_id, family, resource, status, description, duration_seconds)
              VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := c.pool.Exec(ctx, query, id, family, resource, rec.Status, rec.Description, duration.Seconds())
	return err
}
