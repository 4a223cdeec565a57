package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/julien-duponchelle/httpsintercept/proxy-srv/logger"
)

// PostgresCollector implements Collector on top of PostgreSQL, for
// deployments that already run a shared database and want audit
// records alongside everything else.
type PostgresCollector struct {
	db *sql.DB
}

// NewPostgresCollector opens a PostgreSQL database using dsn and
// initializes its schema.
func NewPostgresCollector(dsn string) (*PostgresCollector, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("connecting to postgres database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	c := &PostgresCollector{db: db}
	if err := c.initSchema(); err != nil {
		return nil, err
	}
	logger.Debug("audit: postgres collector ready")
	return c, nil
}

func (c *PostgresCollector) initSchema() error {
	_, err := c.db.Exec(`
CREATE TABLE IF NOT EXISTS connections (
	id BIGSERIAL PRIMARY KEY,
	client_ip TEXT NOT NULL,
	host TEXT NOT NULL,
	port INTEGER NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ,
	bytes_in BIGINT DEFAULT 0,
	bytes_out BIGINT DEFAULT 0,
	close_reason TEXT
);
CREATE TABLE IF NOT EXISTS requests (
	id BIGSERIAL PRIMARY KEY,
	connection_id BIGINT NOT NULL,
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	host TEXT NOT NULL,
	content_length BIGINT,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS responses (
	id BIGSERIAL PRIMARY KEY,
	connection_id BIGINT NOT NULL,
	status INTEGER NOT NULL,
	content_length BIGINT,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS errors (
	id BIGSERIAL PRIMARY KEY,
	connection_id BIGINT NOT NULL,
	kind TEXT NOT NULL,
	message TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
);
`)
	if err != nil {
		return fmt.Errorf("initializing postgres schema: %w", err)
	}
	return nil
}

func (c *PostgresCollector) StartConnection(ctx context.Context, clientIP, host string, port int) (int64, error) {
	var id int64
	err := c.db.QueryRowContext(ctx,
		`INSERT INTO connections (client_ip, host, port, started_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		clientIP, host, port, time.Now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("recording connection start: %w", err)
	}
	return id, nil
}

func (c *PostgresCollector) RecordRequest(ctx context.Context, connID int64, method, url, host string, contentLength int64) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO requests (connection_id, method, url, host, content_length, recorded_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		connID, method, url, host, contentLength, time.Now())
	if err != nil {
		return fmt.Errorf("recording request: %w", err)
	}
	return nil
}

func (c *PostgresCollector) RecordResponse(ctx context.Context, connID int64, status int, contentLength int64) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO responses (connection_id, status, content_length, recorded_at) VALUES ($1, $2, $3, $4)`,
		connID, status, contentLength, time.Now())
	if err != nil {
		return fmt.Errorf("recording response: %w", err)
	}
	return nil
}

func (c *PostgresCollector) RecordError(ctx context.Context, connID int64, kind, message string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO errors (connection_id, kind, message, recorded_at) VALUES ($1, $2, $3, $4)`,
		connID, kind, message, time.Now())
	if err != nil {
		return fmt.Errorf("recording error: %w", err)
	}
	return nil
}

func (c *PostgresCollector) EndConnection(ctx context.Context, connID int64, bytesIn, bytesOut int64, duration time.Duration, reason string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE connections SET ended_at = $1, bytes_in = $2, bytes_out = $3, close_reason = $4 WHERE id = $5`,
		time.Now(), bytesIn, bytesOut, reason, connID)
	if err != nil {
		return fmt.Errorf("recording connection end: %w", err)
	}
	return nil
}

func (c *PostgresCollector) Close() error { return c.db.Close() }
