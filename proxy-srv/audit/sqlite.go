package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/julien-duponchelle/httpsintercept/proxy-srv/logger"
)

// SQLiteCollector implements Collector on top of a local SQLite file.
// It is intended for single-process deployments and embedded use
// where standing up a database server is not worth the operational
// cost.
type SQLiteCollector struct {
	db *sql.DB
}

// NewSQLiteCollector opens (creating if necessary) a SQLite database
// at path and initializes its schema.
func NewSQLiteCollector(path string) (*SQLiteCollector, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("connecting to sqlite database %q: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	c := &SQLiteCollector{db: db}
	if err := c.initSchema(); err != nil {
		return nil, err
	}
	logger.Debug("audit: sqlite collector ready at %s", path)
	return c, nil
}

func (c *SQLiteCollector) initSchema() error {
	_, err := c.db.Exec(`
CREATE TABLE IF NOT EXISTS connections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	client_ip TEXT NOT NULL,
	host TEXT NOT NULL,
	port INTEGER NOT NULL,
	started_at DATETIME NOT NULL,
	ended_at DATETIME,
	bytes_in INTEGER DEFAULT 0,
	bytes_out INTEGER DEFAULT 0,
	close_reason TEXT
);
CREATE TABLE IF NOT EXISTS requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	connection_id INTEGER NOT NULL,
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	host TEXT NOT NULL,
	content_length INTEGER,
	recorded_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS responses (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	connection_id INTEGER NOT NULL,
	status INTEGER NOT NULL,
	content_length INTEGER,
	recorded_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS errors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	connection_id INTEGER NOT NULL,
	kind TEXT NOT NULL,
	message TEXT NOT NULL,
	recorded_at DATETIME NOT NULL
);
`)
	if err != nil {
		return fmt.Errorf("initializing sqlite schema: %w", err)
	}
	return nil
}

func (c *SQLiteCollector) StartConnection(ctx context.Context, clientIP, host string, port int) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO connections (client_ip, host, port, started_at) VALUES (?, ?, ?, ?)`,
		clientIP, host, port, time.Now())
	if err != nil {
		return 0, fmt.Errorf("recording connection start: %w", err)
	}
	return res.LastInsertId()
}

func (c *SQLiteCollector) RecordRequest(ctx context.Context, connID int64, method, url, host string, contentLength int64) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO requests (connection_id, method, url, host, content_length, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`,
		connID, method, url, host, contentLength, time.Now())
	if err != nil {
		return fmt.Errorf("recording request: %w", err)
	}
	return nil
}

func (c *SQLiteCollector) RecordResponse(ctx context.Context, connID int64, status int, contentLength int64) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO responses (connection_id, status, content_length, recorded_at) VALUES (?, ?, ?, ?)`,
		connID, status, contentLength, time.Now())
	if err != nil {
		return fmt.Errorf("recording response: %w", err)
	}
	return nil
}

func (c *SQLiteCollector) RecordError(ctx context.Context, connID int64, kind, message string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO errors (connection_id, kind, message, recorded_at) VALUES (?, ?, ?, ?)`,
		connID, kind, message, time.Now())
	if err != nil {
		return fmt.Errorf("recording error: %w", err)
	}
	return nil
}

func (c *SQLiteCollector) EndConnection(ctx context.Context, connID int64, bytesIn, bytesOut int64, duration time.Duration, reason string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE connections SET ended_at = ?, bytes_in = ?, bytes_out = ?, close_reason = ? WHERE id = ?`,
		time.Now(), bytesIn, bytesOut, reason, connID)
	if err != nil {
		return fmt.Errorf("recording connection end: %w", err)
	}
	return nil
}

func (c *SQLiteCollector) Close() error { return c.db.Close() }
