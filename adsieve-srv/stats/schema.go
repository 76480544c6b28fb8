package stats

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/codefionn/adsieve/adsieve-srv/logger"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	driver      string // database/sql driver name
	idColumn    string
	timestamp   string
	placeholder func(n int) string
	// returningID is set when inserts report their id via RETURNING
	// instead of LastInsertId.
	returningID bool
}

var sqliteDialect = dialect{
	driver:      "sqlite3",
	idColumn:    "INTEGER PRIMARY KEY AUTOINCREMENT",
	timestamp:   "TIMESTAMP",
	placeholder: func(int) string { return "?" },
}

var postgresDialect = dialect{
	driver:      "postgres",
	idColumn:    "BIGSERIAL PRIMARY KEY",
	timestamp:   "TIMESTAMPTZ",
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	returningID: true,
}

// rebind rewrites '?' placeholders into the dialect's form.
func (d dialect) rebind(query string) string {
	if d.placeholder(1) == "?" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteString(d.placeholder(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// schemaStatements returns the DDL for all tables and indexes.
func (d dialect) schemaStatements() []string {
	ts := d.timestamp
	return []string{
		`CREATE TABLE IF NOT EXISTS connections (
			id ` + d.idColumn + `,
			client_ip TEXT,
			target_host TEXT NOT NULL,
			target_port INTEGER NOT NULL,
			protocol TEXT NOT NULL,
			started_at ` + ts + ` NOT NULL,
			ended_at ` + ts + `,
			bytes_sent BIGINT DEFAULT 0,
			bytes_received BIGINT DEFAULT 0,
			duration_ms BIGINT DEFAULT 0,
			close_reason TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS blocked_requests (
			id ` + d.idColumn + `,
			client_ip TEXT,
			target_host TEXT NOT NULL,
			method TEXT NOT NULL,
			timestamp ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS filtered_elements (
			id ` + d.idColumn + `,
			connection_id BIGINT NOT NULL,
			host TEXT NOT NULL,
			selector TEXT NOT NULL,
			tag TEXT NOT NULL,
			src TEXT,
			classes TEXT,
			timestamp ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS errors (
			id ` + d.idColumn + `,
			connection_id BIGINT NOT NULL,
			error_type TEXT NOT NULL,
			error_message TEXT,
			timestamp ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_started_at ON connections(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_blocked_requests_host ON blocked_requests(target_host)`,
		`CREATE INDEX IF NOT EXISTS idx_filtered_elements_timestamp ON filtered_elements(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_errors_type ON errors(error_type)`,
	}
}

// initSchema creates the necessary tables if they don't exist
func initSchema(ctx context.Context, db *sql.DB, d dialect) error {
	logger.Debug("Initializing %s schema", d.driver)
	for _, stmt := range d.schemaStatements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}
