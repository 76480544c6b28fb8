package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// sqlCollector implements Collector on top of database/sql. The SQLite and
// PostgreSQL collectors embed it with their own dialect.
type sqlCollector struct {
	db        *sql.DB
	dialect   dialect
	startedAt time.Time
}

func newSQLCollector(db *sql.DB, d dialect) (*sqlCollector, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := initSchema(ctx, db, d); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &sqlCollector{db: db, dialect: d, startedAt: time.Now()}, nil
}

func (s *sqlCollector) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
	return err
}

// insertID runs an INSERT and returns the new row id.
func (s *sqlCollector) insertID(ctx context.Context, query string, args ...any) (int64, error) {
	if s.dialect.returningID {
		var id int64
		err := s.db.QueryRowContext(ctx, s.dialect.rebind(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	result, err := s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// nullableIP maps an empty address to NULL
func nullableIP(clientIP string) any {
	if clientIP == "" {
		return nil
	}
	return clientIP
}

// StartConnection records the start of a connection
func (s *sqlCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	id, err := s.insertID(ctx,
		`INSERT INTO connections (client_ip, target_host, target_port, protocol, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		nullableIP(clientIP), targetHost, targetPort, protocol, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to record connection start: %w", err)
	}
	return id, nil
}

// EndConnection records the end of a connection
func (s *sqlCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	err := s.exec(ctx,
		`UPDATE connections
		 SET ended_at = ?, bytes_sent = ?, bytes_received = ?, duration_ms = ?, close_reason = ?
		 WHERE id = ?`,
		time.Now().UTC(), bytesSent, bytesReceived, duration.Milliseconds(), closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

// RecordDataTransfer adds to the byte counters of an open connection
func (s *sqlCollector) RecordDataTransfer(ctx context.Context, connectionID, bytesSent, bytesReceived int64) error {
	err := s.exec(ctx,
		`UPDATE connections
		 SET bytes_sent = bytes_sent + ?, bytes_received = bytes_received + ?
		 WHERE id = ?`,
		bytesSent, bytesReceived, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record data transfer: %w", err)
	}
	return nil
}

// RecordBlockedRequest records a request stopped by the ad gate
func (s *sqlCollector) RecordBlockedRequest(ctx context.Context, clientIP, targetHost, method string) error {
	err := s.exec(ctx,
		`INSERT INTO blocked_requests (client_ip, target_host, method, timestamp)
		 VALUES (?, ?, ?, ?)`,
		nullableIP(clientIP), targetHost, method, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record blocked request: %w", err)
	}
	return nil
}

// RecordFilteredElement records an element removed from an HTML page
func (s *sqlCollector) RecordFilteredElement(ctx context.Context, connectionID int64, host string, element FilteredElement) error {
	err := s.exec(ctx,
		`INSERT INTO filtered_elements (connection_id, host, selector, tag, src, classes, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		connectionID, host, element.Selector, element.Tag, element.Src, element.Classes, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record filtered element: %w", err)
	}
	return nil
}

// RecordError records an error
func (s *sqlCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	err := s.exec(ctx,
		`INSERT INTO errors (connection_id, error_type, error_message, timestamp)
		 VALUES (?, ?, ?, ?)`,
		connectionID, errorType, errorMessage, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// GetOverviewStats returns high-level statistics
func (s *sqlCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	stats := &OverviewStats{Uptime: time.Since(s.startedAt).Round(time.Second).String()}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN ended_at IS NULL THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(bytes_received), 0),
		        COALESCE(SUM(bytes_sent), 0)
		 FROM connections`).Scan(&stats.TotalConnections, &stats.ActiveConnections, &stats.TotalBytesIn, &stats.TotalBytesOut)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection stats: %w", err)
	}

	counts := []struct {
		table  string
		target *int64
	}{
		{"blocked_requests", &stats.BlockedRequests},
		{"filtered_elements", &stats.FilteredElements},
		{"errors", &stats.TotalErrors},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.target); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", c.table, err)
		}
	}

	return stats, nil
}

// GetTopBlockedDomains returns the most frequently blocked hosts
func (s *sqlCollector) GetTopBlockedDomains(ctx context.Context, limit int) (domains []DomainStats, err error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT target_host, COUNT(*) AS request_count, MAX(timestamp) AS last_access
		 FROM blocked_requests
		 GROUP BY target_host
		 ORDER BY request_count DESC, target_host ASC
		 LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get top blocked domains: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", closeErr)
		}
	}()

	domains = []DomainStats{}
	for rows.Next() {
		var d DomainStats
		var lastAccess string
		if err := rows.Scan(&d.Domain, &d.RequestCount, &lastAccess); err != nil {
			return nil, fmt.Errorf("failed to scan domain stats row: %w", err)
		}
		d.LastAccess = parseTimestamp(lastAccess)
		domains = append(domains, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate domain stats: %w", err)
	}
	return domains, nil
}

// GetRecentFiltered returns the most recently removed elements
func (s *sqlCollector) GetRecentFiltered(ctx context.Context, limit int) (elements []FilteredElementInfo, err error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT id, connection_id, host, selector, tag, COALESCE(src, ''), COALESCE(classes, ''), timestamp
		 FROM filtered_elements
		 ORDER BY id DESC
		 LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get filtered elements: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", closeErr)
		}
	}()

	elements = []FilteredElementInfo{}
	for rows.Next() {
		var e FilteredElementInfo
		var timestamp string
		if err := rows.Scan(&e.ID, &e.ConnectionID, &e.Host, &e.Selector, &e.Tag, &e.Src, &e.Classes, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan filtered element row: %w", err)
		}
		e.Timestamp = parseTimestamp(timestamp)
		elements = append(elements, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate filtered elements: %w", err)
	}
	return elements, nil
}

// GetRecentErrors returns recent error summaries
func (s *sqlCollector) GetRecentErrors(ctx context.Context, limit int) (summaries []ErrorSummary, err error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT error_type, COUNT(*) AS count,
		        COALESCE(MAX(error_message), '') AS last_message,
		        MAX(timestamp) AS last_occurred
		 FROM errors
		 GROUP BY error_type
		 ORDER BY count DESC
		 LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent errors: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", closeErr)
		}
	}()

	summaries = []ErrorSummary{}
	for rows.Next() {
		var summary ErrorSummary
		var lastOccurred string
		if err := rows.Scan(&summary.ErrorType, &summary.Count, &summary.LastMessage, &lastOccurred); err != nil {
			return nil, fmt.Errorf("failed to scan error summary row: %w", err)
		}
		summary.LastOccurred = parseTimestamp(lastOccurred)
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate error summaries: %w", err)
	}
	return summaries, nil
}

// HealthCheck pings the database
func (s *sqlCollector) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping %s database: %w", s.dialect.driver, err)
	}
	return nil
}

// Close closes the database connection
func (s *sqlCollector) Close() error {
	return s.db.Close()
}

// timestampFormats covers what SQLite and PostgreSQL hand back for
// aggregated timestamp columns.
var timestampFormats = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z",
	time.RFC3339,
	time.RFC3339Nano,
}

func parseTimestamp(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	for _, format := range timestampFormats {
		if t, err := time.Parse(format, value); err == nil {
			return t
		}
	}
	return time.Time{}
}
