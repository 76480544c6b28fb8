package stats

import (
	"context"
	"time"
)

// Collector defines the interface for collecting proxy statistics
type Collector interface {
	// Connection tracking
	StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error)
	EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error

	// Bandwidth tracking
	RecordDataTransfer(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64) error

	// Ad gate and HTML filter decisions
	RecordBlockedRequest(ctx context.Context, clientIP, targetHost, method string) error
	RecordFilteredElement(ctx context.Context, connectionID int64, host string, element FilteredElement) error

	// Error tracking
	RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error

	// Dashboard queries
	GetOverviewStats(ctx context.Context) (*OverviewStats, error)
	GetTopBlockedDomains(ctx context.Context, limit int) ([]DomainStats, error)
	GetRecentFiltered(ctx context.Context, limit int) ([]FilteredElementInfo, error)
	GetRecentErrors(ctx context.Context, limit int) ([]ErrorSummary, error)

	// Health check
	HealthCheck(ctx context.Context) error

	// Close cleans up resources
	Close() error
}

// FilteredElement describes one element stripped from an HTML page.
type FilteredElement struct {
	Selector string
	Tag      string
	Src      string
	Classes  string // Space separated
}

// OverviewStats provides high-level statistics
type OverviewStats struct {
	TotalConnections  int64  `json:"total_connections"`
	ActiveConnections int64  `json:"active_connections"`
	BlockedRequests   int64  `json:"blocked_requests"`
	FilteredElements  int64  `json:"filtered_elements"`
	TotalErrors       int64  `json:"total_errors"`
	TotalBytesIn      int64  `json:"total_bytes_in"`
	TotalBytesOut     int64  `json:"total_bytes_out"`
	Uptime            string `json:"uptime"`
}

// DomainStats represents how often a domain was blocked
type DomainStats struct {
	Domain       string    `json:"domain"`
	RequestCount int64     `json:"request_count"`
	LastAccess   time.Time `json:"last_access"`
}

// FilteredElementInfo is a stored FilteredElement
type FilteredElementInfo struct {
	ID           int64     `json:"id"`
	ConnectionID int64     `json:"connection_id"`
	Host         string    `json:"host"`
	Selector     string    `json:"selector"`
	Tag          string    `json:"tag"`
	Src          string    `json:"src"`
	Classes      string    `json:"classes"`
	Timestamp    time.Time `json:"timestamp"`
}

// ErrorSummary represents error statistics
type ErrorSummary struct {
	ErrorType    string    `json:"error_type"`
	Count        int64     `json:"count"`
	LastMessage  string    `json:"last_message"`
	LastOccurred time.Time `json:"last_occurred"`
}
