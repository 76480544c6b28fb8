package stats

import (
	"context"
	"sync"
	"time"

	"github.com/codefionn/adsieve/adsieve-srv/logger"
)

// BufferedCollector batches writes to an underlying Collector and flushes
// them on a fixed interval. Queries are delegated unbuffered.
type BufferedCollector struct {
	underlying Collector
	interval   time.Duration

	buffer struct {
		completedConnections []completedConnectionData
		dataTransfers        []dataTransferData
		blocked              []blockedRequestData
		filtered             []filteredElementData
		errors               []errorData
		mu                   sync.Mutex
	}

	closeOnce sync.Once
	stopChan  chan struct{}
	doneChan  chan struct{}
	wg        sync.WaitGroup
}

type completedConnectionData struct {
	connectionID  int64
	bytesSent     int64
	bytesReceived int64
	duration      time.Duration
	closeReason   string
}

type dataTransferData struct {
	connectionID  int64
	bytesSent     int64
	bytesReceived int64
}

type blockedRequestData struct {
	clientIP   string
	targetHost string
	method     string
}

type filteredElementData struct {
	connectionID int64
	host         string
	element      FilteredElement
}

type errorData struct {
	connectionID int64
	errorType    string
	errorMessage string
}

// NewBufferedCollector creates a buffered collector flushing every 5 seconds
func NewBufferedCollector(underlying Collector) *BufferedCollector {
	return NewBufferedCollectorWithInterval(underlying, 5*time.Second)
}

// NewBufferedCollectorWithInterval creates a buffered collector with custom interval
func NewBufferedCollectorWithInterval(underlying Collector, interval time.Duration) *BufferedCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	bc := &BufferedCollector{
		underlying: underlying,
		interval:   interval,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}

	bc.buffer.completedConnections = make([]completedConnectionData, 0, 256)
	bc.buffer.dataTransfers = make([]dataTransferData, 0, 256)
	bc.buffer.blocked = make([]blockedRequestData, 0, 256)
	bc.buffer.filtered = make([]filteredElementData, 0, 256)
	bc.buffer.errors = make([]errorData, 0, 64)

	bc.wg.Add(1)
	go bc.flusher()

	return bc
}

// flusher runs in the background and flushes data every interval
func (b *BufferedCollector) flusher() {
	defer b.wg.Done()
	defer close(b.doneChan)

	logger.Debug("Starting buffered stats flusher %s", b.interval)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.stopChan:
			b.flush()
			return
		}
	}
}

// StartConnection is written through so the caller gets a real ID
func (b *BufferedCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	return b.underlying.StartConnection(ctx, clientIP, targetHost, targetPort, protocol)
}

// EndConnection records the end of a connection
func (b *BufferedCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()

	b.buffer.completedConnections = append(b.buffer.completedConnections, completedConnectionData{
		connectionID:  connectionID,
		bytesSent:     bytesSent,
		bytesReceived: bytesReceived,
		duration:      duration,
		closeReason:   closeReason,
	})
	return nil
}

// RecordDataTransfer records data transfer
func (b *BufferedCollector) RecordDataTransfer(ctx context.Context, connectionID, bytesSent, bytesReceived int64) error {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()

	b.buffer.dataTransfers = append(b.buffer.dataTransfers, dataTransferData{
		connectionID:  connectionID,
		bytesSent:     bytesSent,
		bytesReceived: bytesReceived,
	})
	return nil
}

// RecordBlockedRequest records a blocked request
func (b *BufferedCollector) RecordBlockedRequest(ctx context.Context, clientIP, targetHost, method string) error {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()

	b.buffer.blocked = append(b.buffer.blocked, blockedRequestData{
		clientIP:   clientIP,
		targetHost: targetHost,
		method:     method,
	})
	return nil
}

// RecordFilteredElement records a removed HTML element
func (b *BufferedCollector) RecordFilteredElement(ctx context.Context, connectionID int64, host string, element FilteredElement) error {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()

	b.buffer.filtered = append(b.buffer.filtered, filteredElementData{
		connectionID: connectionID,
		host:         host,
		element:      element,
	})
	return nil
}

// RecordError records an error
func (b *BufferedCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()

	b.buffer.errors = append(b.buffer.errors, errorData{
		connectionID: connectionID,
		errorType:    errorType,
		errorMessage: errorMessage,
	})
	return nil
}

// HealthCheck checks if the underlying collector is healthy
func (b *BufferedCollector) HealthCheck(ctx context.Context) error {
	return b.underlying.HealthCheck(ctx)
}

// pending returns the number of buffered records
func (b *BufferedCollector) pending() int {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()
	return len(b.buffer.completedConnections) +
		len(b.buffer.dataTransfers) +
		len(b.buffer.blocked) +
		len(b.buffer.filtered) +
		len(b.buffer.errors)
}

// flush writes all buffered data to the underlying collector
func (b *BufferedCollector) flush() {
	b.buffer.mu.Lock()
	completed := b.buffer.completedConnections
	transfers := b.buffer.dataTransfers
	blocked := b.buffer.blocked
	filtered := b.buffer.filtered
	errs := b.buffer.errors
	b.buffer.completedConnections = make([]completedConnectionData, 0, cap(completed))
	b.buffer.dataTransfers = make([]dataTransferData, 0, cap(transfers))
	b.buffer.blocked = make([]blockedRequestData, 0, cap(blocked))
	b.buffer.filtered = make([]filteredElementData, 0, cap(filtered))
	b.buffer.errors = make([]errorData, 0, cap(errs))
	b.buffer.mu.Unlock()

	total := len(completed) + len(transfers) + len(blocked) + len(filtered) + len(errs)
	if total == 0 {
		return
	}

	logger.Debug("Flushing stats data %d", total)

	ctx := context.Background()
	failures := 0

	for _, dt := range transfers {
		if err := b.underlying.RecordDataTransfer(ctx, dt.connectionID, dt.bytesSent, dt.bytesReceived); err != nil {
			failures++
		}
	}
	for _, conn := range completed {
		if err := b.underlying.EndConnection(ctx, conn.connectionID, conn.bytesSent, conn.bytesReceived, conn.duration, conn.closeReason); err != nil {
			failures++
		}
	}
	for _, br := range blocked {
		if err := b.underlying.RecordBlockedRequest(ctx, br.clientIP, br.targetHost, br.method); err != nil {
			failures++
		}
	}
	for _, fe := range filtered {
		if err := b.underlying.RecordFilteredElement(ctx, fe.connectionID, fe.host, fe.element); err != nil {
			failures++
		}
	}
	for _, e := range errs {
		if err := b.underlying.RecordError(ctx, e.connectionID, e.errorType, e.errorMessage); err != nil {
			failures++
		}
	}

	if failures > 0 {
		logger.Warn("Failed to flush %d of %d stats records", failures, total)
	}
}

// Close stops the flusher, writes any remaining data and closes the
// underlying collector. Safe to call more than once.
func (b *BufferedCollector) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.stopChan)
		b.wg.Wait()
		err = b.underlying.Close()
	})
	return err
}

// ForceFlush immediately flushes all buffered data
func (b *BufferedCollector) ForceFlush() {
	b.flush()
}

// GetOverviewStats delegates to underlying collector
func (b *BufferedCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	return b.underlying.GetOverviewStats(ctx)
}

// GetTopBlockedDomains delegates to underlying collector
func (b *BufferedCollector) GetTopBlockedDomains(ctx context.Context, limit int) ([]DomainStats, error) {
	return b.underlying.GetTopBlockedDomains(ctx, limit)
}

// GetRecentFiltered delegates to underlying collector
func (b *BufferedCollector) GetRecentFiltered(ctx context.Context, limit int) ([]FilteredElementInfo, error) {
	return b.underlying.GetRecentFiltered(ctx, limit)
}

// GetRecentErrors delegates to underlying collector
func (b *BufferedCollector) GetRecentErrors(ctx context.Context, limit int) ([]ErrorSummary, error) {
	return b.underlying.GetRecentErrors(ctx, limit)
}
