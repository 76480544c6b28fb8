package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/codefionn/adsieve/adsieve-srv/stats"
	"github.com/stretchr/testify/mock"
)

type mockCollector struct {
	stats.DummyCollector
	mock.Mock
}

func (m *mockCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	args := m.Called(ctx, clientIP, targetHost, targetPort, protocol)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	return m.Called(ctx, connectionID, bytesSent, bytesReceived, duration, closeReason).Error(0)
}

func (m *mockCollector) RecordDataTransfer(ctx context.Context, connectionID, bytesSent, bytesReceived int64) error {
	return m.Called(ctx, connectionID, bytesSent, bytesReceived).Error(0)
}

// recordingCollector keeps every event it sees for end-to-end assertions.
type recordingCollector struct {
	stats.DummyCollector

	mu       sync.Mutex
	nextID   int64
	blocked  []string
	filtered []stats.FilteredElement
	errors   []string
	ended    map[int64]string
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{ended: make(map[int64]string)}
}

func (r *recordingCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID, nil
}

func (r *recordingCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended[connectionID] = closeReason
	return nil
}

func (r *recordingCollector) RecordBlockedRequest(ctx context.Context, clientIP, targetHost, method string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocked = append(r.blocked, method+" "+targetHost)
	return nil
}

func (r *recordingCollector) RecordFilteredElement(ctx context.Context, connectionID int64, host string, element stats.FilteredElement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filtered = append(r.filtered, element)
	return nil
}

func (r *recordingCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, errorType)
	return nil
}

func (r *recordingCollector) snapshot() (blocked []string, filtered []stats.FilteredElement, errs []string, ended map[int64]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ended = make(map[int64]string, len(r.ended))
	for k, v := range r.ended {
		ended[k] = v
	}
	return append([]string(nil), r.blocked...),
		append([]stats.FilteredElement(nil), r.filtered...),
		append([]string(nil), r.errors...),
		ended
}
