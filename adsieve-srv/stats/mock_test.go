package stats

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type mockCollector struct {
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

func (m *mockCollector) RecordBlockedRequest(ctx context.Context, clientIP, targetHost, method string) error {
	return m.Called(ctx, clientIP, targetHost, method).Error(0)
}

func (m *mockCollector) RecordFilteredElement(ctx context.Context, connectionID int64, host string, element FilteredElement) error {
	return m.Called(ctx, connectionID, host, element).Error(0)
}

func (m *mockCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	return m.Called(ctx, connectionID, errorType, errorMessage).Error(0)
}

func (m *mockCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	args := m.Called(ctx)
	return args.Get(0).(*OverviewStats), args.Error(1)
}

func (m *mockCollector) GetTopBlockedDomains(ctx context.Context, limit int) ([]DomainStats, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]DomainStats), args.Error(1)
}

func (m *mockCollector) GetRecentFiltered(ctx context.Context, limit int) ([]FilteredElementInfo, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]FilteredElementInfo), args.Error(1)
}

func (m *mockCollector) GetRecentErrors(ctx context.Context, limit int) ([]ErrorSummary, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]ErrorSummary), args.Error(1)
}

func (m *mockCollector) HealthCheck(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockCollector) Close() error {
	return m.Called().Error(0)
}
