package stats

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/adsieve/adsieve-srv/config"
)

func TestDialectRebind(t *testing.T) {
	q := "INSERT INTO t (a, b) VALUES (?, ?)"
	assert.Equal(t, q, sqliteDialect.rebind(q))
	assert.Equal(t, "INSERT INTO t (a, b) VALUES ($1, $2)", postgresDialect.rebind(q))
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		input string
		want  time.Time
	}{
		{"2026-01-02 03:04:05.123+00:00", time.Date(2026, 1, 2, 3, 4, 5, 123000000, time.UTC)},
		{"2026-01-02 03:04:05", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"2026-01-02T03:04:05Z", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"", time.Time{}},
		{"garbage", time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.True(t, tt.want.Equal(parseTimestamp(tt.input)), "got %v", parseTimestamp(tt.input))
		})
	}
}

func TestCreateCollector(t *testing.T) {
	c, err := CreateCollector(&config.StatisticsConfig{Enabled: false})
	require.NoError(t, err)
	assert.IsType(t, &DummyCollector{}, c)

	c, err = CreateCollector(&config.StatisticsConfig{Enabled: true, Backend: config.StatsBackendDummy})
	require.NoError(t, err)
	assert.IsType(t, &DummyCollector{}, c)

	_, err = CreateCollector(&config.StatisticsConfig{Enabled: true, Backend: "mongo"})
	assert.Error(t, err)

	_, err = CreateCollector(&config.StatisticsConfig{Enabled: true, Backend: config.StatsBackendPostgres})
	assert.ErrorContains(t, err, "postgres-dsn")

	c, err = CreateCollector(&config.StatisticsConfig{
		Enabled:       true,
		Backend:       config.StatsBackendSQLite,
		SQLitePath:    filepath.Join(t.TempDir(), "s.db"),
		FlushInterval: 1,
	})
	require.NoError(t, err)
	assert.IsType(t, &BufferedCollector{}, c)
	require.NoError(t, c.HealthCheck(context.Background()))
	require.NoError(t, c.Close())
}

func TestNotifyingCollector(t *testing.T) {
	m := &mockCollector{}
	m.On("RecordBlockedRequest", mock.Anything, "1.2.3.4", "ads.example.com", "GET").Return(nil)
	m.On("RecordFilteredElement", mock.Anything, int64(1), "example.com", mock.Anything).Return(nil)
	m.On("RecordError", mock.Anything, int64(1), "E2003", "refused").Return(nil)
	m.On("RecordDataTransfer", mock.Anything, int64(1), int64(1), int64(2)).Return(nil)

	var events []Event
	n := NewNotifyingCollector(m, func(e Event) { events = append(events, e) })
	ctx := context.Background()

	require.NoError(t, n.RecordBlockedRequest(ctx, "1.2.3.4", "ads.example.com", "GET"))
	require.NoError(t, n.RecordFilteredElement(ctx, 1, "example.com", FilteredElement{Tag: "div"}))
	require.NoError(t, n.RecordError(ctx, 1, "E2003", "refused"))
	require.NoError(t, n.RecordDataTransfer(ctx, 1, 1, 2))

	require.Len(t, events, 3)
	assert.Equal(t, EventBlocked, events[0].Type)
	assert.Equal(t, "ads.example.com", events[0].Host)
	assert.Equal(t, EventFiltered, events[1].Type)
	require.NotNil(t, events[1].Element)
	assert.Equal(t, "div", events[1].Element.Tag)
	assert.Equal(t, EventError, events[2].Type)
	assert.Equal(t, "E2003: refused", events[2].Message)
	m.AssertExpectations(t)

	silent := NewNotifyingCollector(m, nil)
	require.NoError(t, silent.RecordBlockedRequest(ctx, "1.2.3.4", "ads.example.com", "GET"))
}

func TestDummyCollector(t *testing.T) {
	var c Collector = NewDummyCollector()
	ctx := context.Background()

	id, err := c.StartConnection(ctx, "", "x", 1, "http")
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)
	require.NoError(t, c.RecordBlockedRequest(ctx, "", "x", "GET"))

	overview, err := c.GetOverviewStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &OverviewStats{}, overview)
	require.NoError(t, c.Close())
}
