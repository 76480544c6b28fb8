package stats

import (
	"fmt"
	"time"

	"github.com/codefionn/adsieve/adsieve-srv/config"
)

// CreateCollector creates a statistics collector based on the provided configuration
func CreateCollector(cfg *config.StatisticsConfig) (Collector, error) {
	if cfg == nil || !cfg.Enabled {
		return NewDummyCollector(), nil
	}

	var collector Collector
	var err error

	switch cfg.Backend {
	case config.StatsBackendSQLite, "":
		sqlitePath := cfg.SQLitePath
		if sqlitePath == "" {
			sqlitePath = config.DefaultSQLitePath
		}
		collector, err = NewSQLiteCollector(sqlitePath)
	case config.StatsBackendPostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres-dsn is required for postgres backend")
		}
		collector, err = NewPostgreSQLCollector(cfg.PostgresDSN)
	case config.StatsBackendDummy:
		return NewDummyCollector(), nil
	default:
		return nil, fmt.Errorf("unsupported stats backend: %s", cfg.Backend)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create %s collector: %w", cfg.Backend, err)
	}

	flushInterval := time.Duration(cfg.FlushInterval) * time.Second
	if flushInterval <= 0 {
		flushInterval = config.DefaultStatsFlushInterval * time.Second
	}

	return NewBufferedCollectorWithInterval(collector, flushInterval), nil
}
