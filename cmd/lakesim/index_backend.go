package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"lakecommons.ai/internal/persistence/indexdb"
	"lakecommons.ai/internal/sim/driver"
	"lakecommons.ai/internal/sim/metrics"
)

type runtimeIndex interface {
	driver.EventLogger
	metrics.ReportSink
	Close() error
}

func openRuntimeIndex(dataDir string, disableDB bool, logger *log.Logger) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("LAKE_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		dbPath := filepath.Join(dataDir, "index", "runs.sqlite")
		return indexdb.OpenSQLite(dbPath)
	case "remote":
		endpoint := strings.TrimSpace(os.Getenv("LAKE_INDEX_REMOTE_URL"))
		token := strings.TrimSpace(os.Getenv("LAKE_INDEX_REMOTE_TOKEN"))
		if endpoint == "" {
			return nil, fmt.Errorf("LAKE_INDEX_BACKEND=remote but LAKE_INDEX_REMOTE_URL is empty")
		}
		flushMS := envInt("LAKE_INDEX_REMOTE_FLUSH_MS", 500)
		batchSize := envInt("LAKE_INDEX_REMOTE_BATCH_SIZE", 128)
		idx, err := indexdb.OpenRemote(indexdb.RemoteConfig{
			Endpoint:      endpoint,
			Token:         token,
			BatchSize:     batchSize,
			FlushInterval: time.Duration(flushMS) * time.Millisecond,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported LAKE_INDEX_BACKEND: %s", backend)
	}
}
