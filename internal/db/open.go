package db

import (
	"fmt"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agentpod/agentpod/internal/common/config"
	"github.com/agentpod/agentpod/internal/common/logger"
	"github.com/agentpod/agentpod/internal/db/dialect"
)

// Open builds the writer/reader pool for the configured backend: PostgreSQL
// when database.url is set, SQLite under {data.dir}/db otherwise.
// The returned cleanup closes the pool.
func Open(cfg *config.Config, log *logger.Logger) (*Pool, func() error, error) {
	if url := cfg.Database.URL; url != "" {
		sqlDB, err := OpenPostgres(url, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		conn := sqlx.NewDb(sqlDB, dialect.PGX)
		pool := NewPool(conn, conn)
		if log != nil {
			log.Info("database initialized", zap.String("driver", dialect.PGX))
		}
		return pool, pool.Close, nil
	}

	path := filepath.Join(cfg.Data.DBDir(), "agentpod.db")

	writerDB, err := OpenSQLite(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite writer: %w", err)
	}
	readerDB, err := OpenSQLiteReader(path)
	if err != nil {
		_ = writerDB.Close()
		return nil, nil, fmt.Errorf("open sqlite reader: %w", err)
	}

	pool := NewPool(sqlx.NewDb(writerDB, dialect.SQLite3), sqlx.NewDb(readerDB, dialect.SQLite3))
	if log != nil {
		log.Info("database initialized", zap.String("driver", dialect.SQLite3), zap.String("db_path", path))
	}

	cleanup := func() error {
		// Update query planner statistics before closing. This is the
		// SQLite-recommended way to maintain stats and is safe on every close.
		_, _ = writerDB.Exec("PRAGMA optimize")
		return pool.Close()
	}
	return pool, cleanup, nil
}
