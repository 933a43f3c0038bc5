package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	_ "github.com/tursodatabase/go-libsql"
)

// LibSQLEmbeddedConfig holds configuration for embedded libsql connections
type LibSQLEmbeddedConfig struct {
	DatabasePath string // Path to .db file
	BusyTimeout  int    // milliseconds; 0 keeps the driver default
}

// ConnectToDB opens the embedded database at path, creating it if needed.
func ConnectToDB(path string, logger zerolog.Logger) (*sql.DB, error) {
	return ConnectToDBWithConfig(&LibSQLEmbeddedConfig{DatabasePath: path, BusyTimeout: 5000}, logger)
}

func ConnectToDBWithConfig(config *LibSQLEmbeddedConfig, logger zerolog.Logger) (*sql.DB, error) {
	dir := filepath.Dir(config.DatabasePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create database directory %s: %w", dir, err)
	}

	dsn := "file:" + config.DatabasePath
	logger.Info().Str("dsn", dsn).Msg("Connecting to embedded libsql")

	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open libsql connection: %w", err)
	}
	// one writer; libsql embedded connections do not share uncommitted state
	db.SetMaxOpenConns(1)

	if err := verifyEmbeddedLibSQL(db, logger); err != nil {
		db.Close()
		return nil, err
	}
	configurePragmas(db, config, logger)

	return db, nil
}

// verifyEmbeddedLibSQL checks connectivity and probes JSON1, which listings rely on.
func verifyEmbeddedLibSQL(db *sql.DB, logger zerolog.Logger) error {
	ctx := context.Background()

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("basic connectivity test failed: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("basic connectivity test failed: unexpected result %d", result)
	}

	var jsonResult string
	if err := db.QueryRowContext(ctx, "SELECT json_extract('{\"test\":\"value\"}', '$.test')").Scan(&jsonResult); err != nil {
		logger.Warn().Err(err).Msg("JSON1 test failed")
	} else if jsonResult != "value" {
		logger.Warn().Str("result", jsonResult).Msg("JSON1 test returned unexpected result")
	}
	return nil
}

// configurePragmas applies best-effort PRAGMA settings. PRAGMAs that echo their
// value are read back with a query.
func configurePragmas(db *sql.DB, config *LibSQLEmbeddedConfig, logger zerolog.Logger) {
	ctx := context.Background()

	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode = WAL").Scan(&mode); err != nil {
		logger.Debug().Err(err).Msg("Could not set journal_mode")
	}

	if config.BusyTimeout > 0 {
		var timeout int
		if err := db.QueryRowContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", config.BusyTimeout)).Scan(&timeout); err != nil {
			logger.Debug().Err(err).Msg("Could not set busy_timeout")
		}
	}
}
