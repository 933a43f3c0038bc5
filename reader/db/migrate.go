package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies pending schema migrations.
func Migrate(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectTurso, db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to run goose migrations: %w", err)
	}
	for _, r := range results {
		logger.Info().Int64("version", r.Source.Version).Str("file", r.Source.Path).Dur("took", r.Duration).Msg("Applied migration")
	}
	return nil
}

// Open connects to the database at path and brings its schema up to date.
func Open(ctx context.Context, path string, logger zerolog.Logger) (*sql.DB, error) {
	db, err := ConnectToDB(path, logger)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
