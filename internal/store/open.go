package store

import (
	"context"
	"log/slog"
)

// Open returns a Postgres repository when databaseURL is set and a SQLite
// repository at dbPath otherwise.
func Open(ctx context.Context, databaseURL, dbPath string) (Repository, error) {
	if databaseURL != "" {
		slog.Info("Using Postgres store")
		return NewPostgres(ctx, databaseURL)
	}
	slog.Info("Using SQLite store", "path", dbPath)
	return NewSQLite(dbPath)
}
