package db

import (
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Connect initializes the database connection and runs migrations.
func Connect(dsn string, logger *slog.Logger) (*sqlx.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations applied", "count", len(migrations))

	return db, nil
}

// profiles and listings are owned by the marketplace; messages only
// reference them.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS profiles (
            id TEXT PRIMARY KEY,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS listings (
            id TEXT PRIMARY KEY,
            owner_id TEXT NOT NULL REFERENCES profiles(id),
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            listing_id TEXT NOT NULL REFERENCES listings(id),
            sender_id TEXT NOT NULL REFERENCES profiles(id),
            receiver_id TEXT NOT NULL REFERENCES profiles(id),
            content TEXT NOT NULL CHECK (btrim(content) <> ''),
            read BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
            CHECK (sender_id <> receiver_id)
        );`,
	`CREATE INDEX IF NOT EXISTS messages_sender_idx ON messages (sender_id, created_at, id);`,
	`CREATE INDEX IF NOT EXISTS messages_receiver_idx ON messages (receiver_id, created_at, id);`,
	`CREATE INDEX IF NOT EXISTS messages_listing_idx ON messages (listing_id);`,
}

func runMigrations(db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}
