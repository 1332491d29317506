package database

import (
	"fmt"
	"os"
	"path/filepath"

	"pbk-go/internal/config"
)

// NewDatabaseFromConfig opens the backup state database described by cfg.
// The database file is named after userID.
func NewDatabaseFromConfig(cfg config.DatabaseConfig, userID string) (*SQLiteDatabase, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return NewSQLiteDatabase(filepath.Join(cfg.DataDir, userID+".db"))
	case "memory":
		db, err := NewSQLiteDatabase(":memory:")
		if err != nil {
			return nil, err
		}
		// Nothing persists between runs, so the schema is always created here.
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrating memory database: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
