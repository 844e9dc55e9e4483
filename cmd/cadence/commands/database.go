package commands

import (
	"database/sql"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
)

// dbPathFlag overrides database.path for every command that opens the database
var dbPathFlag string

// databasePath is dbPathFlag, or cfg.Database.Path when the flag is unset.
func databasePath(cfg *am.Config) string {
	if dbPathFlag != "" {
		return dbPathFlag
	}
	if cfg.Database.Path != "" {
		return cfg.Database.Path
	}
	return "cadence.db"
}

// openDatabase opens and migrates the configured database.
func openDatabase(cfg *am.Config) (*sql.DB, error) {
	path := databasePath(cfg)
	database, err := db.OpenWithMigrations(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	return database, nil
}

// loadConfig loads configuration and reports failures with a hint
func loadConfig() (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		err = errors.Wrap(err, "failed to load config")
		return nil, errors.WithHint(err, "run 'cadence am where' to see which files were read")
	}
	return cfg, nil
}
