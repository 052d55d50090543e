package db

import (
	"strings"

	"github.com/go-pg/migrations/v8"
	"github.com/go-pg/pg/v10"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Migrate runs the SQL migrations under migrationsPath against the database
// at dbURL. The path may carry an optional file:// scheme.
func Migrate(dbURL, migrationsPath string) error {
	log.Infof("running database migrations from %s", migrationsPath)
	migrationsPath = strings.TrimPrefix(migrationsPath, "file://")

	opts, err := pg.ParseURL(dbURL)
	if err != nil {
		return errors.Wrap(err, "parsing database url")
	}
	pgDB := pg.Connect(opts)
	defer func() {
		if cErr := pgDB.Close(); cErr != nil {
			log.WithError(cErr).Warn("failed to close migration connection")
		}
	}()

	collection := migrations.NewCollection()
	collection.DisableSQLAutodiscover(true)
	if err = collection.DiscoverSQLMigrations(migrationsPath); err != nil {
		return errors.Wrap(err, "discovering migrations")
	}

	// On fresh installations this creates the migration bookkeeping table;
	// it is a no-op otherwise.
	if _, _, err = collection.Run(pgDB, "init"); err != nil {
		return errors.Wrap(err, "initializing migration metadata")
	}

	oldVersion, newVersion, err := collection.Run(pgDB, "up")
	if err != nil {
		return errors.Wrap(err, "running migrations")
	}
	if newVersion != oldVersion {
		log.Infof("migrated database from version %d to %d", oldVersion, newVersion)
	} else {
		log.Infof("database is up to date at version %d", newVersion)
	}
	return nil
}
