package db

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib" // Import the Postgres driver.
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/extra/bundebug"
)

const (
	// uniqueViolation is the error code that Postgres uses to indicate that an
	// attempted insert/update violates a uniqueness constraint. Obtained from:
	// https://www.postgresql.org/docs/current/errcodes-appendix.html
	uniqueViolation = "23505"

	maxConnectTries = 15
	connectRetryGap = 4 * time.Second
)

var (
	theOneBun      *bun.DB
	theOneBunMutex sync.Mutex
)

func initTheOneBun(sqlDB *sql.DB) {
	theOneBunMutex.Lock()
	defer theOneBunMutex.Unlock()
	if theOneBun != nil {
		log.Warn("detected re-initialization of the database singleton, this is unexpected outside of tests")
	}
	theOneBun = bun.NewDB(sqlDB, pgdialect.New())

	// Print all queries to stdout when the log level is at or above debug.
	theOneBun.AddQueryHook(bundebug.NewQueryHook(
		bundebug.WithEnabled(log.GetLevel() >= log.DebugLevel),
	))
}

// Bun returns the singleton database connection. Connect must have been
// called first.
func Bun() *bun.DB {
	theOneBunMutex.Lock()
	defer theOneBunMutex.Unlock()
	if theOneBun == nil {
		log.Fatal("database accessed before being initialized")
	}
	return theOneBun
}

// Connect opens a connection to Postgres, retrying for a bounded period so
// the service can come up alongside its database, and initializes the bun
// singleton.
func Connect(url string) (*bun.DB, error) {
	numTries := 0
	for {
		sqlDB, err := sql.Open("pgx", url)
		if err == nil {
			if err = sqlDB.Ping(); err == nil {
				initTheOneBun(sqlDB)
				return theOneBun, nil
			}
			// Drop the pool from the failed attempt before retrying.
			if cErr := sqlDB.Close(); cErr != nil {
				log.WithError(cErr).Warn("failed to close connection pool after ping failure")
			}
		}

		numTries++
		if numTries >= maxConnectTries {
			return nil, errors.Wrapf(err, "could not connect to database after %v tries", numTries)
		}
		log.WithError(err).Warnf("failed to connect to postgres, trying again in %s", connectRetryGap)
		time.Sleep(connectRetryGap)
	}
}

// Close closes the singleton connection.
func Close() error {
	theOneBunMutex.Lock()
	defer theOneBunMutex.Unlock()
	if theOneBun == nil {
		return nil
	}
	err := theOneBun.Close()
	theOneBun = nil
	return err
}
