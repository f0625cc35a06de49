// internal/db/db.go
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
	_ "github.com/sijms/go-ora/v2"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/smsleopard-relay/internal/config"
)

// DriverName returns the database/sql driver registered for a store kind.
func DriverName(kind config.DatabaseKind) (string, error) {
	switch kind {
	case config.SQLServer:
		return "sqlserver", nil
	case config.Oracle:
		return "oracle", nil
	case config.Postgres:
		return "postgres", nil
	}
	return "", fmt.Errorf("no driver for database kind %q", kind)
}

// Open prepares a connection pool for the configured store. It does not dial;
// connections are acquired per operation by the repository.
func Open(cnf *config.Configuration, maxOpenConns int, logger logrus.FieldLogger) (*sql.DB, error) {
	dsn, err := cnf.GenerateConnectionString()
	if err != nil {
		return nil, err
	}

	driver, err := DriverName(cnf.Kind)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s pool: %w", driver, err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if logger != nil {
		logger.Debugf("opened %s pool (max %d connections)", driver, maxOpenConns)
	}
	return db, nil
}

// Ping checks the store is reachable within timeout.
func Ping(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping DB: %w", err)
	}
	return nil
}
