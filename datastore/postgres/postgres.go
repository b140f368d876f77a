// Package postgres registers the PostgreSQL datastore.
package postgres

import (
	"database/sql"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/caiatech/refgraph/datastore"
	"github.com/caiatech/refgraph/datastore/sqlstore"
)

// Dialect is the PostgreSQL flavour of the shared SQL store.
var Dialect = sqlstore.Dialect{
	Name:     datastore.TypePostgres,
	Driver:   "postgres",
	BlobType: "BYTEA",
	Numbered: true,
	DSN:      func(config datastore.Config) string { return config.Connection },
	Tune:     tune,
}

func init() {
	datastore.Register(datastore.TypePostgres, func(config datastore.Config) (datastore.DataStore, error) {
		return New(config), nil
	})
}

// New creates a PostgreSQL store. The connection is opened by Initialize.
func New(config datastore.Config) *sqlstore.Store {
	return sqlstore.New(Dialect)
}

func tune(db *sql.DB, config datastore.Config) {
	if config.MaxConnections > 0 {
		db.SetMaxOpenConns(config.MaxConnections)
	}
	if config.MaxIdleConnections > 0 {
		db.SetMaxIdleConns(config.MaxIdleConnections)
	}
	if config.ConnectionTimeout > 0 {
		db.SetConnMaxIdleTime(config.ConnectionTimeout)
	}
}
