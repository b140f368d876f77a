// Package sqlite registers the SQLite datastore.
// This provides persistent storage with good performance for single-host
// deployments.
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/caiatech/refgraph/datastore"
	"github.com/caiatech/refgraph/datastore/sqlstore"
)

// Dialect is the SQLite flavour of the shared SQL store.
var Dialect = sqlstore.Dialect{
	Name:     datastore.TypeSQLite,
	Driver:   "sqlite3",
	BlobType: "BLOB",
	DSN:      dsn,
	Tune:     tune,
}

func init() {
	datastore.Register(datastore.TypeSQLite, func(config datastore.Config) (datastore.DataStore, error) {
		return New(config), nil
	})
}

// New creates a SQLite store. The file is opened by Initialize.
func New(config datastore.Config) *sqlstore.Store {
	return sqlstore.New(Dialect)
}

// dsn appends the tuning pragmas to the configured path.
func dsn(config datastore.Config) string {
	connStr := config.Connection
	if !strings.Contains(connStr, "?") {
		connStr += "?"
	} else {
		connStr += "&"
	}

	pragmas := []string{
		"_journal_mode=" + config.GetStringOption("journal_mode", "WAL"),
		"_synchronous=" + config.GetStringOption("synchronous", "NORMAL"),
		"_busy_timeout=" + fmt.Sprintf("%d", config.GetIntOption("busy_timeout", 5000)),
		// Ref prefixes are matched with LIKE.
		"_case_sensitive_like=true",
	}
	return connStr + strings.Join(pragmas, "&")
}

func tune(db *sql.DB, config datastore.Config) {
	db.SetMaxOpenConns(config.MaxConnections)
	if config.MaxConnections == 0 {
		db.SetMaxOpenConns(1) // SQLite works best with single connection in WAL mode
	}
	db.SetMaxIdleConns(config.MaxIdleConnections)
}
