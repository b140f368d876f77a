package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/caiatech/refgraph/datastore"
)

func getTestConfig() datastore.Config {
	connStr := os.Getenv("POSTGRES_TEST_URL")
	if connStr == "" {
		return datastore.Config{}
	}

	return datastore.Config{
		Type:               datastore.TypePostgres,
		Connection:         connStr,
		MaxConnections:     10,
		MaxIdleConnections: 2,
	}
}

func TestPostgresStoreCompliance(t *testing.T) {
	config := getTestConfig()
	if config.Connection == "" {
		t.Skip("PostgreSQL not available, set POSTGRES_TEST_URL to run tests")
	}

	store, err := datastore.Create(config)
	require.NoError(t, err)

	// Start from empty tables so counts and listings are predictable.
	db := New(config)
	require.NoError(t, db.Initialize(config))
	for _, table := range []string{"refgraph_objects", "refgraph_refs", "refgraph_config"} {
		_, err := db.DB().ExecContext(context.Background(), "TRUNCATE "+table)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	datastore.RunComplianceTests(t, datastore.ComplianceTestSuite{
		Store:   store,
		Config:  config,
		Cleanup: func() { store.Close() },
	})
}
