package mongodb

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/caiatech/refgraph/datastore"
)

func testConfig(t *testing.T) datastore.Config {
	t.Helper()
	uri := os.Getenv("MONGODB_TEST_URL")
	if uri == "" {
		t.Skip("MongoDB not available, set MONGODB_TEST_URL to run tests")
	}
	return datastore.Config{
		Type:              datastore.TypeMongoDB,
		Connection:        uri,
		ConnectionTimeout: 5 * time.Second,
		Options: map[string]interface{}{
			"database":          "refgraph_test",
			"collection_prefix": fmt.Sprintf("t%d_", time.Now().UnixNano()),
		},
	}
}

func TestMongoStoreCompliance(t *testing.T) {
	config := testConfig(t)
	store, err := datastore.Create(config)
	require.NoError(t, err)

	datastore.RunComplianceTests(t, datastore.ComplianceTestSuite{
		Store:  store,
		Config: config,
		Cleanup: func() {
			if ms, ok := store.(*MongoStore); ok {
				ctx := context.Background()
				_ = ms.objects.Drop(ctx)
				_ = ms.refs.Drop(ctx)
				_ = ms.settings.Drop(ctx)
			}
			store.Close()
		},
	})
}

func TestPrefixFilterQuotesMeta(t *testing.T) {
	assert.Equal(t, bson.M{}, prefixFilter(""))
	assert.Equal(t,
		bson.M{"_id": bson.M{"$regex": `^refs/heads/a\.b`}},
		prefixFilter("refs/heads/a.b"))
}

func TestMongoStoreNotInitialized(t *testing.T) {
	store, err := New(datastore.Config{Type: datastore.TypeMongoDB})
	require.NoError(t, err)

	_, err = store.GetRef(context.Background(), "HEAD")
	assert.ErrorIs(t, err, datastore.ErrNotInitialized)
}
