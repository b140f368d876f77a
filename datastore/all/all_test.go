package all

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/caiatech/refgraph/datastore"
)

func TestEveryAdapterRegisters(t *testing.T) {
	assert.Equal(t, []string{
		datastore.TypeBadger,
		datastore.TypeBolt,
		datastore.TypeFile,
		datastore.TypeLSM,
		datastore.TypeMemory,
		datastore.TypeMongoDB,
		datastore.TypePostgres,
		datastore.TypeRedis,
		datastore.TypeSQLite,
	}, datastore.Registered())
}
