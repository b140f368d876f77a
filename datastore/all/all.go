// Package all registers every bundled datastore adapter. Import it for its
// side effects when the backend is chosen by configuration.
package all

import (
	_ "github.com/caiatech/refgraph/datastore/badger"
	_ "github.com/caiatech/refgraph/datastore/bolt"
	_ "github.com/caiatech/refgraph/datastore/file"
	_ "github.com/caiatech/refgraph/datastore/lsm"
	_ "github.com/caiatech/refgraph/datastore/memory"
	_ "github.com/caiatech/refgraph/datastore/mongodb"
	_ "github.com/caiatech/refgraph/datastore/postgres"
	_ "github.com/caiatech/refgraph/datastore/redis"
	_ "github.com/caiatech/refgraph/datastore/sqlite"
)
