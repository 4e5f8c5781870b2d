// Package storage bootstraps datastores for tests.
package storage

import (
	"context"
	"os"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"github.com/openfga/grapher/pkg/storage"
	"github.com/openfga/grapher/pkg/storage/memory"
	"github.com/openfga/grapher/pkg/storage/mongodb"
	"github.com/openfga/grapher/pkg/testfixtures"
)

// MongoURIEnv names the variable holding the URI of a MongoDB test deployment. When it
// is unset a MongoDB container is started.
const MongoURIEnv = "GRAPHER_TEST_MONGODB_URI"

// MustBootstrapDatastore returns an empty datastore of the given engine. The
// resources are released when the test finishes.
func MustBootstrapDatastore(t testing.TB, engine string) storage.Datastore {
	var ds storage.Datastore

	switch engine {
	case "memory":
		ds = memory.New()
	case "mongodb":
		uri := os.Getenv(MongoURIEnv)
		if uri == "" {
			uri = RunMongoDBTestContainer(t)
		}
		var err error
		ds, err = mongodb.New(uri, mongodb.WithDatabase("grapher_test_"+ulid.Make().String()))
		require.NoError(t, err)
	default:
		t.Fatalf("'%s' is not a supported datastore engine", engine)
	}

	t.Cleanup(ds.Close)
	return ds
}

// MustBootstrapSeededDatastore returns a datastore holding the blog data set.
func MustBootstrapSeededDatastore(t testing.TB, engine string) storage.Datastore {
	ds := MustBootstrapDatastore(t, engine)
	require.NoError(t, testfixtures.Seed(context.Background(), ds))
	return ds
}
