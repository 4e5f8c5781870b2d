package mocks

import (
	"context"
	"time"

	"github.com/openfga/grapher/pkg/document"
	"github.com/openfga/grapher/pkg/storage"
)

// slowDataStorage is a proxy to the actual ds except that Find waits findDelay first.
// This allows simulating resolutions that time out or get cancelled.
type slowDataStorage struct {
	findDelay time.Duration
	storage.Datastore
}

// NewMockSlowDataStorage returns a wrapper of a datastore that adds artificial delays into Find.
func NewMockSlowDataStorage(ds storage.Datastore, findDelay time.Duration) storage.Datastore {
	return &slowDataStorage{
		findDelay: findDelay,
		Datastore: ds,
	}
}

func (m *slowDataStorage) Find(ctx context.Context, collection string, filter storage.Filter, options storage.FindOptions) ([]document.Document, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(m.findDelay):
	}
	return m.Datastore.Find(ctx, collection, filter, options)
}
