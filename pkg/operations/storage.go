package operations

import (
	"context"

	"github.com/circuitstudio/backend/pkg/dispatch"
	"github.com/circuitstudio/backend/pkg/session"
)

type sessionGetParams struct {
	Key string `json:"key"`
}

type sessionSetParams struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// StorageSessionGet returns the value stored under key, or "" when absent.
func StorageSessionGet(store *session.Store) dispatch.Operation {
	return dispatch.Typed("storage-session-get", []string{"key"}, func(_ context.Context, p sessionGetParams) (any, error) {
		v, _ := store.Get(p.Key)
		return v, nil
	})
}

// StorageSessionSet stores value under key.
func StorageSessionSet(store *session.Store) dispatch.Operation {
	return dispatch.Typed("storage-session-set", []string{"key", "value"}, func(_ context.Context, p sessionSetParams) (any, error) {
		store.Set(p.Key, p.Value)
		return struct{}{}, nil
	})
}
