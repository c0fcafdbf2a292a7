package memstore_test

import (
	"testing"

	"landlot/store"
	"landlot/store/memstore"
	"landlot/store/storetest"
)

func TestMemStore(t *testing.T) {
	storetest.TestStore(t, func(t *testing.T) store.Store {
		return memstore.NewStore()
	})
}
