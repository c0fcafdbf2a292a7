package pgstore_test

import (
	"testing"

	"landlot/store"
	"landlot/store/pgstore"
	"landlot/store/storetest"
)

func TestPGStore(t *testing.T) {
	storetest.TestStore(t, func(t *testing.T) store.Store {
		return pgstore.NewTestStore(t)
	})
}
