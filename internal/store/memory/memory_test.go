package memory

import (
	"testing"

	"shopsync/backend/internal/store"
	"shopsync/backend/internal/store/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Repository {
		return New()
	})
}
