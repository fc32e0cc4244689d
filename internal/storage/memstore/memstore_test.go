package memstore

import (
	"testing"

	"github.com/arcane-ops/sentryrun/internal/storage/storagetest"
)

func TestMemstoreContract(t *testing.T) {
	storagetest.RunContract(t, New())
}
