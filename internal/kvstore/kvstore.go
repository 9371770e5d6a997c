package kvstore

import (
	"context"

	"github.com/fieldline/upsertd/internal/model"
)

// Table is a namespaced view of the key-context store. Keys are primary key
// bytes; values are the currently winning message context for that key.
type Table interface {
	// MultiGet returns the stored context for each present key. Absent keys
	// are omitted from the result. The result map is keyed by
	// PrimaryKey.MapKey.
	MultiGet(ctx context.Context, keys []model.PrimaryKey) (map[string]model.MessageContext, error)

	// MultiPut atomically writes the given contexts. A successful return
	// means the batch is durable and observable by any subsequent MultiGet.
	MultiPut(ctx context.Context, entries map[string]model.MessageContext) error
}

// DB is the embedded key-context store. Tables are independent namespaces
// over the same underlying database.
type DB interface {
	Table(name string) Table
	Close() error
}
