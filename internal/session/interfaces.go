// Package session persists conversation state between CLI invocations.
//
// A conversation is one JSON document per collaborative space holding the
// chat transcript, the active plan, open approvals and the IDs of
// everything produced so far. Documents live in a [Store]: [FileStore]
// writes one file per key atomically, [SQLiteStore] keeps them in a single
// database file. [ConversationStore] serializes read-modify-write cycles
// across processes with a [FileLock].
package session

import (
	"context"

	"github.com/atelierhq/atelier/internal/errors"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.ErrNotFound

// Store provides generic key-value persistence. Keys use "/" as a separator.
type Store interface {
	// Save persists data under key, replacing any previous value.
	Save(ctx context.Context, key string, data []byte) error

	// Load returns the data for key, or ErrNotFound.
	Load(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. It returns ErrNotFound if the key does not exist.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases the backend.
	Close() error
}

// Locator is implemented by stores that can name the file holding a key,
// which is what Watch observes.
type Locator interface {
	Path(key string) string
}
