// Package checkpoint stores change stream resume tokens.
//
// A Store satisfies changestream.Checkpointer, so it can be passed straight
// to changestream.WithCheckpoint:
//
//	store, err := checkpoint.NewBboltStore(dataDir)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	cs, err := coll.Watch(nil, changestream.WithCheckpoint(store, "orders-indexer"))
package checkpoint

import (
	"context"
	"errors"
	"time"

	changestream "github.com/durable-streams/changestream-go"
	"go.mongodb.org/mongo-driver/bson"
)

// Common errors
var (
	ErrStoreClosed = errors.New("checkpoint: store is closed")
	ErrEmptyKey    = errors.New("checkpoint: empty key")
	ErrEmptyToken  = errors.New("checkpoint: empty resume token")
)

// Record is a saved resume token.
type Record struct {
	Key       string
	Token     bson.Raw
	UpdatedAt time.Time
}

// Store is a changestream.Checkpointer that can also list and remove its records.
type Store interface {
	changestream.Checkpointer

	// Records returns every saved record ordered by key.
	Records(ctx context.Context) ([]Record, error)

	// Delete removes the record for key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases the store's resources.
	Close() error
}

func checkSave(key string, token bson.Raw) error {
	if key == "" {
		return ErrEmptyKey
	}
	if len(token) == 0 {
		return ErrEmptyToken
	}
	return token.Validate()
}

func cloneToken(token []byte) bson.Raw {
	out := make(bson.Raw, len(token))
	copy(out, token)
	return out
}
