package changestream

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
)

// Checkpointer persists resume tokens so a stream can continue where a
// previous process stopped. See the checkpoint package for implementations.
type Checkpointer interface {
	// Load returns the token saved under key, or nil if there is none.
	Load(ctx context.Context, key string) (bson.Raw, error)

	// Save stores token under key, replacing any previous token.
	Save(ctx context.Context, key string, token bson.Raw) error
}
